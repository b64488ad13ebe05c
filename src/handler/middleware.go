package handler

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/ethaccount/paymaster/src/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func SetMiddlewares(ctx context.Context, ginRouter *gin.Engine) {
	ginRouter.Use(LoggerMiddleware(ctx))
}

// LoggerMiddleware attaches a request-scoped logger to the request context and logs the outcome
func LoggerMiddleware(ctx context.Context) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header("X-Request-ID", requestID)

		zlog := zerolog.Ctx(ctx).With().
			Str("request_id", requestID).
			Str("path", c.FullPath()).
			Str("method", c.Request.Method).
			Logger()
		c.Request = c.Request.WithContext(zlog.WithContext(c.Request.Context()))
		c.Next()

		zlog.Debug().
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request handled")
	}
}

// SharedSecretMiddleware guards the engine and operator routes with the X-API-Secret header
func SharedSecretMiddleware(apiSecret string) gin.HandlerFunc {
	expected := []byte(apiSecret)

	return func(c *gin.Context) {
		provided := c.GetHeader("X-API-Secret")

		var reason, msg string
		switch {
		case provided == "":
			reason, msg = "missing API secret header", "Missing API secret"
		case subtle.ConstantTimeCompare([]byte(provided), expected) != 1:
			reason, msg = "invalid API secret provided", "Invalid API secret"
		default:
			c.Next()
			return
		}

		respondWithError(c, domain.NewError(
			domain.ErrorCodeAuthNotAuthenticated,
			errors.New(reason),
			domain.WithMsg(msg),
		))
	}
}
