package handler

import (
	"context"
	"reflect"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

type RouteConfig struct {
	AllowOrigins []string
	APISecret    string
	// EnableSwagger serves the swagger UI at /swagger/index.html
	EnableSwagger bool
}

func RegisterRoutes(ctx context.Context, router *gin.Engine, cfg RouteConfig, paymasterHandler *PaymasterHandler) {

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
			if value, ok := field.Interface().(decimal.Decimal); ok {
				return value.String()
			}
			return nil
		}, decimal.Decimal{})
	}

	// Configure CORS
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = cfg.AllowOrigins
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "X-API-Secret", "X-Request-ID"}

	router.Use(cors.New(corsConfig))

	SetMiddlewares(ctx, router)

	// Swagger documentation
	if cfg.EnableSwagger {
		router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	v1 := router.Group("/api/v1")
	{
		v1.GET("/health", paymasterHandler.HealthCheck)

		// Read-only endpoints
		v1.GET("/price", paymasterHandler.GetPrice)
		v1.GET("/deposit", paymasterHandler.GetDeposit)
		v1.GET("/operations/:hash", paymasterHandler.GetOperation)

		// Engine and operator endpoints
		admin := v1.Group("", SharedSecretMiddleware(cfg.APISecret))
		admin.POST("/price/refresh", paymasterHandler.RefreshPrice)
		admin.POST("/replenish", paymasterHandler.Replenish)
		admin.POST("/withdraw", paymasterHandler.WithdrawToken)
		admin.GET("/operations", paymasterHandler.ListOperations)
		admin.POST("/operations/validate", paymasterHandler.ValidateOperation)
		admin.POST("/operations/:hash/postop", paymasterHandler.PostOp)
		admin.POST("/operations/:hash/force-settle", paymasterHandler.ForceSettle)
	}
}
