package handler

import (
	"errors"
	"net/http"

	"github.com/ethaccount/paymaster/src/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// StandardResponse represents the standard API response format
type StandardResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   interface{} `json:"error,omitempty"`
}

// respondWithSuccess sends a successful response with the standard format
func respondWithSuccess(c *gin.Context, data interface{}) {
	respondWithSuccessAndStatus(c, http.StatusOK, data)
}

// respondWithSuccessAndStatus sends a successful response with custom HTTP status
func respondWithSuccessAndStatus(c *gin.Context, httpStatus int, data interface{}, message ...string) {
	msg := "OK"
	if len(message) > 0 && message[0] != "" {
		msg = message[0]
	}

	response := StandardResponse{
		Code:    0,
		Message: msg,
		Data:    data,
	}

	c.JSON(httpStatus, response)
}

// respondWithError sends an error response with the standard format.
// Errors that are not yet DomainErrors are classified by the sentinel they wrap.
func respondWithError(c *gin.Context, err error) {
	err = domain.Classify(err)
	domainErr := parseDomainError(err)

	// Use the original error message if the domain error has no client message
	message := domainErr.ClientMsg()
	if message == "" {
		message = err.Error()
	}

	response := StandardResponse{
		Code:    mapDomainErrorToCode(domainErr),
		Message: message,
	}

	// Add error details if available
	if detail := domainErr.Detail(); detail != nil {
		response.Error = detail
	}

	ctx := c.Request.Context()
	event := zerolog.Ctx(ctx).Warn()
	if domainErr.HTTPStatus() >= http.StatusInternalServerError {
		event = zerolog.Ctx(ctx).Error()
	}
	event.
		Str("function", "respondWithError").
		Int("error_code", response.Code).
		Err(err).
		Msg(response.Message)

	_ = c.Error(err)
	c.AbortWithStatusJSON(domainErr.HTTPStatus(), response)
}

// parseDomainError extracts domain error information
func parseDomainError(err error) domain.DomainError {
	var domainError domain.DomainError
	// An empty domain.DomainError describes an internal error, so the result of errors.As is ignored
	_ = errors.As(err, &domainError)
	return domainError
}

// mapDomainErrorToCode maps domain error codes to API response codes
func mapDomainErrorToCode(domainErr domain.DomainError) int {
	switch domainErr.Name() {
	case domain.ErrorCodeParameterInvalid:
		return 1001
	case domain.ErrorCodeResourceNotFound:
		return 1002
	case domain.ErrorCodeAuthPermissionDenied:
		return 1003
	case domain.ErrorCodeAuthNotAuthenticated:
		return 1004
	case domain.ErrorCodeInternalProcess:
		return 1005
	case domain.ErrorCodeRemoteProcessError:
		return 1006
	case domain.ErrorCodePriceUnavailable:
		return 2001
	case domain.ErrorCodeInsufficientFunds:
		return 2002
	case domain.ErrorCodeProtocolViolation:
		return 2003
	default:
		return 1000 // Generic error code
	}
}
