package domain

import (
	"errors"
	"net/http"
)

var (
	// ErrPriceUnavailable blocks validation: the oracle is unreachable and the cache is too old
	ErrPriceUnavailable = errors.New("price unavailable")
	// ErrOracleUnreachable is returned by a feed that could not be queried
	ErrOracleUnreachable = errors.New("oracle unreachable")
	// ErrOracleStale is returned by a feed whose latest round is unusable
	ErrOracleStale = errors.New("oracle round stale")

	ErrInsufficientBalance   = errors.New("insufficient token balance")
	ErrInsufficientAllowance = errors.New("insufficient token allowance")

	ErrSlippageExceeded      = errors.New("swap slippage exceeded")
	ErrInsufficientLiquidity = errors.New("insufficient swap liquidity")

	// ErrProtocolViolation covers post-op without a precharge, a second post-op and hash reuse
	ErrProtocolViolation = errors.New("protocol violation")

	ErrInvalidPaymasterData = errors.New("invalid paymaster data")
	ErrOperationNotFound    = errors.New("operation not found")
)

type ErrorCode string

const (
	ErrorCodeParameterInvalid     ErrorCode = "PARAMETER_INVALID"
	ErrorCodeResourceNotFound     ErrorCode = "RESOURCE_NOT_FOUND"
	ErrorCodeAuthPermissionDenied ErrorCode = "AUTH_PERMISSION_DENIED"
	ErrorCodeAuthNotAuthenticated ErrorCode = "AUTH_NOT_AUTHENTICATED"
	ErrorCodeInternalProcess      ErrorCode = "INTERNAL_PROCESS"
	ErrorCodeRemoteProcessError   ErrorCode = "REMOTE_PROCESS_ERROR"
	ErrorCodePriceUnavailable     ErrorCode = "PRICE_UNAVAILABLE"
	ErrorCodeInsufficientFunds    ErrorCode = "INSUFFICIENT_FUNDS"
	ErrorCodeProtocolViolation    ErrorCode = "PROTOCOL_VIOLATION"
)

var errorCodeHTTPStatus = map[ErrorCode]int{
	ErrorCodeParameterInvalid:     http.StatusBadRequest,
	ErrorCodeResourceNotFound:     http.StatusNotFound,
	ErrorCodeAuthPermissionDenied: http.StatusForbidden,
	ErrorCodeAuthNotAuthenticated: http.StatusUnauthorized,
	ErrorCodeInternalProcess:      http.StatusInternalServerError,
	ErrorCodeRemoteProcessError:   http.StatusBadGateway,
	ErrorCodePriceUnavailable:     http.StatusServiceUnavailable,
	ErrorCodeInsufficientFunds:    http.StatusPaymentRequired,
	ErrorCodeProtocolViolation:    http.StatusConflict,
}

// DomainError carries an error code and an optional client-facing message.
// The zero value describes an unclassified internal error.
type DomainError struct {
	code      ErrorCode
	err       error
	clientMsg string
	detail    map[string]interface{}
}

type ErrorOption func(*DomainError)

// WithMsg sets the message shown to API clients
func WithMsg(msg string) ErrorOption {
	return func(e *DomainError) {
		e.clientMsg = msg
	}
}

// WithDetail attaches structured detail to the API response
func WithDetail(detail map[string]interface{}) ErrorOption {
	return func(e *DomainError) {
		e.detail = detail
	}
}

func NewError(code ErrorCode, err error, opts ...ErrorOption) DomainError {
	e := DomainError{code: code, err: err}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

func (e DomainError) Error() string {
	if e.err == nil {
		return string(e.Name())
	}
	return e.err.Error()
}

func (e DomainError) Unwrap() error {
	return e.err
}

func (e DomainError) Name() ErrorCode {
	if e.code == "" {
		return ErrorCodeInternalProcess
	}
	return e.code
}

func (e DomainError) ClientMsg() string {
	return e.clientMsg
}

func (e DomainError) Detail() map[string]interface{} {
	return e.detail
}

func (e DomainError) HTTPStatus() int {
	if status, ok := errorCodeHTTPStatus[e.Name()]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Classify wraps err in a DomainError whose code follows the sentinel it wraps.
// Errors that are already DomainErrors are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var de DomainError
	if errors.As(err, &de) {
		return err
	}

	switch {
	case errors.Is(err, ErrPriceUnavailable):
		return NewError(ErrorCodePriceUnavailable, err, WithMsg("token price is currently unavailable"))
	case errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInsufficientAllowance):
		return NewError(ErrorCodeInsufficientFunds, err)
	case errors.Is(err, ErrProtocolViolation):
		return NewError(ErrorCodeProtocolViolation, err)
	case errors.Is(err, ErrOperationNotFound):
		return NewError(ErrorCodeResourceNotFound, err)
	case errors.Is(err, ErrInvalidPaymasterData):
		return NewError(ErrorCodeParameterInvalid, err)
	case errors.Is(err, ErrOracleUnreachable), errors.Is(err, ErrOracleStale),
		errors.Is(err, ErrSlippageExceeded), errors.Is(err, ErrInsufficientLiquidity):
		return NewError(ErrorCodeRemoteProcessError, err)
	default:
		return NewError(ErrorCodeInternalProcess, err)
	}
}
