package handler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethaccount/paymaster/erc4337"
	"github.com/ethaccount/paymaster/src/domain"
	"github.com/ethaccount/paymaster/src/service"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// OperationLister reads sponsored operations from durable storage
type OperationLister interface {
	ListByState(ctx context.Context, state domain.SettlementState, limit int) ([]*domain.SponsoredOperation, error)
}

type PaymasterHandler struct {
	paymaster  *service.Paymaster
	operations OperationLister
	chainID    *big.Int
}

// NewPaymasterHandler builds the handler; operations may be nil when no database is attached
func NewPaymasterHandler(paymaster *service.Paymaster, operations OperationLister, chainID *big.Int) *PaymasterHandler {
	return &PaymasterHandler{
		paymaster:  paymaster,
		operations: operations,
		chainID:    chainID,
	}
}

func (h *PaymasterHandler) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("handler", "paymaster").Logger()
	return &l
}

// PriceResponse is the cached token price. Price is tokens per native unit.
type PriceResponse struct {
	Price           string    `json:"price"`
	RawPrice        string    `json:"rawPrice"`
	PriceWithMarkup string    `json:"priceWithMarkup"`
	Source          string    `json:"source"`
	FetchedAt       time.Time `json:"fetchedAt"`
	SampledAt       time.Time `json:"sampledAt"`
	ValidUntil      time.Time `json:"validUntil"`
}

func newPriceResponse(q *service.PriceQuote) PriceResponse {
	return PriceResponse{
		Price:           q.Reading.Decimal().String(),
		RawPrice:        q.Reading.Price.String(),
		PriceWithMarkup: q.PriceWithMarkup.String(),
		Source:          q.Reading.Source,
		FetchedAt:       q.Reading.FetchedAt,
		SampledAt:       q.Reading.SampledAt,
		ValidUntil:      q.ValidUntil,
	}
}

// GetPrice godoc
// @Summary Cached token price
// @Tags price
// @Produce json
// @Success 200 {object} StandardResponse{data=PriceResponse}
// @Failure 503 {object} StandardResponse
// @Router /price [get]
func (h *PaymasterHandler) GetPrice(c *gin.Context) {
	quote, err := h.paymaster.Price()
	if err != nil {
		respondWithError(c, err)
		return
	}
	respondWithSuccess(c, newPriceResponse(quote))
}

type RefreshPriceRequest struct {
	Force bool `json:"force"`
}

// RefreshPrice godoc
// @Summary Refresh the cached price from the oracle
// @Tags price
// @Accept json
// @Produce json
// @Param request body RefreshPriceRequest false "force bypasses the time-to-live and update threshold"
// @Success 200 {object} StandardResponse{data=PriceResponse}
// @Failure 503 {object} StandardResponse
// @Router /price/refresh [post]
func (h *PaymasterHandler) RefreshPrice(c *gin.Context) {
	logger := h.logger(c.Request.Context()).With().Str("func", "RefreshPrice").Logger()

	var req RefreshPriceRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, domain.NewError(domain.ErrorCodeParameterInvalid, err, domain.WithMsg("Invalid request payload")))
			return
		}
	}

	quote, err := h.paymaster.UpdateCachedPrice(c.Request.Context(), req.Force)
	if err != nil {
		respondWithError(c, err)
		return
	}

	logger.Info().
		Bool("force", req.Force).
		Str("price", quote.Reading.Decimal().String()).
		Msg("price refreshed")

	respondWithSuccess(c, newPriceResponse(quote))
}

type DepositResponse struct {
	Deposit              string                         `json:"deposit"`
	DepositEther         string                         `json:"depositEther"`
	MinEntryPointBalance string                         `json:"minEntryPointBalance"`
	Replenish            domain.ReplenishStatus         `json:"replenish"`
	Operations           map[domain.SettlementState]int `json:"operations"`
}

// GetDeposit godoc
// @Summary Entry point deposit, swap-back status and operation counts
// @Tags paymaster
// @Produce json
// @Success 200 {object} StandardResponse{data=DepositResponse}
// @Router /deposit [get]
func (h *PaymasterHandler) GetDeposit(c *gin.Context) {
	deposit, err := h.paymaster.Deposit(c.Request.Context())
	if err != nil {
		respondWithError(c, domain.NewError(domain.ErrorCodeRemoteProcessError, err, domain.WithMsg("Failed to read entry point deposit")))
		return
	}

	respondWithSuccess(c, DepositResponse{
		Deposit:              deposit.String(),
		DepositEther:         decimal.NewFromBigInt(deposit, -18).String(),
		MinEntryPointBalance: h.paymaster.Config().MinEntryPointBalance.String(),
		Replenish:            h.paymaster.ReplenishStatus(),
		Operations:           h.paymaster.OperationCounts(),
	})
}

// Replenish godoc
// @Summary Run the token swap-back now
// @Tags paymaster
// @Produce json
// @Success 200 {object} StandardResponse{data=domain.ReplenishResult}
// @Failure 502 {object} StandardResponse
// @Router /replenish [post]
func (h *PaymasterHandler) Replenish(c *gin.Context) {
	result, err := h.paymaster.MaybeReplenish(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}
	respondWithSuccess(c, result)
}

// GetOperation godoc
// @Summary Sponsored operation by user operation hash
// @Tags operations
// @Produce json
// @Param hash path string true "user operation hash"
// @Success 200 {object} StandardResponse{data=domain.SponsoredOperation}
// @Failure 404 {object} StandardResponse
// @Router /operations/{hash} [get]
func (h *PaymasterHandler) GetOperation(c *gin.Context) {
	opHash, err := parseOpHash(c.Param("hash"))
	if err != nil {
		respondWithError(c, err)
		return
	}

	op, err := h.paymaster.Operation(c.Request.Context(), opHash)
	if err != nil {
		respondWithError(c, err)
		return
	}
	respondWithSuccess(c, op)
}

// ListOperations godoc
// @Summary Sponsored operations in a settlement state, newest first
// @Tags operations
// @Produce json
// @Param state query string false "PRECHARGED, SETTLED or FLAGGED" default(FLAGGED)
// @Param limit query int false "page size" default(50)
// @Success 200 {object} StandardResponse{data=[]domain.SponsoredOperation}
// @Router /operations [get]
func (h *PaymasterHandler) ListOperations(c *gin.Context) {
	if h.operations == nil {
		respondWithError(c, domain.NewError(domain.ErrorCodeInternalProcess, errors.New("operation store not configured")))
		return
	}

	state := domain.SettlementState(c.DefaultQuery("state", string(domain.StateFlagged)))
	switch state {
	case domain.StatePrecharged, domain.StateSettled, domain.StateFlagged:
	default:
		respondWithError(c, domain.NewError(domain.ErrorCodeParameterInvalid,
			fmt.Errorf("unknown state %q", state), domain.WithMsg("state must be PRECHARGED, SETTLED or FLAGGED")))
		return
	}

	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 || limit > maxListLimit {
		respondWithError(c, domain.NewError(domain.ErrorCodeParameterInvalid,
			fmt.Errorf("invalid limit %q", c.Query("limit")), domain.WithMsg(fmt.Sprintf("limit must be between 1 and %d", maxListLimit))))
		return
	}

	ops, err := h.operations.ListByState(c.Request.Context(), state, limit)
	if err != nil {
		respondWithError(c, err)
		return
	}
	respondWithSuccess(c, ops)
}

// ValidateRequest is the engine's validatePaymasterUserOp call
type ValidateRequest struct {
	UserOperation *erc4337.UserOperation `json:"userOperation" binding:"required"`
	// MaxCost defaults to the prefund implied by the operation's gas limits
	MaxCost *decimal.Decimal `json:"maxCost"`
}

type ValidateResponse struct {
	OpHash          string                     `json:"opHash"`
	TokenPrecharge  string                     `json:"tokenPrecharge"`
	PriceWithMarkup string                     `json:"priceWithMarkup"`
	ValidUntil      time.Time                  `json:"validUntil"`
	Operation       *domain.SponsoredOperation `json:"operation"`
}

// ValidateOperation godoc
// @Summary Price a user operation and precharge its sender
// @Tags operations
// @Accept json
// @Produce json
// @Param request body ValidateRequest true "user operation"
// @Success 201 {object} StandardResponse{data=ValidateResponse}
// @Failure 400 {object} StandardResponse
// @Failure 402 {object} StandardResponse
// @Failure 409 {object} StandardResponse
// @Failure 503 {object} StandardResponse
// @Router /operations/validate [post]
func (h *PaymasterHandler) ValidateOperation(c *gin.Context) {
	logger := h.logger(c.Request.Context()).With().Str("func", "ValidateOperation").Logger()

	var req ValidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Error().Err(err).Msg("invalid request payload")
		respondWithError(c, domain.NewError(domain.ErrorCodeParameterInvalid, err, domain.WithMsg("Invalid request payload")))
		return
	}

	maxCost, err := optionalAmount("maxCost", req.MaxCost)
	if err != nil {
		respondWithError(c, err)
		return
	}

	result, err := h.paymaster.ValidatePaymasterUserOp(c.Request.Context(), service.ValidationRequest{
		UserOp:  req.UserOperation,
		ChainID: h.chainID,
		MaxCost: maxCost,
	})
	if err != nil {
		respondWithError(c, err)
		return
	}

	logger.Info().
		Str("op_hash", result.OpHash.Hex()).
		Str("sender", req.UserOperation.Sender.Hex()).
		Str("token_precharge", result.TokenPrecharge.String()).
		Msg("operation precharged")

	respondWithSuccessAndStatus(c, http.StatusCreated, ValidateResponse{
		OpHash:          result.OpHash.Hex(),
		TokenPrecharge:  result.TokenPrecharge.String(),
		PriceWithMarkup: result.PriceWithMarkup.String(),
		ValidUntil:      result.ValidUntil,
		Operation:       result.Operation,
	})
}

// PostOpRequest is the engine's postOp call for a validated operation
type PostOpRequest struct {
	Mode          string          `json:"mode" binding:"omitempty,oneof=succeeded reverted"`
	ActualGasCost decimal.Decimal `json:"actualGasCost"`
	// ActualUserOpFeePerGas defaults to the operation's max fee per gas
	ActualUserOpFeePerGas *decimal.Decimal `json:"actualUserOpFeePerGas"`
}

// PostOp godoc
// @Summary Settle a precharged operation and refund the difference
// @Tags operations
// @Accept json
// @Produce json
// @Param hash path string true "user operation hash"
// @Param request body PostOpRequest true "actual cost"
// @Success 200 {object} StandardResponse{data=domain.SponsoredOperation}
// @Failure 409 {object} StandardResponse
// @Router /operations/{hash}/postop [post]
func (h *PaymasterHandler) PostOp(c *gin.Context) {
	logger := h.logger(c.Request.Context()).With().Str("func", "PostOp").Logger()

	opHash, err := parseOpHash(c.Param("hash"))
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req PostOpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Error().Err(err).Msg("invalid request payload")
		respondWithError(c, domain.NewError(domain.ErrorCodeParameterInvalid, err, domain.WithMsg("Invalid request payload")))
		return
	}

	actualGasCost, err := optionalAmount("actualGasCost", &req.ActualGasCost)
	if err != nil {
		respondWithError(c, err)
		return
	}
	feePerGas, err := optionalAmount("actualUserOpFeePerGas", req.ActualUserOpFeePerGas)
	if err != nil {
		respondWithError(c, err)
		return
	}

	mode := domain.OpSucceeded
	if req.Mode == domain.OpReverted.String() {
		mode = domain.OpReverted
	}

	op, err := h.paymaster.PostOp(c.Request.Context(), service.PostOpRequest{
		OpHash:                opHash,
		Mode:                  mode,
		ActualGasCost:         actualGasCost,
		ActualUserOpFeePerGas: feePerGas,
	})
	if err != nil {
		respondWithError(c, err)
		return
	}

	logger.Info().
		Str("op_hash", op.OpHash).
		Str("state", string(op.State)).
		Str("refund", op.Refund.String()).
		Msg("operation settled")

	respondWithSuccess(c, op)
}

type ForceSettleRequest struct {
	// ActualGasCost defaults to the operation's max cost
	ActualGasCost *decimal.Decimal `json:"actualGasCost"`
}

// ForceSettle godoc
// @Summary Settle a flagged or abandoned operation
// @Tags operations
// @Accept json
// @Produce json
// @Param hash path string true "user operation hash"
// @Param request body ForceSettleRequest false "actual cost"
// @Success 200 {object} StandardResponse{data=domain.SponsoredOperation}
// @Failure 409 {object} StandardResponse
// @Router /operations/{hash}/force-settle [post]
func (h *PaymasterHandler) ForceSettle(c *gin.Context) {
	logger := h.logger(c.Request.Context()).With().Str("func", "ForceSettle").Logger()

	opHash, err := parseOpHash(c.Param("hash"))
	if err != nil {
		respondWithError(c, err)
		return
	}

	var req ForceSettleRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondWithError(c, domain.NewError(domain.ErrorCodeParameterInvalid, err, domain.WithMsg("Invalid request payload")))
			return
		}
	}
	actualGasCost, err := optionalAmount("actualGasCost", req.ActualGasCost)
	if err != nil {
		respondWithError(c, err)
		return
	}

	op, err := h.paymaster.ForceSettle(c.Request.Context(), opHash, actualGasCost)
	if err != nil {
		respondWithError(c, err)
		return
	}

	logger.Warn().
		Str("op_hash", op.OpHash).
		Str("refund", op.Refund.String()).
		Msg("operation force-settled")

	respondWithSuccess(c, op)
}

type WithdrawRequest struct {
	To     string          `json:"to" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// WithdrawToken godoc
// @Summary Transfer collected tokens out of the paymaster
// @Tags paymaster
// @Accept json
// @Produce json
// @Param request body WithdrawRequest true "recipient and amount in token units"
// @Success 200 {object} StandardResponse
// @Router /withdraw [post]
func (h *PaymasterHandler) WithdrawToken(c *gin.Context) {
	var req WithdrawRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondWithError(c, domain.NewError(domain.ErrorCodeParameterInvalid, err, domain.WithMsg("Invalid request payload")))
		return
	}
	if !common.IsHexAddress(req.To) {
		respondWithError(c, domain.NewError(domain.ErrorCodeParameterInvalid,
			fmt.Errorf("invalid address %q", req.To), domain.WithMsg("to must be a hex address")))
		return
	}
	amount, err := optionalAmount("amount", &req.Amount)
	if err != nil {
		respondWithError(c, err)
		return
	}

	if err := h.paymaster.WithdrawToken(c.Request.Context(), common.HexToAddress(req.To), amount); err != nil {
		respondWithError(c, err)
		return
	}
	respondWithSuccess(c, gin.H{"to": common.HexToAddress(req.To).Hex(), "amount": amount.String()})
}

func parseOpHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		if err == nil {
			err = fmt.Errorf("hash must be %d bytes, got %d", common.HashLength, len(b))
		}
		return common.Hash{}, domain.NewError(domain.ErrorCodeParameterInvalid, err,
			domain.WithMsg("Invalid user operation hash"), domain.WithDetail(map[string]interface{}{"hash": s}))
	}
	return common.BytesToHash(b), nil
}

// optionalAmount converts a non-negative integer amount; nil stays nil
func optionalAmount(field string, v *decimal.Decimal) (*big.Int, error) {
	if v == nil {
		return nil, nil
	}
	if v.IsNegative() || !v.Equal(v.Truncate(0)) {
		return nil, domain.NewError(domain.ErrorCodeParameterInvalid,
			fmt.Errorf("%s must be a non-negative integer, got %s", field, v.String()),
			domain.WithDetail(map[string]interface{}{"field": field}))
	}
	return v.BigInt(), nil
}
