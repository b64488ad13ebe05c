package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementState is the lifecycle state of a sponsored operation.
// An operation without a record is in the implicit NONE state.
type SettlementState string

const (
	StatePrecharged SettlementState = "PRECHARGED"
	StateSettled    SettlementState = "SETTLED"
	// StateFlagged marks an operation that needs operator attention: a failed refund or a precharge
	// that never received its post-op.
	StateFlagged SettlementState = "FLAGGED"
)

// PostOpMode mirrors the execution engine's post-op modes
type PostOpMode uint8

const (
	OpSucceeded PostOpMode = iota
	OpReverted
)

func (m PostOpMode) String() string {
	switch m {
	case OpSucceeded:
		return "succeeded"
	case OpReverted:
		return "reverted"
	default:
		return "unknown"
	}
}

// SponsoredOperation is one sponsored user operation between validation and post-op
type SponsoredOperation struct {
	ID              uuid.UUID       `gorm:"primaryKey;type:uuid;default:gen_random_uuid()" json:"id"`
	OpHash          string          `gorm:"type:varchar(66);uniqueIndex;not null" json:"opHash"`
	Sender          string          `gorm:"type:varchar(42);not null" json:"sender"`
	MaxCost         decimal.Decimal `gorm:"type:numeric(78,0);not null" json:"maxCost"`
	MaxFeePerGas    decimal.Decimal `gorm:"type:numeric(78,0);not null" json:"maxFeePerGas"`
	TokenPrecharge  decimal.Decimal `gorm:"type:numeric(78,0);not null" json:"tokenPrecharge"`
	PriceWithMarkup decimal.Decimal `gorm:"type:numeric(78,0);not null" json:"priceWithMarkup"`
	// ClientPrice is the price floor supplied in paymasterData, zero when absent
	ClientPrice     decimal.Decimal `gorm:"type:numeric(78,0);not null;default:0" json:"clientPrice"`
	ActualGasCost   decimal.Decimal `gorm:"type:numeric(78,0);not null;default:0" json:"actualGasCost"`
	ActualTokenCost decimal.Decimal `gorm:"type:numeric(78,0);not null;default:0" json:"actualTokenCost"`
	Refund          decimal.Decimal `gorm:"type:numeric(78,0);not null;default:0" json:"refund"`
	Shortfall       decimal.Decimal `gorm:"type:numeric(78,0);not null;default:0" json:"shortfall"`
	State           SettlementState `gorm:"type:varchar(16);not null;index" json:"state"`
	Note            string          `gorm:"type:text" json:"note,omitempty"`
	CreatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"createdAt"`
	UpdatedAt       time.Time       `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updatedAt"`
	SettledAt       *time.Time      `json:"settledAt,omitempty"`
}

func (SponsoredOperation) TableName() string {
	return "sponsored_operations"
}

func (o *SponsoredOperation) Hash() common.Hash {
	return common.HexToHash(o.OpHash)
}

func (o *SponsoredOperation) SenderAddress() common.Address {
	return common.HexToAddress(o.Sender)
}

// Clone returns a copy that shares no mutable state with o
func (o *SponsoredOperation) Clone() *SponsoredOperation {
	c := *o
	if o.SettledAt != nil {
		t := *o.SettledAt
		c.SettledAt = &t
	}
	return &c
}

// BigDecimal converts an integer amount to a numeric column value
func BigDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, 0)
}
