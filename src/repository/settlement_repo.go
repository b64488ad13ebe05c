package repository

import (
	"context"
	"errors"

	"github.com/ethaccount/paymaster/src/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SettlementRepository persists sponsored operations in postgres
type SettlementRepository struct {
	db *gorm.DB
}

func NewSettlementRepository(db *gorm.DB) *SettlementRepository {
	return &SettlementRepository{db: db}
}

// SaveOperation inserts the operation or overwrites the row with the same op hash
func (r *SettlementRepository) SaveOperation(ctx context.Context, op *domain.SponsoredOperation) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "op_hash"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"actual_gas_cost", "actual_token_cost", "refund", "shortfall",
				"state", "note", "updated_at", "settled_at",
			}),
		}).
		Create(op).Error
}

// GetOperation finds an operation by its hex op hash
func (r *SettlementRepository) GetOperation(ctx context.Context, opHash string) (*domain.SponsoredOperation, error) {
	var op domain.SponsoredOperation
	err := r.db.WithContext(ctx).Where("op_hash = ?", opHash).First(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrOperationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

// ListOpen retrieves every operation that is not settled
func (r *SettlementRepository) ListOpen(ctx context.Context) ([]*domain.SponsoredOperation, error) {
	var ops []*domain.SponsoredOperation
	if err := r.db.WithContext(ctx).Where("state <> ?", domain.StateSettled).Order("created_at").Find(&ops).Error; err != nil {
		return nil, err
	}
	return ops, nil
}

// ListByState retrieves operations in state, newest first
func (r *SettlementRepository) ListByState(ctx context.Context, state domain.SettlementState, limit int) ([]*domain.SponsoredOperation, error) {
	var ops []*domain.SponsoredOperation
	if err := r.db.WithContext(ctx).Where("state = ?", state).Order("created_at DESC").Limit(limit).Find(&ops).Error; err != nil {
		return nil, err
	}
	return ops, nil
}
