package repos

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	pkgerrors "github.com/complyhq/compliance-backend/internal/pkg/errors"
	"github.com/complyhq/compliance-backend/internal/pkg/logger"
	"github.com/complyhq/compliance-backend/internal/types"
)

type ControlRepo interface {
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Control, error)
	GetAll(ctx context.Context, tx *gorm.DB) ([]*types.Control, error)
	GetBySource(ctx context.Context, tx *gorm.DB, sourceID uuid.UUID) ([]*types.Control, error)
}

type controlRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewControlRepo(db *gorm.DB, baseLog *logger.Logger) ControlRepo {
	return &controlRepo{
		db:  db,
		log: baseLog.With("repo", "ControlRepo"),
	}
}

func (r *controlRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Control, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var control types.Control
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&control).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &control, nil
}

func (r *controlRepo) GetAll(ctx context.Context, tx *gorm.DB) ([]*types.Control, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Control
	if err := transaction.WithContext(ctx).Order("code ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *controlRepo) GetBySource(ctx context.Context, tx *gorm.DB, sourceID uuid.UUID) ([]*types.Control, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Control
	if err := transaction.WithContext(ctx).
		Where("source_id = ?", sourceID).
		Order("code ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
