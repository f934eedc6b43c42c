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

type DocumentRepo interface {
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Document, error)
	GetAll(ctx context.Context, tx *gorm.DB) ([]*types.Document, error)
}

type documentRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentRepo(db *gorm.DB, baseLog *logger.Logger) DocumentRepo {
	return &documentRepo{
		db:  db,
		log: baseLog.With("repo", "DocumentRepo"),
	}
}

func (r *documentRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var doc types.Document
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepo) GetAll(ctx context.Context, tx *gorm.DB) ([]*types.Document, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.Document
	if err := transaction.WithContext(ctx).Order("title ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
