package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/complyhq/compliance-backend/internal/pkg/logger"
	"github.com/complyhq/compliance-backend/internal/types"
)

type RegulatorySourceRepo interface {
	GetAll(ctx context.Context, tx *gorm.DB) ([]*types.RegulatorySource, error)
}

type regulatorySourceRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRegulatorySourceRepo(db *gorm.DB, baseLog *logger.Logger) RegulatorySourceRepo {
	return &regulatorySourceRepo{
		db:  db,
		log: baseLog.With("repo", "RegulatorySourceRepo"),
	}
}

func (r *regulatorySourceRepo) GetAll(ctx context.Context, tx *gorm.DB) ([]*types.RegulatorySource, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.RegulatorySource
	if err := transaction.WithContext(ctx).Order("name ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
