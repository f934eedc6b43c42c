package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/complyhq/compliance-backend/internal/pkg/logger"
	"github.com/complyhq/compliance-backend/internal/types"
)

type RegulatoryProfileRepo interface {
	GetAll(ctx context.Context, tx *gorm.DB) ([]*types.RegulatoryProfile, error)
}

type regulatoryProfileRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRegulatoryProfileRepo(db *gorm.DB, baseLog *logger.Logger) RegulatoryProfileRepo {
	return &regulatoryProfileRepo{
		db:  db,
		log: baseLog.With("repo", "RegulatoryProfileRepo"),
	}
}

func (r *regulatoryProfileRepo) GetAll(ctx context.Context, tx *gorm.DB) ([]*types.RegulatoryProfile, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.RegulatoryProfile
	if err := transaction.WithContext(ctx).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
