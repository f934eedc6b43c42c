package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/complyhq/compliance-backend/internal/pkg/logger"
	"github.com/complyhq/compliance-backend/internal/types"
)

type BusinessUnitRepo interface {
	GetAll(ctx context.Context, tx *gorm.DB) ([]*types.BusinessUnit, error)
}

type businessUnitRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewBusinessUnitRepo(db *gorm.DB, baseLog *logger.Logger) BusinessUnitRepo {
	return &businessUnitRepo{
		db:  db,
		log: baseLog.With("repo", "BusinessUnitRepo"),
	}
}

func (r *businessUnitRepo) GetAll(ctx context.Context, tx *gorm.DB) ([]*types.BusinessUnit, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.BusinessUnit
	if err := transaction.WithContext(ctx).Order("name ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
