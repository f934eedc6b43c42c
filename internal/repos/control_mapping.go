package repos

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	pkgerrors "github.com/complyhq/compliance-backend/internal/pkg/errors"
	"github.com/complyhq/compliance-backend/internal/pkg/logger"
	"github.com/complyhq/compliance-backend/internal/types"
)

type ControlMappingRepo interface {
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ControlMapping, error)
	GetAll(ctx context.Context, tx *gorm.DB) ([]*types.ControlMapping, error)
	GetByControl(ctx context.Context, tx *gorm.DB, controlID uuid.UUID) ([]*types.ControlMapping, error)
	GetByDocument(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) ([]*types.ControlMapping, error)
	GetByPair(ctx context.Context, tx *gorm.DB, controlID, documentID uuid.UUID) (*types.ControlMapping, error)
	Create(ctx context.Context, tx *gorm.DB, mapping *types.ControlMapping) (*types.ControlMapping, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error
}

type controlMappingRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewControlMappingRepo(db *gorm.DB, baseLog *logger.Logger) ControlMappingRepo {
	return &controlMappingRepo{
		db:  db,
		log: baseLog.With("repo", "ControlMappingRepo"),
	}
}

func (r *controlMappingRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.ControlMapping, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var mapping types.ControlMapping
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mapping, nil
}

func (r *controlMappingRepo) GetAll(ctx context.Context, tx *gorm.DB) ([]*types.ControlMapping, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ControlMapping
	if err := transaction.WithContext(ctx).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *controlMappingRepo) GetByControl(ctx context.Context, tx *gorm.DB, controlID uuid.UUID) ([]*types.ControlMapping, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ControlMapping
	if err := transaction.WithContext(ctx).
		Where("control_id = ?", controlID).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *controlMappingRepo) GetByDocument(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) ([]*types.ControlMapping, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.ControlMapping
	if err := transaction.WithContext(ctx).
		Where("document_id = ?", documentID).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *controlMappingRepo) GetByPair(ctx context.Context, tx *gorm.DB, controlID, documentID uuid.UUID) (*types.ControlMapping, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var mapping types.ControlMapping
	err := transaction.WithContext(ctx).
		Where("control_id = ? AND document_id = ?", controlID, documentID).
		Limit(1).
		Find(&mapping).Error
	if err != nil {
		return nil, err
	}
	if mapping.ID == uuid.Nil {
		return nil, nil
	}
	return &mapping, nil
}

func (r *controlMappingRepo) Create(ctx context.Context, tx *gorm.DB, mapping *types.ControlMapping) (*types.ControlMapping, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if mapping.ID == uuid.Nil {
		mapping.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(mapping).Error; err != nil {
		return nil, err
	}
	return mapping, nil
}

func (r *controlMappingRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(ctx).
		Model(&types.ControlMapping{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *controlMappingRepo) Delete(ctx context.Context, tx *gorm.DB, id uuid.UUID) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(ctx).Delete(&types.ControlMapping{}, "id = ?", id).Error
}
