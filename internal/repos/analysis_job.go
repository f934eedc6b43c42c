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

type AnalysisJobRepo interface {
	Create(ctx context.Context, tx *gorm.DB, job *types.AnalysisJob) (*types.AnalysisJob, error)
	GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.AnalysisJob, error)
	UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsUnlessStatus applies updates only while the row's status is
	// not one of the excluded states. Returns whether the write applied, so a
	// worker can observe a concurrent cancel without a separate read.
	UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, excluded []string, updates map[string]interface{}) (bool, error)
}

type analysisJobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAnalysisJobRepo(db *gorm.DB, baseLog *logger.Logger) AnalysisJobRepo {
	return &analysisJobRepo{
		db:  db,
		log: baseLog.With("repo", "AnalysisJobRepo"),
	}
}

func (r *analysisJobRepo) Create(ctx context.Context, tx *gorm.DB, job *types.AnalysisJob) (*types.AnalysisJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if err := transaction.WithContext(ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *analysisJobRepo) GetByID(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*types.AnalysisJob, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var job types.AnalysisJob
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *analysisJobRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.AnalysisJob{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *analysisJobRepo) UpdateFieldsUnlessStatus(ctx context.Context, tx *gorm.DB, id uuid.UUID, excluded []string, updates map[string]interface{}) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	q := transaction.WithContext(ctx).
		Model(&types.AnalysisJob{}).
		Where("id = ?", id)
	if len(excluded) > 0 {
		q = q.Where("status NOT IN ?", excluded)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
