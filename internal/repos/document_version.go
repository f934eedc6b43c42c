package repos

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/complyhq/compliance-backend/internal/pkg/logger"
	"github.com/complyhq/compliance-backend/internal/types"
)

type DocumentVersionRepo interface {
	GetByDocument(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) ([]*types.DocumentVersion, error)
}

type documentVersionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDocumentVersionRepo(db *gorm.DB, baseLog *logger.Logger) DocumentVersionRepo {
	return &documentVersionRepo{
		db:  db,
		log: baseLog.With("repo", "DocumentVersionRepo"),
	}
}

func (r *documentVersionRepo) GetByDocument(ctx context.Context, tx *gorm.DB, documentID uuid.UUID) ([]*types.DocumentVersion, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*types.DocumentVersion
	if err := transaction.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("version_no DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// EffectiveVersion picks the version whose text should feed matching:
// Published first, then Approved, then the most recent of any status.
// Versions are assumed ordered newest first, as GetByDocument returns them.
func EffectiveVersion(versions []*types.DocumentVersion) *types.DocumentVersion {
	for _, v := range versions {
		if v.Status == types.VersionStatusPublished {
			return v
		}
	}
	for _, v := range versions {
		if v.Status == types.VersionStatusApproved {
			return v
		}
	}
	if len(versions) > 0 {
		return versions[0]
	}
	return nil
}
