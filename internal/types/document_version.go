package types

import (
	"time"

	"github.com/google/uuid"
)

const (
	VersionStatusDraft     = "Draft"
	VersionStatusApproved  = "Approved"
	VersionStatusPublished = "Published"
	VersionStatusArchived  = "Archived"
)

// DocumentVersion rows are append-only; only status transitions mutate them.
// ExtractedText is produced by the upstream file conversion pipeline.
type DocumentVersion struct {
	ID            uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	DocumentID    uuid.UUID  `gorm:"type:uuid;not null;index" json:"document_id"`
	Document      *Document  `gorm:"constraint:OnDelete:CASCADE;foreignKey:DocumentID;references:ID" json:"document,omitempty"`
	VersionNo     int        `gorm:"column:version_no;not null" json:"version_no"`
	Status        string     `gorm:"column:status;not null;default:'Draft';index" json:"status"`
	StorageKey    string     `gorm:"column:storage_key" json:"storage_key"`
	ExtractedText string     `gorm:"column:extracted_text;type:text" json:"extracted_text"`
	PublishedAt   *time.Time `gorm:"column:published_at" json:"published_at,omitempty"`
	CreatedAt     time.Time  `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"not null;default:now()" json:"updated_at"`
}

func (DocumentVersion) TableName() string { return "document_version" }
