package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Control struct {
	ID           uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SourceID     uuid.UUID      `gorm:"type:uuid;not null;index" json:"source_id"`
	Code         string         `gorm:"column:code;not null;index" json:"code"`
	Title        string         `gorm:"column:title;not null" json:"title"`
	Description  string         `gorm:"column:description;type:text" json:"description"`
	EvidenceHint string         `gorm:"column:evidence_hint;type:text" json:"evidence_hint"`
	CreatedAt    time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Control) TableName() string { return "control" }
