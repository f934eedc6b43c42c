package types

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	CoverageCovered          = "Covered"
	CoveragePartiallyCovered = "Partially Covered"
	CoverageNotCovered       = "Not Covered"
)

// AutoMappedPrefix marks rationale text written by the keyword auto-mapper.
// Only mappings still carrying this prefix may be overwritten or retired
// automatically; human-edited rationale is never touched.
const AutoMappedPrefix = "[Auto-mapped]"

type ControlMapping struct {
	ID                     uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ControlID              uuid.UUID      `gorm:"type:uuid;not null;index:idx_mapping_pair" json:"control_id"`
	DocumentID             uuid.UUID      `gorm:"type:uuid;not null;index:idx_mapping_pair" json:"document_id"`
	BusinessUnitID         *uuid.UUID     `gorm:"type:uuid;index" json:"business_unit_id,omitempty"`
	CoverageStatus         string         `gorm:"column:coverage_status;not null;default:'Not Covered'" json:"coverage_status"`
	Rationale              string         `gorm:"column:rationale;type:text" json:"rationale"`
	AIMatchScore           *int           `gorm:"column:ai_match_score" json:"ai_match_score,omitempty"`
	AIMatchRationale       string         `gorm:"column:ai_match_rationale;type:text" json:"ai_match_rationale"`
	AIMatchRecommendations string         `gorm:"column:ai_match_recommendations;type:text" json:"ai_match_recommendations"`
	CreatedAt              time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt              time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt              gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ControlMapping) TableName() string { return "control_mapping" }

// IsAutoGenerated reports whether this mapping is still owned by the
// auto-mapper and therefore safe to overwrite or retire.
func (m *ControlMapping) IsAutoGenerated() bool {
	return strings.HasPrefix(m.Rationale, AutoMappedPrefix)
}

// HasAIScore reports whether an AI pass has scored this mapping.
func (m *ControlMapping) HasAIScore() bool {
	return m.AIMatchScore != nil
}

// CoverageRank orders coverage statuses from least to most covered.
func CoverageRank(status string) int {
	switch status {
	case CoverageCovered:
		return 2
	case CoveragePartiallyCovered:
		return 1
	default:
		return 0
	}
}
