package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	JobTypeSingleMatch      = "ai_single_match"
	JobTypeCombinedCoverage = "ai_combined_coverage"
	JobTypeBulkMap          = "ai_bulk_map"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// AnalysisJob tracks one asynchronous model-scoring run. Rows are created on
// dispatch and mutated only by the run itself, except for the cancel path
// which flips Status to cancelled.
type AnalysisJob struct {
	ID              uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobType         string         `gorm:"column:job_type;not null;index" json:"job_type"`
	EntityID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"entity_id"`
	Status          string         `gorm:"column:status;not null;index" json:"status"`
	ProgressMessage string         `gorm:"column:progress_message" json:"progress_message"`
	Result          datatypes.JSON `gorm:"type:jsonb;column:result" json:"result,omitempty"`
	ErrorMessage    string         `gorm:"column:error_message" json:"error_message"`
	StartedAt       *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt       time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (AnalysisJob) TableName() string { return "analysis_job" }

// IsTerminal reports whether no further status transition is allowed.
func (j *AnalysisJob) IsTerminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}
