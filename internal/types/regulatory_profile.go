package types

import (
	"time"

	"github.com/google/uuid"
)

// RegulatoryProfile declares which frameworks apply to which business unit.
// Gap and over-strict computation is driven entirely by these rows.
type RegulatoryProfile struct {
	ID             uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	BusinessUnitID uuid.UUID `gorm:"type:uuid;not null;index" json:"business_unit_id"`
	SourceID       uuid.UUID `gorm:"type:uuid;not null;index" json:"source_id"`
	Enabled        bool      `gorm:"column:enabled;not null;default:false" json:"enabled"`
	CreatedAt      time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (RegulatoryProfile) TableName() string { return "regulatory_profile" }
