package models

import (
	"time"

	"github.com/google/uuid"
)

// ReferralCode is the reservation record for an issued code. The unique
// index on Code is what makes generation race-safe: reserving a candidate
// is a plain insert that either lands or conflicts.
type ReferralCode struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Code            string    `gorm:"size:16;not null;uniqueIndex" json:"code"`
	OwnerID         uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_id"`
	IsActive        bool      `gorm:"not null;default:true" json:"is_active"`
	ClickCount      int64     `gorm:"not null;default:0" json:"click_count"`
	ConversionCount int64     `gorm:"not null;default:0" json:"conversion_count"`
	CreatedAt       time.Time `json:"created_at"`
}
