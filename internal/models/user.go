package models

import (
	"time"

	"github.com/google/uuid"
)

// Referral status lifecycle: none → pending → active. Active is terminal.
const (
	ReferralStatusNone    = "none"
	ReferralStatusPending = "pending"
	ReferralStatusActive  = "active"
)

// User is a node in the referral tree. ReferredBy is a weak back-reference
// to the parent node; the counters are denormalized descendant aggregates
// and must only be mutated through conditional updates.
type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Email        string    `gorm:"not null;size:255;uniqueIndex" json:"email"`
	Name         string    `gorm:"size:255" json:"name"`
	Password     string    `gorm:"not null" json:"-"`
	ReferralCode string    `gorm:"size:16;uniqueIndex" json:"referral_code"`

	ReferredBy     *uuid.UUID `gorm:"type:uuid;index" json:"referred_by,omitempty"`
	ReferralStatus string     `gorm:"size:10;not null;default:'none';index" json:"referral_status"`

	DirectReferrals       int   `gorm:"not null;default:0" json:"direct_referrals"`
	ActiveDirectReferrals int   `gorm:"not null;default:0" json:"active_direct_referrals"`
	TeamSize              int64 `gorm:"not null;default:0" json:"team_size"`
	ActiveTeamSize        int64 `gorm:"not null;default:0" json:"active_team_size"`

	CurrentRole    string `gorm:"size:50;not null;default:'member'" json:"current_role"`
	MembershipPaid bool   `gorm:"not null;default:false" json:"membership_paid"`

	// IsRoot marks the system default-referrer identity. The root collects
	// orphans, never gets promoted, and terminates every ancestor chain.
	IsRoot bool `gorm:"not null;default:false" json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
