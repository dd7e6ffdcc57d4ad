package models

import (
	"time"

	"github.com/google/uuid"
)

// ProcessedPayment is the append-only idempotency ledger for payment
// confirmations. Payment events are delivered at-least-once; the unique
// index on PaymentRef turns reprocessing into a no-op.
type ProcessedPayment struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	PaymentRef  string    `gorm:"size:128;not null;uniqueIndex" json:"payment_ref"`
	UserID      uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	AmountCents int64     `gorm:"not null;default:0" json:"amount_cents"`
	Currency    string    `gorm:"size:8" json:"currency"`

	// PropagationDone flips once every ancestor increment owed to this
	// payment has landed. ResumeFrom/ResumeDepth checkpoint a walk that
	// stalled on a transient conflict, so a replay of the same ref picks
	// the walk up where it stopped instead of no-opping on the duplicate.
	PropagationDone bool       `gorm:"not null;default:false" json:"propagation_done"`
	ResumeFrom      *uuid.UUID `gorm:"type:uuid" json:"resume_from,omitempty"`
	ResumeDepth     int        `gorm:"not null;default:0" json:"resume_depth"`

	CreatedAt time.Time `json:"created_at"`
}
