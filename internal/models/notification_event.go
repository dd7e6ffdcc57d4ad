package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	EventTeamGrowth    = "teamGrowth"
	EventRolePromotion = "rolePromotion"
)

const (
	EventStatusPending = "pending"
	EventStatusSent    = "sent"
	EventStatusFailed  = "failed"
)

// NotificationEvent is an outbox row. Producers append in the request path;
// the dispatcher delivers asynchronously and best-effort, so a slow or dead
// sink never blocks counter propagation.
type NotificationEvent struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Type      string         `gorm:"size:50;not null;index" json:"type"`
	Payload   datatypes.JSON `json:"payload"`
	Status    string         `gorm:"size:10;not null;default:'pending';index" json:"status"`
	Attempts  int            `gorm:"not null;default:0" json:"attempts"`
	CreatedAt time.Time      `json:"created_at"`
	SentAt    *time.Time     `json:"sent_at,omitempty"`
}
