package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/talowa/referral-backend/internal/models"
)

const maxDeliveryAttempts = 5

// Outbox appends events in the request path and delivers them from a
// background loop. Delivery is best-effort: a dead sink marks rows failed
// and logs, it never unwinds the counter updates that produced the event.
type Outbox struct {
	db   *gorm.DB
	sink Sink
}

func NewOutbox(db *gorm.DB, sink Sink) *Outbox {
	return &Outbox{db: db, sink: sink}
}

// Emit appends a pending event row. Failure to enqueue is logged, not
// propagated: notification loss must not fail the triggering operation.
func (o *Outbox) Emit(eventType string, payload map[string]interface{}) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to marshal notification payload", "type", eventType, "error", err)
		return
	}

	event := models.NotificationEvent{
		ID:      uuid.New(),
		Type:    eventType,
		Payload: datatypes.JSON(body),
		Status:  models.EventStatusPending,
	}
	if err := o.db.Create(&event).Error; err != nil {
		slog.Error("failed to enqueue notification event", "type", eventType, "error", err)
	}
}

// EmitTeamGrowth records a new active member under a referrer.
func (o *Outbox) EmitTeamGrowth(referrerID uuid.UUID, newMemberName string) {
	o.Emit(models.EventTeamGrowth, map[string]interface{}{
		"referrer_id":     referrerID,
		"new_member_name": newMemberName,
	})
}

// EmitRolePromotion records a role promotion.
func (o *Outbox) EmitRolePromotion(userID uuid.UUID, newRole string) {
	o.Emit(models.EventRolePromotion, map[string]interface{}{
		"user_id":  userID,
		"new_role": newRole,
	})
}

// StartDispatcher drains pending events on a fixed cadence until done is
// closed, with one final drain on shutdown.
func (o *Outbox) StartDispatcher(done chan struct{}) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.dispatchPending(context.Background())
			case <-done:
				o.dispatchPending(context.Background())
				return
			}
		}
	}()
}

func (o *Outbox) dispatchPending(ctx context.Context) {
	var events []models.NotificationEvent
	err := o.db.Where("status = ?", models.EventStatusPending).
		Order("created_at ASC").
		Limit(100).
		Find(&events).Error
	if err != nil {
		slog.Error("failed to load pending notification events", "error", err)
		return
	}

	for i := range events {
		event := &events[i]
		if err := o.deliver(ctx, event); err != nil {
			slog.Warn("notification delivery failed",
				"event_id", event.ID, "type", event.Type,
				"attempts", event.Attempts+1, "error", err)
		}
	}
}

func (o *Outbox) deliver(ctx context.Context, event *models.NotificationEvent) error {
	if err := o.sink.Deliver(ctx, event); err != nil {
		event.Attempts++
		updates := map[string]interface{}{"attempts": event.Attempts}
		if event.Attempts >= maxDeliveryAttempts {
			updates["status"] = models.EventStatusFailed
		}
		if dbErr := o.db.Model(event).Updates(updates).Error; dbErr != nil {
			return fmt.Errorf("delivery failed and status update failed: %v (delivery: %w)", dbErr, err)
		}
		return err
	}

	now := time.Now()
	return o.db.Model(event).Updates(map[string]interface{}{
		"status":  models.EventStatusSent,
		"sent_at": &now,
	}).Error
}
