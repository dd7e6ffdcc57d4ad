package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/talowa/referral-backend/internal/models"
	"github.com/talowa/referral-backend/internal/notify"
	"github.com/talowa/referral-backend/internal/roles"
)

// RoleService re-evaluates a user's role against the threshold ladder after
// counter changes. Promotions only; a user's role never moves down.
type RoleService struct {
	db     *gorm.DB
	ladder *roles.Ladder
	outbox *notify.Outbox
}

func NewRoleService(db *gorm.DB, ladder *roles.Ladder, outbox *notify.Outbox) *RoleService {
	return &RoleService{db: db, ladder: ladder, outbox: outbox}
}

// CheckAndUpdateRole promotes the user if their current stats satisfy a
// higher rung than the stored role. Safe to re-run: the write is conditional
// on the stored role, so concurrent evaluations settle on exactly one
// promotion and one emitted event per threshold crossing.
func (s *RoleService) CheckAndUpdateRole(userID uuid.UUID) error {
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		var user models.User
		if err := s.db.First(&user, "id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return fmt.Errorf("failed to load user for role check: %w", err)
		}

		// The system root collects the whole tree's counters and would
		// trivially out-rank everyone; it does not participate.
		if user.IsRoot {
			return nil
		}

		target := s.ladder.RoleFor(user.ActiveDirectReferrals, user.ActiveTeamSize)
		if s.ladder.Rank(target) <= s.ladder.Rank(user.CurrentRole) {
			return nil
		}

		res := s.db.Model(&models.User{}).
			Where("id = ? AND current_role = ?", user.ID, user.CurrentRole).
			Update("current_role", target)
		if res.Error != nil {
			return fmt.Errorf("failed to update role: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			s.outbox.EmitRolePromotion(user.ID, target)
			return nil
		}
		// Another evaluation changed the role underneath us; re-read and
		// decide again against the fresh value.
	}
	return ErrTransientConflict
}
