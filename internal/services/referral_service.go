package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/talowa/referral-backend/internal/models"
)

// ReferralService records referral edges: a new user redeems someone's code
// and becomes a pending child of the code's owner.
type ReferralService struct {
	db    *gorm.DB
	codes *CodeService
}

func NewReferralService(db *gorm.DB, codes *CodeService) *ReferralService {
	return &ReferralService{db: db, codes: codes}
}

// RecordReferralRelationship validates the code and attaches newUserID as a
// pending child of the code owner. The attach itself is a single conditional
// UPDATE guarded on referred_by IS NULL, so two codes racing onto the same
// user cannot both win.
func (s *ReferralService) RecordReferralRelationship(newUserID uuid.UUID, code string) error {
	record, err := s.codes.Lookup(code)
	if err != nil {
		return err
	}

	if record.OwnerID == newUserID {
		return ErrSelfReferral
	}

	var user models.User
	if err := s.db.First(&user, "id = ?", newUserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to load user: %w", err)
	}
	if user.ReferredBy != nil {
		return ErrAlreadyReferred
	}

	// A brand-new user has no descendants, so attaching them cannot create
	// a cycle; the activation walk still guards against one defensively.
	res := s.db.Model(&models.User{}).
		Where("id = ? AND referred_by IS NULL", newUserID).
		Updates(map[string]interface{}{
			"referred_by":     record.OwnerID,
			"referral_status": models.ReferralStatusPending,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to record referral edge: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Lost the race to another code redemption.
		return ErrAlreadyReferred
	}

	if err := s.db.Model(&models.ReferralCode{}).
		Where("id = ?", record.ID).
		Updates(map[string]interface{}{
			"click_count":      gorm.Expr("click_count + 1"),
			"conversion_count": gorm.Expr("conversion_count + 1"),
		}).Error; err != nil {
		return fmt.Errorf("failed to update code counters: %w", err)
	}

	return nil
}

// RecordClick bumps the click counter for a code that was followed but not
// (yet) converted.
func (s *ReferralService) RecordClick(code string) error {
	record, err := s.codes.Lookup(code)
	if err != nil {
		return err
	}
	return s.db.Model(&models.ReferralCode{}).
		Where("id = ?", record.ID).
		Update("click_count", gorm.Expr("click_count + 1")).Error
}

// Stats is the dashboard view of a user's position in the referral tree.
type Stats struct {
	ReferralCode          string `json:"referral_code"`
	ReferralStatus        string `json:"referral_status"`
	DirectReferrals       int    `json:"direct_referrals"`
	ActiveDirectReferrals int    `json:"active_direct_referrals"`
	TeamSize              int64  `json:"team_size"`
	ActiveTeamSize        int64  `json:"active_team_size"`
	CurrentRole           string `json:"current_role"`
	ClickCount            int64  `json:"click_count"`
	ConversionCount       int64  `json:"conversion_count"`
}

// GetStats reads a user's aggregates. Reads are not linearized with
// in-flight activations; displayed counts may trail by a moment.
func (s *ReferralService) GetStats(userID uuid.UUID) (*Stats, error) {
	var user models.User
	if err := s.db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	stats := Stats{
		ReferralCode:          user.ReferralCode,
		ReferralStatus:        user.ReferralStatus,
		DirectReferrals:       user.DirectReferrals,
		ActiveDirectReferrals: user.ActiveDirectReferrals,
		TeamSize:              user.TeamSize,
		ActiveTeamSize:        user.ActiveTeamSize,
		CurrentRole:           user.CurrentRole,
	}

	var code models.ReferralCode
	if err := s.db.Where("code = ?", user.ReferralCode).First(&code).Error; err == nil {
		stats.ClickCount = code.ClickCount
		stats.ConversionCount = code.ConversionCount
	}

	return &stats, nil
}
