package services

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/talowa/referral-backend/internal/models"
)

// OrphanService attaches users without a valid referrer to the system root
// identity, so every active user stays reachable from a single virtual root
// and aggregate reporting never has an "unattributed" subtree.
type OrphanService struct {
	db         *gorm.DB
	codes      *CodeService
	activation *ActivationService
}

func NewOrphanService(db *gorm.DB, codes *CodeService, activation *ActivationService) *OrphanService {
	return &OrphanService{db: db, codes: codes, activation: activation}
}

// EnsureRoot returns the system root user, creating it on first startup.
// The root is excluded from cycle checks and from its own promotion logic;
// counters still accumulate on it.
func (s *OrphanService) EnsureRoot(email string) (*models.User, error) {
	var root models.User
	err := s.db.Where("is_root = ?", true).First(&root).Error
	if err == nil {
		return &root, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load root user: %w", err)
	}

	// Root logins happen through operator tooling; the account still gets a
	// real (unguessable) credential.
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate root credential: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(base64.URLEncoding.EncodeToString(raw)), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash root credential: %w", err)
	}

	root = models.User{
		ID:             uuid.New(),
		Email:          email,
		Name:           "System Root",
		Password:       string(hash),
		ReferralStatus: models.ReferralStatusNone,
		CurrentRole:    "member",
		MembershipPaid: true,
		IsRoot:         true,
	}
	// Code and user row commit together; a failed root insert must not
	// strand an active code with no owner.
	err = s.db.Transaction(func(tx *gorm.DB) error {
		code, err := s.codes.GenerateUniqueCodeTx(tx, root.ID)
		if err != nil {
			return fmt.Errorf("failed to issue root referral code: %w", err)
		}
		root.ReferralCode = code
		if err := tx.Create(&root).Error; err != nil {
			return fmt.Errorf("failed to create root user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("system root user created", "user_id", root.ID.String(), "email", email)
	return &root, nil
}

// AssignOrphan attaches one user to the root if they have no valid referrer.
// A user who already paid is activated immediately so the root's counters
// stay exact.
func (s *OrphanService) AssignOrphan(userID uuid.UUID) error {
	root, err := s.rootUser()
	if err != nil {
		return err
	}
	if userID == root.ID {
		return nil
	}

	var user models.User
	if err := s.db.First(&user, "id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("failed to load user: %w", err)
	}

	if !s.isOrphan(&user) {
		return nil
	}

	// Guard on the referrer value we observed so a concurrent legitimate
	// redemption is never overwritten.
	query := s.db.Model(&models.User{})
	if user.ReferredBy == nil {
		query = query.Where("id = ? AND referred_by IS NULL", user.ID)
	} else {
		query = query.Where("id = ? AND referred_by = ?", user.ID, *user.ReferredBy)
	}
	res := query.Updates(map[string]interface{}{
		"referred_by":     root.ID,
		"referral_status": models.ReferralStatusPending,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to assign orphan: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil
	}

	if user.MembershipPaid {
		return s.activation.ActivateAttached(user.ID)
	}
	return nil
}

// SweepOrphans assigns every orphaned user to the root. Returns the number
// of users attached.
func (s *OrphanService) SweepOrphans() (int, error) {
	root, err := s.rootUser()
	if err != nil {
		return 0, err
	}

	var orphans []models.User
	sub := s.db.Model(&models.User{}).Select("id")
	err = s.db.
		Where("is_root = ? AND id <> ?", false, root.ID).
		Where("referred_by IS NULL OR referred_by NOT IN (?)", sub).
		Find(&orphans).Error
	if err != nil {
		return 0, fmt.Errorf("failed to list orphans: %w", err)
	}

	assigned := 0
	for i := range orphans {
		if err := s.AssignOrphan(orphans[i].ID); err != nil {
			slog.Error("orphan assignment failed",
				"action", "orphan_sweep", "user_id", orphans[i].ID.String(), "error", err)
			continue
		}
		assigned++
	}
	return assigned, nil
}

// StartSweeper runs SweepOrphans on a fixed interval until done is closed.
func (s *OrphanService) StartSweeper(interval time.Duration, done chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := s.SweepOrphans(); err != nil {
					slog.Error("orphan sweep failed", "error", err)
				} else if n > 0 {
					slog.Info("orphan sweep completed", "assigned", n)
				}
			case <-done:
				return
			}
		}
	}()
}

func (s *OrphanService) isOrphan(user *models.User) bool {
	if user.IsRoot {
		return false
	}
	if user.ReferredBy == nil {
		return user.ReferralStatus == models.ReferralStatusNone
	}
	var n int64
	s.db.Model(&models.User{}).Where("id = ?", *user.ReferredBy).Count(&n)
	return n == 0
}

func (s *OrphanService) rootUser() (*models.User, error) {
	var root models.User
	if err := s.db.Where("is_root = ?", true).First(&root).Error; err != nil {
		return nil, fmt.Errorf("system root user not provisioned: %w", err)
	}
	return &root, nil
}
