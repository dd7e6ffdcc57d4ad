package services

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/talowa/referral-backend/internal/models"
)

// codeAlphabet is the 32-symbol set for the random portion of a code.
// Visually ambiguous glyphs (0/O, 1/I) are excluded so codes survive being
// read aloud or copied by hand.
const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	codeRandomLen   = 6
	maxDrawAttempts = 10
)

// CodeFormatPattern builds the strict validation regexp for a given prefix.
func CodeFormatPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + "[A-HJ-NP-Z2-9]{" + fmt.Sprint(codeRandomLen) + "}$")
}

// CodeService issues globally unique referral codes. Uniqueness comes from
// the unique index on referral_codes.code: a candidate is reserved with a
// plain insert, and a duplicate-key conflict means redraw. No sequence
// allocator, so generation scales with no central contention point.
type CodeService struct {
	db     *gorm.DB
	prefix string
}

func NewCodeService(db *gorm.DB, prefix string) *CodeService {
	return &CodeService{db: db, prefix: prefix}
}

// GenerateUniqueCode reserves and persists a new active code for owner.
// The code row is committed before the code is returned, so a returned code
// is always redeemable.
func (s *CodeService) GenerateUniqueCode(ownerID uuid.UUID) (string, error) {
	return s.GenerateUniqueCodeTx(s.db, ownerID)
}

// GenerateUniqueCodeTx issues a code inside the caller's transaction. Used
// where the owner row is created in the same transaction, so a failed owner
// insert rolls the reservation back instead of leaving an active code that
// points at nobody.
func (s *CodeService) GenerateUniqueCodeTx(tx *gorm.DB, ownerID uuid.UUID) (string, error) {
	for attempt := 0; attempt < maxDrawAttempts; attempt++ {
		candidate, err := s.draw()
		if err != nil {
			return "", err
		}

		record := models.ReferralCode{
			ID:       uuid.New(),
			Code:     candidate,
			OwnerID:  ownerID,
			IsActive: true,
		}
		err = tx.Create(&record).Error
		if err == nil {
			return candidate, nil
		}
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Random collision. Astronomically rare in a 32^6 keyspace;
			// redraw and try again.
			continue
		}
		return "", fmt.Errorf("failed to reserve referral code: %w", err)
	}

	slog.Error("referral code generation exhausted retries",
		"action", "generate_code", "owner_id", ownerID.String(), "attempts", maxDrawAttempts)
	return "", ErrGenerationExhausted
}

func (s *CodeService) draw() (string, error) {
	buf := make([]byte, codeRandomLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i := range buf {
		buf[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
	}
	return s.prefix + string(buf), nil
}

// Lookup returns the active code record for a code string.
func (s *CodeService) Lookup(code string) (*models.ReferralCode, error) {
	var record models.ReferralCode
	err := s.db.Where("code = ? AND is_active = ?", code, true).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidReferralCode
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up referral code: %w", err)
	}
	return &record, nil
}

// Deactivate retires a code. The row stays for attribution history; only
// the is_active flag ever changes after creation.
func (s *CodeService) Deactivate(code string) error {
	return s.db.Model(&models.ReferralCode{}).
		Where("code = ?", code).
		Update("is_active", false).Error
}
