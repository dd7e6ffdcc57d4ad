package services

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/talowa/referral-backend/internal/models"
	"github.com/talowa/referral-backend/internal/notify"
)

const (
	// maxChainDepth bounds the ancestor walk. The visited set catches real
	// cycles; the depth bound is the backstop for corrupted data. No
	// legitimate tree comes anywhere near it.
	maxChainDepth = 64

	// casMaxAttempts bounds optimistic-update retries per record before the
	// conflict escalates to the caller.
	casMaxAttempts = 5
)

// ActivationService processes payment confirmations: flips the pending edge
// to active and propagates counter updates up the ancestor chain. Payment
// events arrive at-least-once from many clients; the processed-payments
// ledger keeps the effects exactly-once, and checkpoints the walk so a
// stalled propagation can be driven to completion by replaying the ref.
type ActivationService struct {
	db     *gorm.DB
	roles  *RoleService
	outbox *notify.Outbox
}

func NewActivationService(db *gorm.DB, roles *RoleService, outbox *notify.Outbox) *ActivationService {
	return &ActivationService{db: db, roles: roles, outbox: outbox}
}

// ActivationResult reports the outcome of Activate.
type ActivationResult struct {
	Success          bool      `json:"success"`
	UserID           uuid.UUID `json:"user_id"`
	AlreadyProcessed bool      `json:"already_processed"`
}

// Activate handles one payment confirmation. A replayed paymentRef whose
// effects all landed returns success without reapplying anything; a replay
// of a payment whose chain walk stalled on contention resumes the walk from
// its checkpoint.
func (s *ActivationService) Activate(userID uuid.UUID, paymentRef string, amountCents int64, currency string) (*ActivationResult, error) {
	if paymentRef == "" {
		return nil, errors.New("payment reference is required")
	}

	ledger := models.ProcessedPayment{
		ID:          uuid.New(),
		PaymentRef:  paymentRef,
		UserID:      userID,
		AmountCents: amountCents,
		Currency:    currency,
	}
	if err := s.db.Create(&ledger).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return s.resume(paymentRef)
		}
		return nil, fmt.Errorf("failed to record payment: %w", err)
	}

	return s.finish(&ledger, false)
}

// ActivateAttached runs the activation flow for a user whose membership was
// already paid when the edge was created (the orphan-assignment path). The
// synthetic ledger ref gives repeated sweeps the same idempotency and
// checkpointing as real payment refs.
func (s *ActivationService) ActivateAttached(userID uuid.UUID) error {
	_, err := s.Activate(userID, "attach:"+userID.String(), 0, "")
	return err
}

// resume handles a replayed payment reference. A settled payment is a pure
// no-op; one whose walk stalled mid-chain continues from the checkpoint.
func (s *ActivationService) resume(paymentRef string) (*ActivationResult, error) {
	var ledger models.ProcessedPayment
	if err := s.db.First(&ledger, "payment_ref = ?", paymentRef).Error; err != nil {
		return nil, fmt.Errorf("failed to load payment ledger entry: %w", err)
	}
	if ledger.PropagationDone {
		return &ActivationResult{Success: true, UserID: ledger.UserID, AlreadyProcessed: true}, nil
	}
	return s.finish(&ledger, true)
}

// finish owns everything after the ledger row exists: the paid flag, the
// pending→active flip, and the checkpointed ancestor walk.
func (s *ActivationService) finish(ledger *models.ProcessedPayment, replay bool) (*ActivationResult, error) {
	var user models.User
	if err := s.db.First(&user, "id = ?", ledger.UserID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	if ledger.ResumeFrom != nil {
		// A prior attempt for this ref won the edge flip and stalled
		// mid-walk. The effects below the checkpoint already landed.
		if err := s.propagate(ledger, user.ID, user.Name, *ledger.ResumeFrom, ledger.ResumeDepth); err != nil {
			return nil, err
		}
		return &ActivationResult{Success: true, UserID: user.ID}, nil
	}

	if err := s.db.Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("membership_paid", true).Error; err != nil {
		return nil, fmt.Errorf("failed to mark membership paid: %w", err)
	}

	if user.ReferralStatus != models.ReferralStatusPending || user.ReferredBy == nil {
		// No referrer to credit. The orphan sweep attaches such users to the
		// root and re-runs activation from there.
		if err := s.markDone(ledger.ID); err != nil {
			return nil, err
		}
		return &ActivationResult{Success: true, UserID: user.ID, AlreadyProcessed: replay}, nil
	}

	// Flip pending → active exactly once. Losing this race means a payment
	// with a different ref already owns the chain walk for this user.
	res := s.db.Model(&models.User{}).
		Where("id = ? AND referral_status = ?", user.ID, models.ReferralStatusPending).
		Update("referral_status", models.ReferralStatusActive)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to activate referral edge: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		if err := s.markDone(ledger.ID); err != nil {
			return nil, err
		}
		return &ActivationResult{Success: true, UserID: user.ID, AlreadyProcessed: replay}, nil
	}

	if err := s.checkpoint(ledger.ID, *user.ReferredBy, 0); err != nil {
		return nil, err
	}
	if err := s.propagate(ledger, user.ID, user.Name, *user.ReferredBy, 0); err != nil {
		return nil, err
	}
	return &ActivationResult{Success: true, UserID: user.ID}, nil
}

// propagate walks the ancestor chain upward from start, incrementing
// counters and re-evaluating roles per ancestor. Progress is checkpointed
// on the ledger row after each ancestor, so a walk that stalls on
// contention resumes where it stopped instead of dropping increments. The
// walk is bounded repeated point lookups over the referred_by
// back-reference: a cycle or missing ancestor fails loudly instead of
// looping.
func (s *ActivationService) propagate(ledger *models.ProcessedPayment, newMemberID uuid.UUID, newMemberName string, start uuid.UUID, startDepth int) error {
	// The visited set spans only this run; across resumed runs the depth
	// bound carries through the checkpointed depth.
	visited := map[uuid.UUID]struct{}{newMemberID: {}}
	current := start

	for depth := startDepth; ; depth++ {
		if depth >= maxChainDepth {
			s.reportIntegrity(newMemberID, current, "ancestor chain exceeds maximum depth", depth)
			return ErrDataIntegrity
		}
		if _, seen := visited[current]; seen {
			s.reportIntegrity(newMemberID, current, "cycle detected in ancestor chain", depth)
			return ErrDataIntegrity
		}
		visited[current] = struct{}{}

		var ancestor models.User
		if err := s.db.First(&ancestor, "id = ?", current).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				s.reportIntegrity(newMemberID, current, "ancestor missing from user store", depth)
				return ErrDataIntegrity
			}
			return fmt.Errorf("failed to load ancestor: %w", err)
		}

		direct := depth == 0
		if err := s.incrementCounters(ancestor.ID, direct); err != nil {
			if errors.Is(err, ErrTransientConflict) {
				// ERROR level routes through the DB log handler, so a
				// stalled chain is on record even if the caller never
				// replays the ref.
				slog.Error("counter propagation stalled on contention",
					"action", "chain_walk",
					"payment_ref", ledger.PaymentRef,
					"user_id", newMemberID.String(),
					"node", ancestor.ID.String(),
					"depth", depth,
					"error", err)
			}
			return err
		}

		if direct {
			s.outbox.EmitTeamGrowth(ancestor.ID, newMemberName)
		}

		// Role evaluation is idempotent and re-runnable; a failure here must
		// not abort counter propagation further up the chain.
		if !ancestor.IsRoot {
			if err := s.roles.CheckAndUpdateRole(ancestor.ID); err != nil {
				slog.Error("role evaluation failed during activation",
					"action", "role_check", "user_id", ancestor.ID.String(), "error", err)
			}
		}

		if ancestor.IsRoot || ancestor.ReferredBy == nil {
			return s.markDone(ledger.ID)
		}
		if err := s.checkpoint(ledger.ID, *ancestor.ReferredBy, depth+1); err != nil {
			return err
		}
		current = *ancestor.ReferredBy
	}
}

// incrementCounters applies one read-compute-conditional-write increment to
// a single ancestor. Many children of a popular referrer activate at once;
// the WHERE clause pins the counters we read so a lost race shows up as zero
// rows affected and we retry with fresh values instead of dropping a count.
func (s *ActivationService) incrementCounters(ancestorID uuid.UUID, direct bool) error {
	for attempt := 0; attempt < casMaxAttempts; attempt++ {
		var u models.User
		if err := s.db.Select("id", "direct_referrals", "active_direct_referrals", "team_size", "active_team_size").
			First(&u, "id = ?", ancestorID).Error; err != nil {
			return fmt.Errorf("failed to read counters: %w", err)
		}

		updates := map[string]interface{}{
			"team_size":        u.TeamSize + 1,
			"active_team_size": u.ActiveTeamSize + 1,
		}
		query := s.db.Model(&models.User{}).
			Where("id = ? AND team_size = ? AND active_team_size = ?", u.ID, u.TeamSize, u.ActiveTeamSize)
		if direct {
			updates["direct_referrals"] = u.DirectReferrals + 1
			updates["active_direct_referrals"] = u.ActiveDirectReferrals + 1
			query = query.Where("direct_referrals = ? AND active_direct_referrals = ?", u.DirectReferrals, u.ActiveDirectReferrals)
		}

		res := query.Updates(updates)
		if res.Error != nil {
			return fmt.Errorf("failed to update counters: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return ErrTransientConflict
}

func (s *ActivationService) checkpoint(ledgerID uuid.UUID, next uuid.UUID, depth int) error {
	err := s.db.Model(&models.ProcessedPayment{}).
		Where("id = ?", ledgerID).
		Updates(map[string]interface{}{"resume_from": next, "resume_depth": depth}).Error
	if err != nil {
		return fmt.Errorf("failed to checkpoint chain walk: %w", err)
	}
	return nil
}

func (s *ActivationService) markDone(ledgerID uuid.UUID) error {
	err := s.db.Model(&models.ProcessedPayment{}).
		Where("id = ?", ledgerID).
		Updates(map[string]interface{}{"propagation_done": true, "resume_from": nil}).Error
	if err != nil {
		return fmt.Errorf("failed to close payment ledger entry: %w", err)
	}
	return nil
}

func (s *ActivationService) reportIntegrity(newMemberID, node uuid.UUID, reason string, depth int) {
	// ERROR level routes this through the DB log handler for manual review.
	slog.Error("referral chain integrity violation",
		"action", "chain_walk",
		"user_id", newMemberID.String(),
		"node", node.String(),
		"depth", depth,
		"error", reason)
}
