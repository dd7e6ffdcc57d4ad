package services

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/talowa/referral-backend/internal/models"
)

// Replaying a payment reference must not touch the counters a second time.
func TestActivate_Idempotent(t *testing.T) {
	ts := newTestStack(t)
	referrer := mustCreateUser(t, ts, "referrer", nil, models.ReferralStatusNone)
	child := mustCreateUser(t, ts, "child", &referrer.ID, models.ReferralStatusPending)

	first, err := ts.activation.Activate(child.ID, "pay-001", 4900, "USD")
	if err != nil {
		t.Fatalf("first Activate: %v", err)
	}
	if !first.Success || first.AlreadyProcessed {
		t.Fatalf("first Activate result = %+v, want fresh success", first)
	}

	second, err := ts.activation.Activate(child.ID, "pay-001", 4900, "USD")
	if err != nil {
		t.Fatalf("second Activate: %v", err)
	}
	if !second.Success || !second.AlreadyProcessed {
		t.Fatalf("second Activate result = %+v, want already-processed no-op", second)
	}

	got := reload(t, ts, referrer.ID)
	if got.ActiveDirectReferrals != 1 || got.TeamSize != 1 {
		t.Errorf("referrer counters = %d direct / %d team, want 1/1 after replay",
			got.ActiveDirectReferrals, got.TeamSize)
	}

	var ledger int64
	ts.db.Model(&models.ProcessedPayment{}).Where("payment_ref = ?", "pay-001").Count(&ledger)
	if ledger != 1 {
		t.Errorf("ledger rows for pay-001 = %d, want 1", ledger)
	}
}

// Activating a leaf must credit every ancestor: team counters all the way
// up, direct counters only on the immediate referrer.
func TestActivate_ChainPropagation(t *testing.T) {
	ts := newTestStack(t)
	grandparent := mustCreateUser(t, ts, "grandparent", nil, models.ReferralStatusNone)
	parent := mustCreateUser(t, ts, "parent", &grandparent.ID, models.ReferralStatusActive)
	leaf := mustCreateUser(t, ts, "leaf", &parent.ID, models.ReferralStatusPending)

	result, err := ts.activation.Activate(leaf.ID, "pay-chain", 4900, "USD")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !result.Success {
		t.Fatal("Activate reported failure")
	}

	gotLeaf := reload(t, ts, leaf.ID)
	if gotLeaf.ReferralStatus != models.ReferralStatusActive || !gotLeaf.MembershipPaid {
		t.Errorf("leaf state = %q paid=%v, want active/paid", gotLeaf.ReferralStatus, gotLeaf.MembershipPaid)
	}

	gotParent := reload(t, ts, parent.ID)
	if gotParent.DirectReferrals != 1 || gotParent.ActiveDirectReferrals != 1 {
		t.Errorf("parent direct counters = %d/%d, want 1/1",
			gotParent.DirectReferrals, gotParent.ActiveDirectReferrals)
	}
	if gotParent.TeamSize != 1 || gotParent.ActiveTeamSize != 1 {
		t.Errorf("parent team counters = %d/%d, want 1/1", gotParent.TeamSize, gotParent.ActiveTeamSize)
	}

	gotGrand := reload(t, ts, grandparent.ID)
	if gotGrand.DirectReferrals != 0 || gotGrand.ActiveDirectReferrals != 0 {
		t.Errorf("grandparent direct counters = %d/%d, want 0/0 (leaf is not a direct child)",
			gotGrand.DirectReferrals, gotGrand.ActiveDirectReferrals)
	}
	if gotGrand.TeamSize != 1 || gotGrand.ActiveTeamSize != 1 {
		t.Errorf("grandparent team counters = %d/%d, want 1/1", gotGrand.TeamSize, gotGrand.ActiveTeamSize)
	}

	if n := countEvents(t, ts, models.EventTeamGrowth); n != 1 {
		t.Errorf("teamGrowth events = %d, want 1 (direct referrer only)", n)
	}
}

// K concurrent activations under one referrer must settle to exact counts
// with no lost updates.
func TestActivate_ConcurrentSiblings(t *testing.T) {
	ts := newTestStack(t)
	grandparent := mustCreateUser(t, ts, "grandparent", nil, models.ReferralStatusNone)
	referrer := mustCreateUser(t, ts, "referrer", &grandparent.ID, models.ReferralStatusActive)

	const k = 10
	children := make([]*models.User, k)
	for i := 0; i < k; i++ {
		children[i] = mustCreateUser(t, ts, fmt.Sprintf("child%02d", i), &referrer.ID, models.ReferralStatusPending)
	}

	var wg sync.WaitGroup
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := ts.activation.Activate(children[i].ID, fmt.Sprintf("pay-%03d", i), 4900, "USD"); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("concurrent Activate: %v", err)
	}

	got := reload(t, ts, referrer.ID)
	if got.ActiveDirectReferrals != k || got.DirectReferrals != k {
		t.Errorf("referrer direct counters = %d/%d, want %d/%d",
			got.DirectReferrals, got.ActiveDirectReferrals, k, k)
	}
	if got.ActiveTeamSize < k {
		t.Errorf("referrer active team size = %d, want >= %d", got.ActiveTeamSize, k)
	}

	gotGrand := reload(t, ts, grandparent.ID)
	if gotGrand.TeamSize != k || gotGrand.ActiveTeamSize != k {
		t.Errorf("grandparent team counters = %d/%d, want %d descendants reflected",
			gotGrand.TeamSize, gotGrand.ActiveTeamSize, k)
	}
}

// A payment for a user with no referrer records the membership and stops.
func TestActivate_NoReferrer(t *testing.T) {
	ts := newTestStack(t)
	loner := mustCreateUser(t, ts, "loner", nil, models.ReferralStatusNone)

	result, err := ts.activation.Activate(loner.ID, "pay-loner", 4900, "USD")
	if err != nil {
		t.Fatalf("Activate: %v", err)
	}
	if !result.Success {
		t.Fatal("Activate reported failure")
	}

	got := reload(t, ts, loner.ID)
	if !got.MembershipPaid {
		t.Error("membership_paid not set")
	}
	if got.ReferralStatus != models.ReferralStatusNone {
		t.Errorf("referral_status = %q, want none (no edge to activate)", got.ReferralStatus)
	}
}

func TestActivate_UnknownUser(t *testing.T) {
	ts := newTestStack(t)

	_, err := ts.activation.Activate(uuid.New(), "pay-ghost", 4900, "USD")
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("error = %v, want ErrUserNotFound", err)
	}
}

// A manufactured cycle in the ancestor chain must fail loudly instead of
// looping, and must leave a trace for manual review.
func TestActivate_CycleDetected(t *testing.T) {
	ts := newTestStack(t)
	a := mustCreateUser(t, ts, "node-a", nil, models.ReferralStatusActive)
	b := mustCreateUser(t, ts, "node-b", &a.ID, models.ReferralStatusActive)
	// Corrupt the tree: a's referrer becomes its own descendant.
	if err := ts.db.Model(&models.User{}).Where("id = ?", a.ID).
		Update("referred_by", b.ID).Error; err != nil {
		t.Fatalf("inject cycle: %v", err)
	}

	child := mustCreateUser(t, ts, "child", &a.ID, models.ReferralStatusPending)

	_, err := ts.activation.Activate(child.ID, "pay-cycle", 4900, "USD")
	if !errors.Is(err, ErrDataIntegrity) {
		t.Fatalf("error = %v, want ErrDataIntegrity", err)
	}
}

// A chain deeper than any legitimate tree trips the depth bound even when
// every link is a distinct user.
func TestActivate_DepthBound(t *testing.T) {
	ts := newTestStack(t)

	prev := mustCreateUser(t, ts, "top", nil, models.ReferralStatusActive)
	for i := 0; i < maxChainDepth; i++ {
		prev = mustCreateUser(t, ts, fmt.Sprintf("link%02d", i), &prev.ID, models.ReferralStatusActive)
	}
	leaf := mustCreateUser(t, ts, "leaf", &prev.ID, models.ReferralStatusPending)

	_, err := ts.activation.Activate(leaf.ID, "pay-deep", 4900, "USD")
	if !errors.Is(err, ErrDataIntegrity) {
		t.Fatalf("error = %v, want ErrDataIntegrity", err)
	}
}

// A propagation stalled by counter contention must stay completable: the
// ledger checkpoints the walk, so replaying the same payment reference
// carries on from the stalled ancestor instead of no-opping on the
// duplicate, and ancestors already credited are not credited twice.
func TestActivate_StalledPropagationResumesOnReplay(t *testing.T) {
	ts := newTestStack(t)
	side := openTestHandle(t, ts.dsn)

	grandparent := mustCreateUser(t, ts, "grandparent", nil, models.ReferralStatusActive)
	parent := mustCreateUser(t, ts, "parent", &grandparent.ID, models.ReferralStatusActive)
	leaf := mustCreateUser(t, ts, "leaf", &parent.ID, models.ReferralStatusPending)

	// Defeat every conditional counter write on the grandparent by bumping
	// a compared column between the read and the write, like a burst of
	// sibling activations would.
	const cbName = "contend_grandparent"
	err := ts.db.Callback().Query().After("gorm:query").Register(cbName, func(d *gorm.DB) {
		if d.Statement == nil || len(d.Statement.Selects) == 0 {
			return
		}
		u, ok := d.Statement.Dest.(*models.User)
		if !ok || u.ID != grandparent.ID {
			return
		}
		side.Exec("UPDATE users SET active_team_size = active_team_size + 1 WHERE id = ?", grandparent.ID)
	})
	if err != nil {
		t.Fatalf("register callback: %v", err)
	}

	_, err = ts.activation.Activate(leaf.ID, "pay-stall", 4900, "USD")
	if !errors.Is(err, ErrTransientConflict) {
		t.Fatalf("error = %v, want ErrTransientConflict", err)
	}

	gotParent := reload(t, ts, parent.ID)
	if gotParent.DirectReferrals != 1 || gotParent.TeamSize != 1 {
		t.Fatalf("parent counters before replay = %d direct / %d team, want 1/1",
			gotParent.DirectReferrals, gotParent.TeamSize)
	}

	var ledger models.ProcessedPayment
	if err := ts.db.First(&ledger, "payment_ref = ?", "pay-stall").Error; err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	if ledger.PropagationDone {
		t.Fatal("ledger marked done despite stalled walk")
	}
	if ledger.ResumeFrom == nil || *ledger.ResumeFrom != grandparent.ID || ledger.ResumeDepth != 1 {
		t.Fatalf("ledger checkpoint = %v at depth %d, want grandparent at depth 1",
			ledger.ResumeFrom, ledger.ResumeDepth)
	}

	if err := ts.db.Callback().Query().Remove(cbName); err != nil {
		t.Fatalf("remove callback: %v", err)
	}
	// Undo the interference writes so the settled counters are exact. The
	// conditional writes all lost, so nothing else touched the column.
	if err := ts.db.Model(&models.User{}).Where("id = ?", grandparent.ID).
		Update("active_team_size", 0).Error; err != nil {
		t.Fatalf("reset grandparent counters: %v", err)
	}

	result, err := ts.activation.Activate(leaf.ID, "pay-stall", 4900, "USD")
	if err != nil {
		t.Fatalf("replay Activate: %v", err)
	}
	if !result.Success || result.AlreadyProcessed {
		t.Fatalf("replay result = %+v, want a resumed completion", result)
	}

	gotParent = reload(t, ts, parent.ID)
	if gotParent.DirectReferrals != 1 || gotParent.ActiveDirectReferrals != 1 ||
		gotParent.TeamSize != 1 || gotParent.ActiveTeamSize != 1 {
		t.Errorf("parent counters after replay = %d/%d direct, %d/%d team, want 1/1 and 1/1 (no double credit)",
			gotParent.DirectReferrals, gotParent.ActiveDirectReferrals, gotParent.TeamSize, gotParent.ActiveTeamSize)
	}
	gotGrand := reload(t, ts, grandparent.ID)
	if gotGrand.TeamSize != 1 || gotGrand.ActiveTeamSize != 1 {
		t.Errorf("grandparent team counters after replay = %d/%d, want 1/1",
			gotGrand.TeamSize, gotGrand.ActiveTeamSize)
	}
	if n := countEvents(t, ts, models.EventTeamGrowth); n != 1 {
		t.Errorf("teamGrowth events = %d, want exactly 1", n)
	}

	ledger = models.ProcessedPayment{}
	if err := ts.db.First(&ledger, "payment_ref = ?", "pay-stall").Error; err != nil {
		t.Fatalf("reload ledger: %v", err)
	}
	if !ledger.PropagationDone {
		t.Error("ledger not marked done after resumed walk")
	}
}

// A missing ancestor row is the same class of corruption as a cycle.
func TestActivate_MissingAncestor(t *testing.T) {
	ts := newTestStack(t)
	ghost := uuid.New()
	child := mustCreateUser(t, ts, "child", &ghost, models.ReferralStatusPending)

	_, err := ts.activation.Activate(child.ID, "pay-ghost-parent", 4900, "USD")
	if !errors.Is(err, ErrDataIntegrity) {
		t.Fatalf("error = %v, want ErrDataIntegrity", err)
	}
}
