package services

import (
	"errors"
	"testing"

	"github.com/talowa/referral-backend/internal/dto"
	"github.com/talowa/referral-backend/internal/models"
)

// Registration is the entry point of the referral flow: every new user
// leaves it with their own issued code.
func TestRegister_IssuesCode(t *testing.T) {
	ts := newTestStack(t)

	resp, err := ts.auth.Register(registerReq("alice", ""))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !CodeFormatPattern("TAL").MatchString(resp.User.ReferralCode) {
		t.Errorf("issued code %q does not match format", resp.User.ReferralCode)
	}
	if resp.AccessToken == "" {
		t.Error("no access token issued")
	}

	var code models.ReferralCode
	if err := ts.db.Where("code = ?", resp.User.ReferralCode).First(&code).Error; err != nil {
		t.Fatalf("code row missing: %v", err)
	}
	if code.OwnerID != resp.User.ID {
		t.Errorf("code owner = %s, want %s", code.OwnerID, resp.User.ID)
	}
}

func TestRegister_WithReferralCode(t *testing.T) {
	ts := newTestStack(t)

	referrer, err := ts.auth.Register(registerReq("referrer", ""))
	if err != nil {
		t.Fatalf("register referrer: %v", err)
	}

	resp, err := ts.auth.Register(registerReq("invitee", referrer.User.ReferralCode))
	if err != nil {
		t.Fatalf("register invitee: %v", err)
	}
	if !resp.ReferralAttributed {
		t.Fatal("valid code was not attributed")
	}

	got := reload(t, ts, resp.User.ID)
	if got.ReferredBy == nil || *got.ReferredBy != referrer.User.ID {
		t.Errorf("referred_by = %v, want %s", got.ReferredBy, referrer.User.ID)
	}
	if got.ReferralStatus != models.ReferralStatusPending {
		t.Errorf("referral_status = %q, want pending", got.ReferralStatus)
	}
}

// A losing duplicate registration must roll its code reservation back with
// its user row: an active code owned by nobody would let a later redemption
// build an edge to a ghost.
func TestRegister_DuplicateEmail(t *testing.T) {
	ts := newTestStack(t)

	if _, err := ts.auth.Register(registerReq("bob", "")); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	_, err := ts.auth.Register(registerReq("bob", ""))
	if !errors.Is(err, ErrEmailTaken) {
		t.Errorf("error = %v, want ErrEmailTaken", err)
	}

	var codes int64
	if err := ts.db.Model(&models.ReferralCode{}).Count(&codes).Error; err != nil {
		t.Fatalf("count codes: %v", err)
	}
	if codes != 1 {
		t.Errorf("referral code rows = %d, want 1 (loser's reservation rolled back)", codes)
	}
}

func TestLogin_WrongPassword(t *testing.T) {
	ts := newTestStack(t)

	if _, err := ts.auth.Register(registerReq("carol", "")); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_, err := ts.auth.Login(&dto.LoginRequest{Email: "carol@example.com", Password: "wrong-password"})
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("error = %v, want ErrInvalidCredentials", err)
	}
}
