package services

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/talowa/referral-backend/internal/config"
	"github.com/talowa/referral-backend/internal/database"
	"github.com/talowa/referral-backend/internal/dto"
	"github.com/talowa/referral-backend/internal/models"
	"github.com/talowa/referral-backend/internal/notify"
	"github.com/talowa/referral-backend/internal/roles"
)

// newTestDB opens a throwaway SQLite database with the same GORM settings
// the real stack relies on (TranslateError for duplicate-key detection).
// A single connection keeps SQLite happy under the concurrent tests.
func newTestDB(t *testing.T) (*gorm.DB, string) {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "referral_test.db") +
		"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db := openTestHandle(t, dsn)

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db, dsn
}

// openTestHandle opens one more connection to an existing test database.
// Tests use a second handle to interleave writes with an in-flight service
// call, the way a concurrent request would.
func openTestHandle(t *testing.T, dsn string) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return db
}

type testStack struct {
	db         *gorm.DB
	dsn        string
	ladder     *roles.Ladder
	outbox     *notify.Outbox
	codes      *CodeService
	referrals  *ReferralService
	roleSvc    *RoleService
	activation *ActivationService
	orphans    *OrphanService
	auth       *AuthService
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	db, dsn := newTestDB(t)
	ladder, err := roles.New(roles.DefaultThresholds())
	if err != nil {
		t.Fatalf("build ladder: %v", err)
	}

	// Events stay pending in the outbox table; tests assert on the rows
	// rather than racing a dispatcher.
	outbox := notify.NewOutbox(db, notify.LogSink{})

	codes := NewCodeService(db, "TAL")
	referrals := NewReferralService(db, codes)
	roleSvc := NewRoleService(db, ladder, outbox)
	activation := NewActivationService(db, roleSvc, outbox)
	orphans := NewOrphanService(db, codes, activation)

	cfg := &config.Config{JWTSecret: "test-secret", JWTAccessExpiry: 900000000000}
	auth := NewAuthService(db, cfg, codes, referrals, ladder)

	return &testStack{
		db:         db,
		dsn:        dsn,
		ladder:     ladder,
		outbox:     outbox,
		codes:      codes,
		referrals:  referrals,
		roleSvc:    roleSvc,
		activation: activation,
		orphans:    orphans,
		auth:       auth,
	}
}

// mustCreateUser inserts a user with an issued code and the given parent
// edge. status controls the referral lifecycle field directly so tests can
// stage any tree shape.
func mustCreateUser(t *testing.T, ts *testStack, name string, referredBy *uuid.UUID, status string) *models.User {
	t.Helper()

	id := uuid.New()
	code, err := ts.codes.GenerateUniqueCode(id)
	if err != nil {
		t.Fatalf("generate code for %s: %v", name, err)
	}

	user := models.User{
		ID:             id,
		Email:          name + "-" + id.String()[:8] + "@example.com",
		Name:           name,
		Password:       "x",
		ReferralCode:   code,
		ReferredBy:     referredBy,
		ReferralStatus: status,
		CurrentRole:    ts.ladder.BaseRole(),
	}
	if err := ts.db.Create(&user).Error; err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return &user
}

func reload(t *testing.T, ts *testStack, id uuid.UUID) *models.User {
	t.Helper()
	var u models.User
	if err := ts.db.First(&u, "id = ?", id).Error; err != nil {
		t.Fatalf("reload user %s: %v", id, err)
	}
	return &u
}

func registerReq(name, code string) *dto.RegisterRequest {
	return &dto.RegisterRequest{
		Email:        name + "@example.com",
		Name:         name,
		Password:     "longenough",
		ReferralCode: code,
	}
}

func countEvents(t *testing.T, ts *testStack, eventType string) int64 {
	t.Helper()
	var n int64
	if err := ts.db.Model(&models.NotificationEvent{}).
		Where("type = ?", eventType).Count(&n).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	return n
}
