package services

import (
	"path/filepath"
	"testing"
	"time"

	"wa_gateway/internal/config"
	"wa_gateway/internal/database"
	"wa_gateway/internal/models"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	cfg := &config.Config{DBType: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "test.db"), DBLogLevel: "silent"}
	db, err := database.Open(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func createAccount(t *testing.T, db *gorm.DB, username, role string, p models.QuotaProfile) *models.Account {
	t.Helper()
	acct := &models.Account{Username: username, PasswordHash: "x", Role: role, IsVerified: true}
	acct.ApplyProfile(p)
	if err := db.Create(acct).Error; err != nil {
		t.Fatalf("create account %s: %v", username, err)
	}
	return acct
}

func clientProfile() models.QuotaProfile {
	return models.QuotaProfile{DeviceLimit: 1, MessageQuotaDaily: 100, MessageQuotaMonthly: 3000, StorageLimitMB: 100}
}

// fixedClock returns a settable time source.
type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }
