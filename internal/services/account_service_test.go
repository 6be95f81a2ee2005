package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/models"

	"github.com/rs/zerolog"
)

func newAccountService(t *testing.T) (*AccountService, *QuotaLedger) {
	t.Helper()
	db := newTestDB(t)
	ledger := NewQuotaLedger(db, zerolog.Nop(), time.UTC, true)
	return NewAccountService(db, ledger), ledger
}

func TestAccountService_DeleteCascades(t *testing.T) {
	svc, ledger := newAccountService(t)
	db := svc.db
	admin := createAccount(t, db, "root", models.RoleAdmin, clientProfile())
	alice := createAccount(t, db, "alice", models.RoleClient, clientProfile())
	ctx := context.Background()

	sessions := NewSessionStore(db)
	creds := NewCredentialStore(db)
	if err := sessions.Create(ctx, &models.Session{DeviceID: "alice-1", AccountID: &alice.ID}); err != nil {
		t.Fatal(err)
	}
	if err := creds.Write(ctx, "alice-1", "jid", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := ledger.RecordMessageSent(ctx, alice.ID); err != nil {
		t.Fatal(err)
	}

	if err := svc.Delete(ctx, admin.ID, admin.ID); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("self delete = %v", err)
	}
	if err := svc.Delete(ctx, admin.ID, alice.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := svc.Get(ctx, alice.ID); !apperr.IsNotFound(err) {
		t.Errorf("account still present: %v", err)
	}
	if _, err := sessions.Get(ctx, "alice-1"); !apperr.IsNotFound(err) {
		t.Errorf("session still present: %v", err)
	}
	if v, _ := creds.Read(ctx, "alice-1", "jid"); v != nil {
		t.Error("credentials still present")
	}
	var n int64
	db.Model(&models.MonthlyUsage{}).Where("account_id = ?", alice.ID).Count(&n)
	if n != 0 {
		t.Errorf("%d monthly rows left", n)
	}
}

func TestAccountService_VerifyAndList(t *testing.T) {
	svc, _ := newAccountService(t)
	alice := createAccount(t, svc.db, "alice", models.RoleClient, clientProfile())
	svc.db.Model(alice).Update("is_verified", false)
	ctx := context.Background()

	if err := svc.db.Create(&models.Session{DeviceID: "alice-1", AccountID: &alice.ID, State: models.StateConnected}).Error; err != nil {
		t.Fatal(err)
	}

	verified, err := svc.Verify(ctx, alice.ID)
	if err != nil || !verified.IsVerified {
		t.Fatalf("Verify = %+v, %v", verified, err)
	}
	if _, err := svc.Verify(ctx, 999); !apperr.IsNotFound(err) {
		t.Errorf("verify unknown = %v", err)
	}

	list, err := svc.List(ctx)
	if err != nil || len(list) != 1 || list[0].SessionCount != 1 {
		t.Fatalf("List = %+v, %v", list, err)
	}

	st, err := svc.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.TotalUsers != 1 || st.ClientUsers != 1 || st.TotalSessions != 1 || st.ConnectedInDB != 1 || st.UnverifiedUsers != 0 {
		t.Errorf("stats %+v", st)
	}
}

func TestAccountService_UpdateQuota(t *testing.T) {
	svc, _ := newAccountService(t)
	expiry := time.Now().Add(24 * time.Hour)
	p := clientProfile()
	p.AccountExpiry = &expiry
	alice := createAccount(t, svc.db, "alice", models.RoleClient, p)
	ctx := context.Background()

	limit := 10
	q, err := svc.UpdateQuota(ctx, alice.ID, QuotaUpdate{DeviceLimit: &limit})
	if err != nil {
		t.Fatal(err)
	}
	if q.Quota.DeviceLimit != 10 || q.Quota.MessageQuotaDaily != 100 || q.Quota.AccountExpiry == nil {
		t.Errorf("partial update touched other fields: %+v", q.Quota)
	}

	q, err = svc.UpdateQuota(ctx, alice.ID, QuotaUpdate{ClearExpiry: true})
	if err != nil {
		t.Fatal(err)
	}
	if q.Quota.AccountExpiry != nil {
		t.Errorf("expiry not cleared: %v", q.Quota.AccountExpiry)
	}

	if _, err := svc.UpdateQuota(ctx, alice.ID, QuotaUpdate{}); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("empty update = %v", err)
	}
}
