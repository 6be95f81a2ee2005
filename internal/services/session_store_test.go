package services

import (
	"context"
	"errors"
	"testing"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/models"
)

func TestSessionStore_CreateRejectsDuplicate(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	acct := createAccount(t, db, "alice", models.RoleClient, clientProfile())
	ctx := context.Background()

	if err := store.Create(ctx, &models.Session{DeviceID: "dev-1", AccountID: &acct.ID}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	err := store.Create(ctx, &models.Session{DeviceID: "dev-1", AccountID: &acct.ID})
	if !apperr.IsConflict(err) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if apperr.Message(err) != "Device ID already exists" {
		t.Errorf("message = %q", apperr.Message(err))
	}

	sess, err := store.Get(ctx, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.State != models.StateDisconnected {
		t.Errorf("initial state = %s", sess.State)
	}
}

func TestSessionStore_StateTransitions(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	ctx := context.Background()
	if err := store.Create(ctx, &models.Session{DeviceID: "dev-1"}); err != nil {
		t.Fatal(err)
	}

	if err := store.UpdateState(ctx, "dev-1", models.StateWaitingQR); err != nil {
		t.Fatal(err)
	}
	waiting, err := store.ListByState(ctx, models.StateWaitingQR)
	if err != nil || len(waiting) != 1 {
		t.Fatalf("ListByState waiting = %v, %v", waiting, err)
	}

	if err := store.MarkConnected(ctx, "dev-1", "628123456789"); err != nil {
		t.Fatal(err)
	}
	sess, _ := store.Get(ctx, "dev-1")
	if sess.State != models.StateConnected || sess.PhoneNumber == nil || *sess.PhoneNumber != "628123456789" {
		t.Errorf("after MarkConnected: %+v", sess)
	}
}

func TestSessionStore_ListVisible(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	admin := createAccount(t, db, "root", models.RoleAdmin, clientProfile())
	alice := createAccount(t, db, "alice", models.RoleClient, clientProfile())
	bob := createAccount(t, db, "bob", models.RoleClient, clientProfile())
	ctx := context.Background()

	for _, s := range []*models.Session{
		{DeviceID: "alice-1", AccountID: &alice.ID},
		{DeviceID: "bob-1", AccountID: &bob.ID},
		{DeviceID: "legacy"},
	} {
		if err := store.Create(ctx, s); err != nil {
			t.Fatal(err)
		}
	}

	ids := func(acct *models.Account) map[string]bool {
		list, err := store.ListVisible(ctx, acct)
		if err != nil {
			t.Fatal(err)
		}
		out := map[string]bool{}
		for _, s := range list {
			out[s.DeviceID] = true
		}
		return out
	}

	if got := ids(alice); len(got) != 2 || !got["alice-1"] || !got["legacy"] {
		t.Errorf("alice sees %v", got)
	}
	if got := ids(admin); len(got) != 3 {
		t.Errorf("admin sees %v", got)
	}

	owned, err := store.ListAllWithOwner(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range owned {
		if d.DeviceID == "bob-1" && (d.Username == nil || *d.Username != "bob") {
			t.Errorf("bob-1 owner = %v", d.Username)
		}
		if d.DeviceID == "legacy" && d.Username != nil {
			t.Errorf("legacy owner = %v", *d.Username)
		}
	}
}

// --- claim ---

func TestSessionStore_SetAPIKeyClaimsUnowned(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	alice := createAccount(t, db, "alice", models.RoleClient, clientProfile())
	bob := createAccount(t, db, "bob", models.RoleClient, clientProfile())
	ctx := context.Background()
	if err := store.Create(ctx, &models.Session{DeviceID: "legacy"}); err != nil {
		t.Fatal(err)
	}

	sess, err := store.SetAPIKey(ctx, alice, "legacy", "abc12345")
	if err != nil {
		t.Fatalf("SetAPIKey: %v", err)
	}
	if !sess.OwnedBy(alice.ID) || !sess.HasAPIKey() {
		t.Fatalf("session not claimed: %+v", sess)
	}

	stored, _ := store.Get(ctx, "legacy")
	if !stored.OwnedBy(alice.ID) || *stored.APIKey != "abc12345" {
		t.Errorf("stored row %+v", stored)
	}

	// Once claimed, other clients no longer see it.
	if _, err := store.SetAPIKey(ctx, bob, "legacy", "zzz99999"); !apperr.IsNotFound(err) {
		t.Errorf("bob SetAPIKey = %v, want not found", err)
	}

	// The owner can rotate the key without losing ownership.
	if _, err := store.SetAPIKey(ctx, alice, "legacy", "rotated-key"); err != nil {
		t.Fatal(err)
	}
	stored, _ = store.Get(ctx, "legacy")
	if !stored.OwnedBy(alice.ID) || *stored.APIKey != "rotated-key" {
		t.Errorf("after rotate %+v", stored)
	}
}

// --- delete ---

func TestSessionStore_DeleteCascadesCredentials(t *testing.T) {
	db := newTestDB(t)
	store := NewSessionStore(db)
	creds := NewCredentialStore(db)
	ctx := context.Background()
	if err := store.Create(ctx, &models.Session{DeviceID: "dev-1"}); err != nil {
		t.Fatal(err)
	}
	if err := creds.Write(ctx, "dev-1", "jid", []byte("628@s.whatsapp.net")); err != nil {
		t.Fatal(err)
	}
	if err := creds.Write(ctx, "dev-2", "jid", []byte("other")); err != nil {
		t.Fatal(err)
	}

	if err := store.Delete(ctx, "dev-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "dev-1"); !apperr.IsNotFound(err) {
		t.Errorf("Get after delete = %v", err)
	}
	if v, _ := creds.Read(ctx, "dev-1", "jid"); v != nil {
		t.Errorf("credential survived delete: %q", v)
	}
	if v, _ := creds.Read(ctx, "dev-2", "jid"); v == nil {
		t.Error("unrelated credential was removed")
	}

	if err := store.Delete(ctx, "dev-1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete = %v", err)
	}
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := GenerateAPIKey()
	if len(a) != 32 || a == b {
		t.Errorf("keys %q %q", a, b)
	}
}
