package services

import (
	"bytes"
	"context"
	"testing"
)

func TestCredentialStore_WriteReadOverwrite(t *testing.T) {
	store := NewCredentialStore(newTestDB(t))
	ctx := context.Background()

	if v, err := store.Read(ctx, "dev-1", "creds"); err != nil || v != nil {
		t.Fatalf("absent key: %q, %v", v, err)
	}
	if err := store.Write(ctx, "dev-1", "creds", []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := store.Write(ctx, "dev-1", "creds", []byte("v2")); err != nil {
		t.Fatal(err)
	}
	v, err := store.Read(ctx, "dev-1", "creds")
	if err != nil || !bytes.Equal(v, []byte("v2")) {
		t.Fatalf("Read = %q, %v; want v2", v, err)
	}
}

func TestCredentialStore_ReadAllAndRemove(t *testing.T) {
	store := NewCredentialStore(newTestDB(t))
	ctx := context.Background()
	for _, k := range []string{"creds", "pre-key-1", "pre-key-2"} {
		if err := store.Write(ctx, "dev-1", k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Remove(ctx, "dev-1", "pre-key-1"); err != nil {
		t.Fatal(err)
	}

	all, err := store.ReadAll(ctx, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all["pre-key-1"] != nil || string(all["creds"]) != "creds" {
		t.Errorf("ReadAll = %v", all)
	}

	empty, err := store.ReadAll(ctx, "dev-unknown")
	if err != nil || len(empty) != 0 {
		t.Errorf("unknown device = %v, %v", empty, err)
	}
}
