package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	l, err := NewLocal(filepath.Join(t.TempDir(), "uploads"), "http://files.test/")
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	return l
}

func TestLocal_RoundTrip(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	if err := l.Put(ctx, "dev-1/a.txt", strings.NewReader("hello"), 5, "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	objs, err := l.List(ctx, "dev-1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objs) != 1 || objs[0].Name != "a.txt" || objs[0].Size != 5 {
		t.Fatalf("List = %+v", objs)
	}

	obj, err := l.Stat(ctx, "dev-1/a.txt")
	if err != nil || obj.Name != "a.txt" || obj.Size != 5 {
		t.Fatalf("Stat = %+v, %v", obj, err)
	}

	url, _ := l.URL(ctx, "dev-1/a b.txt")
	if url != "http://files.test/uploads/dev-1/a%20b.txt" {
		t.Errorf("URL = %q", url)
	}

	if err := l.Delete(ctx, "dev-1/a.txt"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := l.Stat(ctx, "dev-1/a.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Stat after delete = %v", err)
	}
	if err := l.Delete(ctx, "dev-1/a.txt"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete = %v", err)
	}
}

func TestLocal_ListMissingPrefix(t *testing.T) {
	objs, err := newTestLocal(t).List(context.Background(), "nobody")
	if err != nil || len(objs) != 0 {
		t.Errorf("List = %+v, %v", objs, err)
	}
}

func TestLocal_RejectsTraversal(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	outside := filepath.Join(filepath.Dir(l.Root()), "secret.txt")
	if err := os.WriteFile(outside, []byte("keep"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"", "..", "../secret.txt", "dev-1/../../secret.txt", "dev-1/..%2f/x"} {
		if err := l.Put(ctx, key, strings.NewReader("x"), 1, ""); err == nil {
			t.Errorf("Put(%q) accepted", key)
		}
		if _, err := l.Stat(ctx, key); err == nil || errors.Is(err, ErrNotFound) {
			t.Errorf("Stat(%q) = %v", key, err)
		}
		if err := l.Delete(ctx, key); err == nil || errors.Is(err, ErrNotFound) {
			t.Errorf("Delete(%q) = %v", key, err)
		}
	}

	if data, err := os.ReadFile(outside); err != nil || string(data) != "keep" {
		t.Errorf("file outside root touched: %q, %v", data, err)
	}
}
