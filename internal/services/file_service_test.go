package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/filestore"
	"wa_gateway/internal/models"

	"github.com/rs/zerolog"
)

func newFileService(t *testing.T, maxSize int64) (*FileService, *QuotaLedger) {
	t.Helper()
	store, err := filestore.NewLocal(t.TempDir(), "http://localhost:9090")
	if err != nil {
		t.Fatal(err)
	}
	ledger := NewQuotaLedger(newTestDB(t), zerolog.Nop(), time.UTC, true)
	return NewFileService(store, ledger, maxSize, zerolog.Nop()), ledger
}

func TestStoredName(t *testing.T) {
	pattern := regexp.MustCompile(`^[0-9A-Z]{26}-[A-Za-z0-9_-]+(\.[a-z0-9]+)?$`)
	tests := []struct {
		in, suffix string
	}{
		{"report.PDF", "-report.pdf"},
		{"../../etc/passwd", "-passwd"},
		{`C:\Users\me\photo 1.jpg`, "-photo_1.jpg"},
		{"???.png", "-file.png"},
	}
	for _, tt := range tests {
		got := StoredName(tt.in)
		if !pattern.MatchString(got) || !strings.HasSuffix(got, tt.suffix) {
			t.Errorf("StoredName(%q) = %q, want suffix %q", tt.in, got, tt.suffix)
		}
	}
}

func TestIsAllowedMimeType(t *testing.T) {
	for _, m := range []string{"image/png", "application/pdf", "text/csv; charset=utf-8", "audio/ogg"} {
		if !IsAllowedMimeType(m) {
			t.Errorf("%s should be allowed", m)
		}
	}
	for _, m := range []string{"application/x-msdownload", "text/html", ""} {
		if IsAllowedMimeType(m) {
			t.Errorf("%s should be rejected", m)
		}
	}
}

func TestFileService_UploadListDelete(t *testing.T) {
	svc, ledger := newFileService(t, 1<<20)
	owner := createAccount(t, ledger.db, "alice", models.RoleClient, clientProfile())
	ctx := context.Background()

	body := strings.Repeat("a", 512*1024)
	up, err := svc.Upload(ctx, owner, "dev-1", "notes.txt", "text/plain", int64(len(body)), strings.NewReader(body))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(up.URL, "http://localhost:9090/uploads/dev-1/") {
		t.Errorf("url = %s", up.URL)
	}

	u, _ := ledger.Usage(ctx, owner)
	if u.StorageUsedMB != 0.5 {
		t.Errorf("storage after upload = %v", u.StorageUsedMB)
	}

	files, err := svc.List(ctx, "dev-1")
	if err != nil || len(files) != 1 || files[0].Name != up.Filename || files[0].Size != int64(len(body)) {
		t.Fatalf("List = %+v, %v", files, err)
	}

	if err := svc.Delete(ctx, owner, "dev-1", "../dev-2/x"); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("traversal delete = %v", err)
	}
	if err := svc.Delete(ctx, owner, "dev-1", "missing.txt"); !apperr.IsNotFound(err) {
		t.Errorf("missing delete = %v", err)
	}
	if err := svc.Delete(ctx, owner, "dev-1", up.Filename); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	u, _ = ledger.Usage(ctx, owner)
	if u.StorageUsedMB != 0 {
		t.Errorf("storage after delete = %v", u.StorageUsedMB)
	}
}

func TestFileService_UploadRejections(t *testing.T) {
	svc, ledger := newFileService(t, 1<<20)
	tiny := createAccount(t, ledger.db, "tiny", models.RoleClient, models.QuotaProfile{StorageLimitMB: 0})
	ctx := context.Background()

	if _, err := svc.Upload(ctx, nil, "dev-1", "app.exe", "application/x-msdownload", 10, strings.NewReader("0123456789")); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("bad mime = %v", err)
	}
	if _, err := svc.Upload(ctx, nil, "dev-1", "big.txt", "text/plain", 2<<20, strings.NewReader("")); !errors.Is(err, apperr.ErrValidation) {
		t.Errorf("too large = %v", err)
	}
	_, err := svc.Upload(ctx, tiny, "dev-1", "a.txt", "text/plain", 10, strings.NewReader("0123456789"))
	if qe, ok := apperr.AsQuota(err); !ok || qe.Dimension != apperr.DimensionStorage {
		t.Errorf("over storage = %v", err)
	}

	// Unowned devices skip storage accounting.
	if _, err := svc.Upload(ctx, nil, "legacy", "a.txt", "text/plain", 10, strings.NewReader("0123456789")); err != nil {
		t.Errorf("unowned upload = %v", err)
	}
}
