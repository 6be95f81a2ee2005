package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/models"

	"github.com/rs/zerolog"
)

type rejectionCounter struct {
	mu   sync.Mutex
	dims []string
}

func (r *rejectionCounter) QuotaRejected(dimension string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dims = append(r.dims, dimension)
}

func newLedger(t *testing.T, clock *fixedClock, failOpen bool) (*QuotaLedger, *rejectionCounter) {
	t.Helper()
	rec := &rejectionCounter{}
	return NewQuotaLedger(newTestDB(t), zerolog.Nop(), time.UTC, failOpen,
		WithClock(clock.Now), WithRejectionRecorder(rec)), rec
}

func wantDimension(t *testing.T, err error, dim string) {
	t.Helper()
	qe, ok := apperr.AsQuota(err)
	if !ok {
		t.Fatalf("expected quota error %s, got %v", dim, err)
	}
	if qe.Dimension != dim {
		t.Fatalf("dimension = %s, want %s", qe.Dimension, dim)
	}
}

// --- recording ---

func TestRecordMessageSent_ConcurrentIncrementsAreExact(t *testing.T) {
	clock := &fixedClock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	l, _ := newLedger(t, clock, true)
	acct := createAccount(t, l.db, "alice", models.RoleClient, clientProfile())
	ctx := context.Background()

	const n = 25
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.RecordMessageSent(ctx, acct.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("RecordMessageSent: %v", err)
		}
	}

	u, err := l.Usage(ctx, acct)
	if err != nil {
		t.Fatalf("Usage: %v", err)
	}
	if u.MessagesToday != n || u.MessagesMonth != n {
		t.Fatalf("today=%d month=%d, want %d", u.MessagesToday, u.MessagesMonth, n)
	}

	var rec models.UsageRecord
	if err := l.db.Where("account_id = ? AND day = ?", acct.ID, "2025-03-10").Take(&rec).Error; err != nil {
		t.Fatalf("read daily row: %v", err)
	}
	if rec.MonthlyTotal != n {
		t.Errorf("monthly_total on daily row = %d, want %d", rec.MonthlyTotal, n)
	}
}

func TestRecordMessageSent_MonthRollsOver(t *testing.T) {
	clock := &fixedClock{t: time.Date(2025, 3, 31, 23, 0, 0, 0, time.UTC)}
	l, _ := newLedger(t, clock, true)
	acct := createAccount(t, l.db, "alice", models.RoleClient, clientProfile())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.RecordMessageSent(ctx, acct.ID); err != nil {
			t.Fatal(err)
		}
	}
	clock.t = time.Date(2025, 4, 1, 1, 0, 0, 0, time.UTC)
	if err := l.RecordMessageSent(ctx, acct.ID); err != nil {
		t.Fatal(err)
	}

	u, err := l.Usage(ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	if u.MessagesMonth != 1 || u.MessagesToday != 1 || u.Month != "2025-04" {
		t.Fatalf("got %+v, want a fresh April", u)
	}
}

func TestPruneDaily_KeepsMonthlyTotal(t *testing.T) {
	clock := &fixedClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	l, _ := newLedger(t, clock, true)
	acct := createAccount(t, l.db, "alice", models.RoleClient, clientProfile())
	ctx := context.Background()

	for day := 1; day <= 5; day++ {
		clock.t = time.Date(2025, 3, day, 9, 0, 0, 0, time.UTC)
		if err := l.RecordMessageSent(ctx, acct.ID); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.RecordStorageDelta(ctx, acct.ID, 2.5); err != nil {
		t.Fatal(err)
	}

	pruned, err := l.PruneDaily(ctx)
	if err != nil {
		t.Fatalf("PruneDaily: %v", err)
	}
	if pruned != 3 {
		t.Errorf("pruned %d rows, want 3", pruned)
	}

	u, err := l.Usage(ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	if u.MessagesMonth != 5 {
		t.Errorf("month total after prune = %d, want 5", u.MessagesMonth)
	}
	if u.StorageUsedMB != 2.5 {
		t.Errorf("storage after prune = %v, want 2.5", u.StorageUsedMB)
	}
}

// --- guards ---

func TestCheckMessageQuota_DailyBoundary(t *testing.T) {
	clock := &fixedClock{t: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
	l, rec := newLedger(t, clock, true)
	acct := createAccount(t, l.db, "alice", models.RoleClient, models.QuotaProfile{
		DeviceLimit: 1, MessageQuotaDaily: 100, MessageQuotaMonthly: 3000, StorageLimitMB: 100,
	})
	ctx := context.Background()

	for i := 0; i < 99; i++ {
		if err := l.RecordMessageSent(ctx, acct.ID); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.CheckMessageQuota(ctx, acct); err != nil {
		t.Fatalf("99 of 100 should pass, got %v", err)
	}
	if err := l.RecordMessageSent(ctx, acct.ID); err != nil {
		t.Fatal(err)
	}

	err := l.CheckMessageQuota(ctx, acct)
	wantDimension(t, err, apperr.DimensionDailyMessages)
	qe, _ := apperr.AsQuota(err)
	if qe.Limit != 100 || qe.Used != 100 {
		t.Errorf("limit=%v used=%v, want 100/100", qe.Limit, qe.Used)
	}
	if apperr.Status(err) != 403 {
		t.Errorf("status = %d, want 403", apperr.Status(err))
	}
	if len(rec.dims) != 1 || rec.dims[0] != apperr.DimensionDailyMessages {
		t.Errorf("recorded rejections %v", rec.dims)
	}
}

func TestCheckMessageQuota_MonthlyAcrossDays(t *testing.T) {
	clock := &fixedClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	l, _ := newLedger(t, clock, true)
	acct := createAccount(t, l.db, "alice", models.RoleClient, models.QuotaProfile{
		DeviceLimit: 1, MessageQuotaDaily: 10, MessageQuotaMonthly: 3, StorageLimitMB: 100,
	})
	ctx := context.Background()

	for day := 1; day <= 3; day++ {
		clock.t = time.Date(2025, 3, day, 12, 0, 0, 0, time.UTC)
		if err := l.RecordMessageSent(ctx, acct.ID); err != nil {
			t.Fatal(err)
		}
	}
	clock.t = time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC)
	wantDimension(t, l.CheckMessageQuota(ctx, acct), apperr.DimensionMonthlyMessage)
}

func TestCheckMessageQuota_AdminAndUnlimitedBypass(t *testing.T) {
	clock := &fixedClock{t: time.Now()}
	l, _ := newLedger(t, clock, true)
	zero := models.QuotaProfile{}
	admin := createAccount(t, l.db, "root", models.RoleAdmin, zero)
	unlimited := createAccount(t, l.db, "vip", models.RoleClient, models.QuotaProfile{IsQuotaUnlimited: true})
	ctx := context.Background()

	for _, acct := range []*models.Account{admin, unlimited} {
		if err := l.CheckMessageQuota(ctx, acct); err != nil {
			t.Errorf("%s: CheckMessageQuota = %v", acct.Username, err)
		}
		if err := l.CheckDeviceLimit(ctx, acct); err != nil {
			t.Errorf("%s: CheckDeviceLimit = %v", acct.Username, err)
		}
		if err := l.CheckStorageLimit(ctx, acct, 1000); err != nil {
			t.Errorf("%s: CheckStorageLimit = %v", acct.Username, err)
		}
	}
}

func TestCheckDeviceLimit_AtLimit(t *testing.T) {
	clock := &fixedClock{t: time.Now()}
	l, _ := newLedger(t, clock, true)
	acct := createAccount(t, l.db, "alice", models.RoleClient, clientProfile())
	ctx := context.Background()

	if err := l.CheckDeviceLimit(ctx, acct); err != nil {
		t.Fatalf("empty account should pass: %v", err)
	}
	if err := l.db.Create(&models.Session{DeviceID: "dev-1", AccountID: &acct.ID, State: models.StateDisconnected}).Error; err != nil {
		t.Fatal(err)
	}
	err := l.CheckDeviceLimit(ctx, acct)
	wantDimension(t, err, apperr.DimensionDevices)
	if err.Error() != "Device limit reached" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestCheckStorageLimit_IncludesPending(t *testing.T) {
	clock := &fixedClock{t: time.Now()}
	l, _ := newLedger(t, clock, true)
	acct := createAccount(t, l.db, "alice", models.RoleClient, models.QuotaProfile{StorageLimitMB: 1})
	ctx := context.Background()

	if err := l.RecordStorageDelta(ctx, acct.ID, 0.5); err != nil {
		t.Fatal(err)
	}
	if err := l.CheckStorageLimit(ctx, acct, 0.5); err != nil {
		t.Errorf("exactly at limit should pass: %v", err)
	}
	wantDimension(t, l.CheckStorageLimit(ctx, acct, 0.6), apperr.DimensionStorage)

	if err := l.RecordStorageDelta(ctx, acct.ID, -0.5); err != nil {
		t.Fatal(err)
	}
	if err := l.CheckStorageLimit(ctx, acct, 0.9); err != nil {
		t.Errorf("after release: %v", err)
	}
}

func TestRecordStorageDelta_TotalNeverNegative(t *testing.T) {
	clock := &fixedClock{t: time.Now()}
	l, _ := newLedger(t, clock, true)
	acct := createAccount(t, l.db, "alice", models.RoleClient, models.QuotaProfile{StorageLimitMB: 10})
	ctx := context.Background()

	steps := []struct {
		delta float64
		want  float64
	}{
		{-4, 0}, // release with no row yet
		{3, 3},
		{-5, 0}, // release of a file that was never charged
		{2, 2},
	}
	for i, st := range steps {
		if err := l.RecordStorageDelta(ctx, acct.ID, st.delta); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		got, err := l.storedMB(ctx, acct.ID)
		if err != nil || got != st.want {
			t.Fatalf("step %d: stored = %v, %v; want %v", i, got, err, st.want)
		}
	}
	if err := l.CheckStorageLimit(ctx, acct, 8); err != nil {
		t.Errorf("clamped total should leave room: %v", err)
	}
}

func TestCheckAccountExpiry(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	l, _ := newLedger(t, &fixedClock{t: now}, true)
	yesterday := now.AddDate(0, 0, -1)
	tomorrow := now.AddDate(0, 0, 1)

	tests := []struct {
		name    string
		acct    *models.Account
		wantErr bool
	}{
		{"client expired", &models.Account{Role: models.RoleClient, AccountExpiry: &yesterday}, true},
		{"unlimited client expired", &models.Account{Role: models.RoleClient, IsQuotaUnlimited: true, AccountExpiry: &yesterday}, true},
		{"admin expired", &models.Account{Role: models.RoleAdmin, AccountExpiry: &yesterday}, false},
		{"client valid", &models.Account{Role: models.RoleClient, AccountExpiry: &tomorrow}, false},
		{"no expiry", &models.Account{Role: models.RoleClient}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := l.CheckAccountExpiry(tt.acct)
			if tt.wantErr {
				wantDimension(t, err, apperr.DimensionExpiry)
			} else if err != nil {
				t.Errorf("unexpected error %v", err)
			}
		})
	}
}

// --- failure policy ---

func TestGuards_FailOpenPolicy(t *testing.T) {
	for _, failOpen := range []bool{true, false} {
		clock := &fixedClock{t: time.Now()}
		l, _ := newLedger(t, clock, failOpen)
		acct := createAccount(t, l.db, "alice", models.RoleClient, clientProfile())

		sqlDB, err := l.db.DB()
		if err != nil {
			t.Fatal(err)
		}
		_ = sqlDB.Close()

		err = l.CheckMessageQuota(context.Background(), acct)
		if failOpen && err != nil {
			t.Errorf("fail-open: expected nil, got %v", err)
		}
		if !failOpen && !errors.Is(err, apperr.ErrStorage) {
			t.Errorf("fail-closed: expected storage error, got %v", err)
		}
	}
}

// --- usage snapshot ---

func TestUsage_PercentsAndExpiry(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	l, _ := newLedger(t, &fixedClock{t: now}, true)
	expiry := now.Add(72 * time.Hour)
	acct := createAccount(t, l.db, "alice", models.RoleClient, models.QuotaProfile{
		DeviceLimit: 2, MessageQuotaDaily: 10, MessageQuotaMonthly: 100, StorageLimitMB: 10, AccountExpiry: &expiry,
	})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := l.RecordMessageSent(ctx, acct.ID); err != nil {
			t.Fatal(err)
		}
	}

	u, err := l.Usage(ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	if u.DailyPercent != 50 || u.MonthlyPercent != 5 {
		t.Errorf("percents daily=%v monthly=%v", u.DailyPercent, u.MonthlyPercent)
	}
	if u.DaysRemaining == nil || *u.DaysRemaining != 3 || u.Expired {
		t.Errorf("expiry fields: %+v", u)
	}
}
