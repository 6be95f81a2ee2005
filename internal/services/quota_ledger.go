package services

import (
	"context"
	"errors"
	"math"
	"time"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/models"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// RejectionRecorder observes quota rejections (metrics).
type RejectionRecorder interface {
	QuotaRejected(dimension string)
}

// QuotaLedger tracks per-account usage and evaluates quota guards.
//
// Guards fail open by default: when counters cannot be read the action is
// allowed and a warning is logged. With failOpen disabled the read error
// is returned as a storage error instead.
type QuotaLedger struct {
	db       *gorm.DB
	log      zerolog.Logger
	loc      *time.Location
	failOpen bool
	now      func() time.Time
	observer RejectionRecorder
}

type QuotaLedgerOption func(*QuotaLedger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) QuotaLedgerOption {
	return func(l *QuotaLedger) { l.now = now }
}

func WithRejectionRecorder(r RejectionRecorder) QuotaLedgerOption {
	return func(l *QuotaLedger) { l.observer = r }
}

func NewQuotaLedger(db *gorm.DB, log zerolog.Logger, loc *time.Location, failOpen bool, opts ...QuotaLedgerOption) *QuotaLedger {
	if loc == nil {
		loc = time.UTC
	}
	l := &QuotaLedger{
		db:       db,
		log:      log.With().Str("component", "quota").Logger(),
		loc:      loc,
		failOpen: failOpen,
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

func (l *QuotaLedger) today() string     { return l.now().In(l.loc).Format(dayLayout) }
func (l *QuotaLedger) thisMonth() string { return l.now().In(l.loc).Format(monthLayout) }

// readFailed applies the fail-open policy to a counter read error.
func (l *QuotaLedger) readFailed(op string, acct *models.Account, err error) error {
	if l.failOpen {
		l.log.Warn().Err(err).Str("op", op).Uint("account_id", acct.ID).Msg("quota counters unavailable, allowing action")
		return nil
	}
	return apperr.Storage(op, err)
}

func (l *QuotaLedger) reject(qe *apperr.QuotaError) error {
	if l.observer != nil {
		l.observer.QuotaRejected(qe.Dimension)
	}
	return qe
}

// CheckDeviceLimit rejects when the account already owns DeviceLimit
// sessions. Admins and unlimited accounts always pass.
func (l *QuotaLedger) CheckDeviceLimit(ctx context.Context, acct *models.Account) error {
	if acct.Unmetered() {
		return nil
	}
	var n int64
	if err := l.db.WithContext(ctx).Model(&models.Session{}).Where("account_id = ?", acct.ID).Count(&n).Error; err != nil {
		return l.readFailed("quota.CheckDeviceLimit", acct, err)
	}
	if n >= int64(acct.DeviceLimit) {
		return l.reject(&apperr.QuotaError{
			Dimension: apperr.DimensionDevices,
			Limit:     float64(acct.DeviceLimit),
			Used:      float64(n),
		})
	}
	return nil
}

// CheckMessageQuota rejects when today's count reached the daily limit or
// the month's count reached the monthly limit.
func (l *QuotaLedger) CheckMessageQuota(ctx context.Context, acct *models.Account) error {
	if acct.Unmetered() {
		return nil
	}
	daily, err := l.dailyMessages(ctx, acct.ID)
	if err != nil {
		return l.readFailed("quota.CheckMessageQuota", acct, err)
	}
	if daily >= int64(acct.MessageQuotaDaily) {
		return l.reject(&apperr.QuotaError{
			Dimension: apperr.DimensionDailyMessages,
			Limit:     float64(acct.MessageQuotaDaily),
			Used:      float64(daily),
		})
	}
	monthly, err := l.monthlyMessages(ctx, acct.ID)
	if err != nil {
		return l.readFailed("quota.CheckMessageQuota", acct, err)
	}
	if monthly >= int64(acct.MessageQuotaMonthly) {
		return l.reject(&apperr.QuotaError{
			Dimension: apperr.DimensionMonthlyMessage,
			Limit:     float64(acct.MessageQuotaMonthly),
			Used:      float64(monthly),
		})
	}
	return nil
}

// CheckStorageLimit rejects when stored MB plus pendingMB exceeds the limit.
func (l *QuotaLedger) CheckStorageLimit(ctx context.Context, acct *models.Account, pendingMB float64) error {
	if acct.Unmetered() {
		return nil
	}
	used, err := l.storedMB(ctx, acct.ID)
	if err != nil {
		return l.readFailed("quota.CheckStorageLimit", acct, err)
	}
	if used+pendingMB > float64(acct.StorageLimitMB) {
		return l.reject(&apperr.QuotaError{
			Dimension: apperr.DimensionStorage,
			Limit:     float64(acct.StorageLimitMB),
			Used:      used,
		})
	}
	return nil
}

// CheckAccountExpiry rejects expired non-admin accounts.
func (l *QuotaLedger) CheckAccountExpiry(acct *models.Account) error {
	if acct.IsAdmin() || acct.AccountExpiry == nil {
		return nil
	}
	if l.now().After(*acct.AccountExpiry) {
		return l.reject(&apperr.QuotaError{
			Dimension: apperr.DimensionExpiry,
			ExpiresAt: acct.AccountExpiry,
		})
	}
	return nil
}

// RecordMessageSent increments today's counter and the month aggregate in
// one transaction of conditional upserts.
func (l *QuotaLedger) RecordMessageSent(ctx context.Context, accountID uint) error {
	day, month := l.today(), l.thisMonth()
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "month"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"messages_sent": gorm.Expr("monthly_usages.messages_sent + ?", 1),
				"updated_at":    time.Now(),
			}),
		}).Create(&models.MonthlyUsage{AccountID: accountID, Month: month, MessagesSent: 1}).Error; err != nil {
			return err
		}

		var agg models.MonthlyUsage
		if err := tx.Where("account_id = ? AND month = ?", accountID, month).Take(&agg).Error; err != nil {
			return err
		}

		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "day"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"messages_sent": gorm.Expr("usage_records.messages_sent + ?", 1),
				"monthly_total": agg.MessagesSent,
				"updated_at":    time.Now(),
			}),
		}).Create(&models.UsageRecord{
			AccountID:    accountID,
			Day:          day,
			MessagesSent: 1,
			MonthlyTotal: agg.MessagesSent,
		}).Error
	})
	if err != nil {
		return apperr.Storage("quota.RecordMessageSent", err)
	}
	return nil
}

// RecordStorageDelta adds deltaMB to today's row and the running total.
// Negative deltas record deletions; the total is clamped at zero.
func (l *QuotaLedger) RecordStorageDelta(ctx context.Context, accountID uint, deltaMB float64) error {
	day := l.today()
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "day"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"storage_mb": gorm.Expr("usage_records.storage_mb + ?", deltaMB),
				"updated_at": time.Now(),
			}),
		}).Create(&models.UsageRecord{AccountID: accountID, Day: day, StorageMB: deltaMB}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"total_mb": gorm.Expr("CASE WHEN storage_usages.total_mb + ? < 0 THEN 0 ELSE storage_usages.total_mb + ? END",
					deltaMB, deltaMB),
				"updated_at": time.Now(),
			}),
		}).Create(&models.StorageUsage{AccountID: accountID, TotalMB: math.Max(deltaMB, 0)}).Error
	})
	if err != nil {
		return apperr.Storage("quota.RecordStorageDelta", err)
	}
	return nil
}

// PruneDaily drops daily rows older than yesterday. Month and storage
// aggregates are kept, so pruning never changes a reported total.
func (l *QuotaLedger) PruneDaily(ctx context.Context) (int64, error) {
	cutoff := l.now().In(l.loc).AddDate(0, 0, -1).Format(dayLayout)
	res := l.db.WithContext(ctx).Where("day < ?", cutoff).Delete(&models.UsageRecord{})
	if res.Error != nil {
		return 0, apperr.Storage("quota.PruneDaily", res.Error)
	}
	return res.RowsAffected, nil
}

// Usage is a snapshot of an account's consumption against its limits.
type Usage struct {
	Devices        int64   `json:"devices"`
	MessagesToday  int64   `json:"messagesToday"`
	MessagesMonth  int64   `json:"messagesMonth"`
	StorageUsedMB  float64 `json:"storageUsedMb"`
	Day            string  `json:"day"`
	Month          string  `json:"month"`
	DaysRemaining  *int    `json:"daysRemaining"`
	Expired        bool    `json:"expired"`
	DailyPercent   float64 `json:"dailyPercent"`
	MonthlyPercent float64 `json:"monthlyPercent"`
	StoragePercent float64 `json:"storagePercent"`
	DevicePercent  float64 `json:"devicePercent"`
	IsUnlimited    bool    `json:"isUnlimited"`
}

// Usage reads every counter of an account. Unlike the guards it does not
// fail open.
func (l *QuotaLedger) Usage(ctx context.Context, acct *models.Account) (*Usage, error) {
	u := &Usage{Day: l.today(), Month: l.thisMonth(), IsUnlimited: acct.IsQuotaUnlimited}
	var err error
	if err = l.db.WithContext(ctx).Model(&models.Session{}).Where("account_id = ?", acct.ID).Count(&u.Devices).Error; err != nil {
		return nil, apperr.Storage("quota.Usage", err)
	}
	if u.MessagesToday, err = l.dailyMessages(ctx, acct.ID); err != nil {
		return nil, apperr.Storage("quota.Usage", err)
	}
	if u.MessagesMonth, err = l.monthlyMessages(ctx, acct.ID); err != nil {
		return nil, apperr.Storage("quota.Usage", err)
	}
	if u.StorageUsedMB, err = l.storedMB(ctx, acct.ID); err != nil {
		return nil, apperr.Storage("quota.Usage", err)
	}

	u.DailyPercent = percent(float64(u.MessagesToday), acct.MessageQuotaDaily)
	u.MonthlyPercent = percent(float64(u.MessagesMonth), acct.MessageQuotaMonthly)
	u.StoragePercent = percent(u.StorageUsedMB, acct.StorageLimitMB)
	u.DevicePercent = percent(float64(u.Devices), acct.DeviceLimit)

	if acct.AccountExpiry != nil {
		remaining := int(acct.AccountExpiry.Sub(l.now()).Hours() / 24)
		if remaining < 0 {
			remaining = 0
		}
		u.DaysRemaining = &remaining
		u.Expired = l.now().After(*acct.AccountExpiry)
	}
	return u, nil
}

func percent(used float64, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	p := used / float64(limit) * 100
	if p > 100 {
		return 100
	}
	return float64(int(p*10)) / 10
}

func (l *QuotaLedger) dailyMessages(ctx context.Context, accountID uint) (int64, error) {
	var rec models.UsageRecord
	err := l.db.WithContext(ctx).Where("account_id = ? AND day = ?", accountID, l.today()).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return rec.MessagesSent, err
}

func (l *QuotaLedger) monthlyMessages(ctx context.Context, accountID uint) (int64, error) {
	var rec models.MonthlyUsage
	err := l.db.WithContext(ctx).Where("account_id = ? AND month = ?", accountID, l.thisMonth()).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return rec.MessagesSent, err
}

func (l *QuotaLedger) storedMB(ctx context.Context, accountID uint) (float64, error) {
	var rec models.StorageUsage
	err := l.db.WithContext(ctx).Where("account_id = ?", accountID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return rec.TotalMB, err
}

// deleteAccountUsage removes all usage rows of an account inside tx.
func deleteAccountUsage(tx *gorm.DB, accountID uint) error {
	for _, m := range []interface{}{&models.UsageRecord{}, &models.MonthlyUsage{}, &models.StorageUsage{}} {
		if err := tx.Where("account_id = ?", accountID).Delete(m).Error; err != nil {
			return err
		}
	}
	return nil
}
