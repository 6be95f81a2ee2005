package services

import (
	"context"
	"errors"
	"time"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/models"

	"gorm.io/gorm"
)

// AccountService implements the admin-side account and quota operations.
type AccountService struct {
	db     *gorm.DB
	ledger *QuotaLedger
}

func NewAccountService(db *gorm.DB, ledger *QuotaLedger) *AccountService {
	return &AccountService{db: db, ledger: ledger}
}

// AccountSummary is an account row with its session count.
type AccountSummary struct {
	models.AccountResponse
	SessionCount int64 `json:"sessionCount"`
}

// AccountQuota pairs an account with its limits and current usage.
type AccountQuota struct {
	Account models.AccountResponse `json:"user"`
	Quota   models.QuotaProfile    `json:"quota"`
	Usage   *Usage                 `json:"usage"`
}

// QuotaUpdate is a partial quota profile edit. ClearExpiry is set when the
// request carries an explicit null accountExpiry and wins over AccountExpiry.
type QuotaUpdate struct {
	DeviceLimit         *int       `json:"deviceLimit" validate:"omitempty,min=0"`
	MessageQuotaDaily   *int       `json:"messageQuotaDaily" validate:"omitempty,min=0"`
	MessageQuotaMonthly *int       `json:"messageQuotaMonthly" validate:"omitempty,min=0"`
	StorageLimitMB      *int       `json:"storageLimitMb" validate:"omitempty,min=0"`
	AccountExpiry       *time.Time `json:"accountExpiry"`
	ClearExpiry         bool       `json:"-"`
	IsQuotaUnlimited    *bool      `json:"isQuotaUnlimited"`
}

// Stats are the application counters shown on the admin metrics page.
type Stats struct {
	TotalUsers      int64 `json:"totalUsers"`
	AdminUsers      int64 `json:"adminUsers"`
	ClientUsers     int64 `json:"clientUsers"`
	UnverifiedUsers int64 `json:"unverifiedUsers"`
	TotalSessions   int64 `json:"totalSessions"`
	ConnectedInDB   int64 `json:"connectedSessions"`
}

func (s *AccountService) List(ctx context.Context) ([]AccountSummary, error) {
	var accounts []models.Account
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&accounts).Error; err != nil {
		return nil, apperr.Storage("accounts.List", err)
	}

	type countRow struct {
		AccountID uint
		N         int64
	}
	var counts []countRow
	if err := s.db.WithContext(ctx).Model(&models.Session{}).
		Select("account_id, COUNT(*) AS n").
		Where("account_id IS NOT NULL").
		Group("account_id").
		Scan(&counts).Error; err != nil {
		return nil, apperr.Storage("accounts.List", err)
	}
	byAccount := make(map[uint]int64, len(counts))
	for _, c := range counts {
		byAccount[c.AccountID] = c.N
	}

	out := make([]AccountSummary, 0, len(accounts))
	for i := range accounts {
		out = append(out, AccountSummary{
			AccountResponse: accounts[i].Response(),
			SessionCount:    byAccount[accounts[i].ID],
		})
	}
	return out, nil
}

func (s *AccountService) Get(ctx context.Context, id uint) (*models.Account, error) {
	var acct models.Account
	err := s.db.WithContext(ctx).First(&acct, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("accounts.Get", "User not found")
	}
	if err != nil {
		return nil, apperr.Storage("accounts.Get", err)
	}
	return &acct, nil
}

func (s *AccountService) Verify(ctx context.Context, id uint) (*models.Account, error) {
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Update("is_verified", true)
	if res.Error != nil {
		return nil, apperr.Storage("accounts.Verify", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.NotFound("accounts.Verify", "User not found")
	}
	return s.Get(ctx, id)
}

// Delete removes an account and everything it owns in one transaction.
// Live protocol sessions must already be torn down by the caller.
func (s *AccountService) Delete(ctx context.Context, actorID, id uint) error {
	if actorID == id {
		return apperr.Validation("accounts.Delete", "Cannot delete your own account")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var deviceIDs []string
		if err := tx.Model(&models.Session{}).Where("account_id = ?", id).Pluck("device_id", &deviceIDs).Error; err != nil {
			return apperr.Storage("accounts.Delete", err)
		}
		for _, d := range deviceIDs {
			if err := deleteDeviceCredentials(tx, d); err != nil {
				return apperr.Storage("accounts.Delete", err)
			}
		}
		if err := tx.Where("account_id = ?", id).Delete(&models.Session{}).Error; err != nil {
			return apperr.Storage("accounts.Delete", err)
		}
		if err := deleteAccountUsage(tx, id); err != nil {
			return apperr.Storage("accounts.Delete", err)
		}
		res := tx.Delete(&models.Account{}, id)
		if res.Error != nil {
			return apperr.Storage("accounts.Delete", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("accounts.Delete", "User not found")
		}
		return nil
	})
}

// Quota returns one account's profile and usage.
func (s *AccountService) Quota(ctx context.Context, id uint) (*AccountQuota, error) {
	acct, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	usage, err := s.ledger.Usage(ctx, acct)
	if err != nil {
		return nil, err
	}
	return &AccountQuota{Account: acct.Response(), Quota: acct.Profile(), Usage: usage}, nil
}

// Quotas returns every account with its profile and usage.
func (s *AccountService) Quotas(ctx context.Context) ([]AccountQuota, error) {
	var accounts []models.Account
	if err := s.db.WithContext(ctx).Order("id").Find(&accounts).Error; err != nil {
		return nil, apperr.Storage("accounts.Quotas", err)
	}
	out := make([]AccountQuota, 0, len(accounts))
	for i := range accounts {
		usage, err := s.ledger.Usage(ctx, &accounts[i])
		if err != nil {
			return nil, err
		}
		out = append(out, AccountQuota{Account: accounts[i].Response(), Quota: accounts[i].Profile(), Usage: usage})
	}
	return out, nil
}

// UpdateQuota applies a partial quota edit.
func (s *AccountService) UpdateQuota(ctx context.Context, id uint, upd QuotaUpdate) (*AccountQuota, error) {
	updates := map[string]interface{}{}
	if upd.DeviceLimit != nil {
		updates["device_limit"] = *upd.DeviceLimit
	}
	if upd.MessageQuotaDaily != nil {
		updates["message_quota_daily"] = *upd.MessageQuotaDaily
	}
	if upd.MessageQuotaMonthly != nil {
		updates["message_quota_monthly"] = *upd.MessageQuotaMonthly
	}
	if upd.StorageLimitMB != nil {
		updates["storage_limit_mb"] = *upd.StorageLimitMB
	}
	if upd.IsQuotaUnlimited != nil {
		updates["is_quota_unlimited"] = *upd.IsQuotaUnlimited
	}
	switch {
	case upd.ClearExpiry:
		updates["account_expiry"] = nil
	case upd.AccountExpiry != nil:
		updates["account_expiry"] = *upd.AccountExpiry
	}
	if len(updates) == 0 {
		return nil, apperr.Validation("accounts.UpdateQuota", "Nothing to update")
	}

	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, apperr.Storage("accounts.UpdateQuota", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, apperr.NotFound("accounts.UpdateQuota", "User not found")
	}
	return s.Quota(ctx, id)
}

func (s *AccountService) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{}
	db := s.db.WithContext(ctx)
	counts := []struct {
		dst   *int64
		model interface{}
		where string
		args  []interface{}
	}{
		{&st.TotalUsers, &models.Account{}, "", nil},
		{&st.AdminUsers, &models.Account{}, "role = ?", []interface{}{models.RoleAdmin}},
		{&st.ClientUsers, &models.Account{}, "role = ?", []interface{}{models.RoleClient}},
		{&st.UnverifiedUsers, &models.Account{}, "is_verified = ?", []interface{}{false}},
		{&st.TotalSessions, &models.Session{}, "", nil},
		{&st.ConnectedInDB, &models.Session{}, "state = ?", []interface{}{models.StateConnected}},
	}
	for _, c := range counts {
		q := db.Model(c.model)
		if c.where != "" {
			q = q.Where(c.where, c.args...)
		}
		if err := q.Count(c.dst).Error; err != nil {
			return nil, apperr.Storage("accounts.Stats", err)
		}
	}
	return st, nil
}
