package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/models"

	"gorm.io/gorm"
)

// SessionStore reads and writes session rows.
type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

// DeviceWithOwner is a session row joined with its owner's username.
type DeviceWithOwner struct {
	models.Session
	Username *string `json:"username"`
}

func (s *SessionStore) Get(ctx context.Context, deviceID string) (*models.Session, error) {
	var sess models.Session
	err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Take(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("sessions.Get", "Session not found")
	}
	if err != nil {
		return nil, apperr.Storage("sessions.Get", err)
	}
	return &sess, nil
}

// Create inserts a new session row. A duplicate device id is a conflict.
func (s *SessionStore) Create(ctx context.Context, sess *models.Session) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&models.Session{}).Where("device_id = ?", sess.DeviceID).Count(&n).Error; err != nil {
			return apperr.Storage("sessions.Create", err)
		}
		if n > 0 {
			return apperr.Conflict("sessions.Create", "Device ID already exists")
		}
		if sess.State == "" {
			sess.State = models.StateDisconnected
		}
		if err := tx.Create(sess).Error; err != nil {
			// Lost a race against a concurrent insert of the same id.
			if tx.Model(&models.Session{}).Where("device_id = ?", sess.DeviceID).Count(&n).Error == nil && n > 0 {
				return apperr.Conflict("sessions.Create", "Device ID already exists")
			}
			return apperr.Storage("sessions.Create", err)
		}
		return nil
	})
}

// UpdateState persists a connection state.
func (s *SessionStore) UpdateState(ctx context.Context, deviceID, state string) error {
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("device_id = ?", deviceID).
		Updates(map[string]interface{}{"state": state, "updated_at": time.Now()}).Error
	if err != nil {
		return apperr.Storage("sessions.UpdateState", err)
	}
	return nil
}

// MarkConnected persists the connected state and the paired phone number.
func (s *SessionStore) MarkConnected(ctx context.Context, deviceID, phone string) error {
	updates := map[string]interface{}{"state": models.StateConnected, "updated_at": time.Now()}
	if phone != "" {
		updates["phone_number"] = phone
	}
	err := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("device_id = ?", deviceID).
		Updates(updates).Error
	if err != nil {
		return apperr.Storage("sessions.MarkConnected", err)
	}
	return nil
}

func (s *SessionStore) ListByState(ctx context.Context, state string) ([]models.Session, error) {
	var out []models.Session
	if err := s.db.WithContext(ctx).Where("state = ?", state).Order("id").Find(&out).Error; err != nil {
		return nil, apperr.Storage("sessions.ListByState", err)
	}
	return out, nil
}

// ListVisible returns the sessions an account can see: everything for
// admins, otherwise its own sessions plus unclaimed legacy ones.
func (s *SessionStore) ListVisible(ctx context.Context, acct *models.Account) ([]models.Session, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if !acct.IsAdmin() {
		q = q.Where("account_id = ? OR account_id IS NULL", acct.ID)
	}
	var out []models.Session
	if err := q.Find(&out).Error; err != nil {
		return nil, apperr.Storage("sessions.ListVisible", err)
	}
	return out, nil
}

func (s *SessionStore) ListByAccount(ctx context.Context, accountID uint) ([]models.Session, error) {
	var out []models.Session
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, apperr.Storage("sessions.ListByAccount", err)
	}
	return out, nil
}

// ListAllWithOwner returns every session joined with its owner's username.
func (s *SessionStore) ListAllWithOwner(ctx context.Context) ([]DeviceWithOwner, error) {
	var out []DeviceWithOwner
	err := s.db.WithContext(ctx).
		Table("sessions").
		Select("sessions.*, accounts.username AS username").
		Joins("LEFT JOIN accounts ON accounts.id = sessions.account_id").
		Order("sessions.created_at DESC").
		Scan(&out).Error
	if err != nil {
		return nil, apperr.Storage("sessions.ListAllWithOwner", err)
	}
	return out, nil
}

// SetAPIKey stores key on the session. An unowned session is claimed by
// acct in the same statement; the conditional update keeps two accounts
// from claiming it concurrently.
func (s *SessionStore) SetAPIKey(ctx context.Context, acct *models.Account, deviceID, key string) (*models.Session, error) {
	sess, err := s.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if !sess.VisibleTo(acct) {
		return nil, apperr.NotFound("sessions.SetAPIKey", "Session not found")
	}

	db := s.db.WithContext(ctx).Model(&models.Session{})
	if !sess.Owned() {
		res := db.Where("device_id = ? AND account_id IS NULL", deviceID).
			Updates(map[string]interface{}{"account_id": acct.ID, "api_key": key, "updated_at": time.Now()})
		if res.Error != nil {
			return nil, apperr.Storage("sessions.SetAPIKey", res.Error)
		}
		if res.RowsAffected == 0 {
			// Someone else claimed it first.
			fresh, err := s.Get(ctx, deviceID)
			if err != nil {
				return nil, err
			}
			if !fresh.VisibleTo(acct) {
				return nil, apperr.NotFound("sessions.SetAPIKey", "Session not found")
			}
			return s.SetAPIKey(ctx, acct, deviceID, key)
		}
		sess.Claim(acct.ID)
	} else {
		err := db.Where("device_id = ?", deviceID).
			Updates(map[string]interface{}{"api_key": key, "updated_at": time.Now()}).Error
		if err != nil {
			return nil, apperr.Storage("sessions.SetAPIKey", err)
		}
	}
	sess.APIKey = &key
	return sess, nil
}

// Delete removes the session row together with its credential blobs.
func (s *SessionStore) Delete(ctx context.Context, deviceID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteDeviceCredentials(tx, deviceID); err != nil {
			return apperr.Storage("sessions.Delete", err)
		}
		res := tx.Where("device_id = ?", deviceID).Delete(&models.Session{})
		if res.Error != nil {
			return apperr.Storage("sessions.Delete", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("sessions.Delete", "Session not found")
		}
		return nil
	})
}

// CountByAccount returns the number of sessions an account owns.
func (s *SessionStore) CountByAccount(ctx context.Context, accountID uint) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Session{}).Where("account_id = ?", accountID).Count(&n).Error; err != nil {
		return 0, apperr.Storage("sessions.CountByAccount", err)
	}
	return n, nil
}

// GenerateAPIKey returns 16 random bytes encoded as 32 hex characters.
func GenerateAPIKey() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
