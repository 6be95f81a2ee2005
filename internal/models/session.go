package models

import (
	"time"
)

// Connection states persisted on a session row.
const (
	StateDisconnected = "disconnected"
	StateWaitingQR    = "waiting_qr"
	StateConnected    = "connected"
)

// Session represents one paired WhatsApp device. AccountID is nil for
// legacy sessions that no account has claimed yet.
type Session struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	DeviceID    string    `json:"deviceId" gorm:"uniqueIndex;size:100;not null"`
	AccountID   *uint     `json:"accountId" gorm:"index"`
	State       string    `json:"state" gorm:"type:varchar(20);not null;default:'disconnected'"`
	APIKey      *string   `json:"-" gorm:"column:api_key;size:128"`
	PhoneNumber *string   `json:"phoneNumber" gorm:"size:32"`
	CreatedAt   time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt   time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Session
func (Session) TableName() string {
	return "sessions"
}

func (s *Session) Owned() bool {
	return s.AccountID != nil
}

func (s *Session) OwnedBy(accountID uint) bool {
	return s.AccountID != nil && *s.AccountID == accountID
}

// VisibleTo reports whether an account may see and manage the session.
// Unowned sessions are visible to everyone until claimed.
func (s *Session) VisibleTo(a *Account) bool {
	return a.IsAdmin() || !s.Owned() || s.OwnedBy(a.ID)
}

// Claim assigns an unowned session to accountID. It reports whether the
// claim happened; owned sessions are never reassigned.
func (s *Session) Claim(accountID uint) bool {
	if s.Owned() {
		return false
	}
	id := accountID
	s.AccountID = &id
	return true
}

func (s *Session) HasAPIKey() bool {
	return s.APIKey != nil && *s.APIKey != ""
}
