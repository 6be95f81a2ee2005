package models

import (
	"time"
)

const (
	RoleAdmin  = "admin"
	RoleClient = "client"
)

// Account represents a platform user and its quota profile.
type Account struct {
	ID           uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	Username     string `json:"username" gorm:"uniqueIndex;size:50;not null"`
	Name         string `json:"name" gorm:"size:100"`
	Email        string `json:"email" gorm:"size:100"`
	PasswordHash string `json:"-" gorm:"size:255;not null"`
	Role         string `json:"role" gorm:"type:varchar(20);not null"`
	IsVerified   bool   `json:"isVerified" gorm:"not null"`

	DeviceLimit         int        `json:"deviceLimit" gorm:"not null"`
	MessageQuotaDaily   int        `json:"messageQuotaDaily" gorm:"not null"`
	MessageQuotaMonthly int        `json:"messageQuotaMonthly" gorm:"not null"`
	StorageLimitMB      int        `json:"storageLimitMb" gorm:"column:storage_limit_mb;not null"`
	AccountExpiry       *time.Time `json:"accountExpiry"`
	IsQuotaUnlimited    bool       `json:"isQuotaUnlimited" gorm:"not null"`

	CreatedAt time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for Account
func (Account) TableName() string {
	return "accounts"
}

func (a *Account) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Unmetered reports whether the account bypasses count-based quotas.
func (a *Account) Unmetered() bool {
	return a.IsAdmin() || a.IsQuotaUnlimited
}

// AccountResponse is the account summary returned by the API.
type AccountResponse struct {
	ID         uint      `json:"id"`
	Username   string    `json:"username"`
	Name       string    `json:"name,omitempty"`
	Email      string    `json:"email,omitempty"`
	Role       string    `json:"role"`
	IsVerified bool      `json:"isVerified"`
	CreatedAt  time.Time `json:"createdAt"`
}

func (a *Account) Response() AccountResponse {
	return AccountResponse{
		ID:         a.ID,
		Username:   a.Username,
		Name:       a.Name,
		Email:      a.Email,
		Role:       a.Role,
		IsVerified: a.IsVerified,
		CreatedAt:  a.CreatedAt,
	}
}

// QuotaProfile is the editable subset of an account's limits.
type QuotaProfile struct {
	DeviceLimit         int        `json:"deviceLimit"`
	MessageQuotaDaily   int        `json:"messageQuotaDaily"`
	MessageQuotaMonthly int        `json:"messageQuotaMonthly"`
	StorageLimitMB      int        `json:"storageLimitMb"`
	AccountExpiry       *time.Time `json:"accountExpiry"`
	IsQuotaUnlimited    bool       `json:"isQuotaUnlimited"`
}

func (a *Account) Profile() QuotaProfile {
	return QuotaProfile{
		DeviceLimit:         a.DeviceLimit,
		MessageQuotaDaily:   a.MessageQuotaDaily,
		MessageQuotaMonthly: a.MessageQuotaMonthly,
		StorageLimitMB:      a.StorageLimitMB,
		AccountExpiry:       a.AccountExpiry,
		IsQuotaUnlimited:    a.IsQuotaUnlimited,
	}
}

func (a *Account) ApplyProfile(p QuotaProfile) {
	a.DeviceLimit = p.DeviceLimit
	a.MessageQuotaDaily = p.MessageQuotaDaily
	a.MessageQuotaMonthly = p.MessageQuotaMonthly
	a.StorageLimitMB = p.StorageLimitMB
	a.AccountExpiry = p.AccountExpiry
	a.IsQuotaUnlimited = p.IsQuotaUnlimited
}
