package models

import "time"

// UsageRecord holds one account's counters for one calendar day.
// MonthlyTotal mirrors the month aggregate at the time of the last write.
type UsageRecord struct {
	AccountID    uint      `json:"accountId" gorm:"primaryKey;autoIncrement:false"`
	Day          string    `json:"day" gorm:"primaryKey;size:10"`
	MessagesSent int64     `json:"messagesSent" gorm:"not null"`
	MonthlyTotal int64     `json:"monthlyTotal" gorm:"not null"`
	StorageMB    float64   `json:"storageMb" gorm:"column:storage_mb;not null"`
	CreatedAt    time.Time `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt    time.Time `json:"updatedAt" gorm:"autoUpdateTime"`
}

// TableName specifies the table name for UsageRecord
func (UsageRecord) TableName() string {
	return "usage_records"
}

// MonthlyUsage is the retained monthly message aggregate. It is never
// touched by the daily retention sweep.
type MonthlyUsage struct {
	AccountID    uint      `gorm:"primaryKey;autoIncrement:false"`
	Month        string    `gorm:"primaryKey;size:7"`
	MessagesSent int64     `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for MonthlyUsage
func (MonthlyUsage) TableName() string {
	return "monthly_usages"
}

// StorageUsage is the running total of stored megabytes per account.
type StorageUsage struct {
	AccountID uint      `gorm:"primaryKey;autoIncrement:false"`
	TotalMB   float64   `gorm:"column:total_mb;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for StorageUsage
func (StorageUsage) TableName() string {
	return "storage_usages"
}
