package models

import "time"

// CredentialBlob is one opaque credential value for a device.
type CredentialBlob struct {
	DeviceID  string    `gorm:"primaryKey;size:100"`
	KeyName   string    `gorm:"primaryKey;size:191"`
	Value     []byte    `gorm:"not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName specifies the table name for CredentialBlob
func (CredentialBlob) TableName() string {
	return "credential_blobs"
}
