package services

import (
	"context"
	"errors"

	"wa_gateway/internal/apperr"
	"wa_gateway/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CredentialStore persists per-device protocol credentials as opaque
// key/value blobs. Every write is a single statement, so nothing is
// buffered between protocol events.
type CredentialStore struct {
	db *gorm.DB
}

func NewCredentialStore(db *gorm.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// Write upserts value under (deviceID, keyName).
func (s *CredentialStore) Write(ctx context.Context, deviceID, keyName string, value []byte) error {
	blob := models.CredentialBlob{DeviceID: deviceID, KeyName: keyName, Value: value}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}, {Name: "key_name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&blob).Error
	if err != nil {
		return apperr.Storage("credentials.Write", err)
	}
	return nil
}

// Read returns the stored value, or nil when the key is absent.
func (s *CredentialStore) Read(ctx context.Context, deviceID, keyName string) ([]byte, error) {
	var blob models.CredentialBlob
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND key_name = ?", deviceID, keyName).
		Take(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Storage("credentials.Read", err)
	}
	return blob.Value, nil
}

func (s *CredentialStore) Remove(ctx context.Context, deviceID, keyName string) error {
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND key_name = ?", deviceID, keyName).
		Delete(&models.CredentialBlob{}).Error
	if err != nil {
		return apperr.Storage("credentials.Remove", err)
	}
	return nil
}

// ReadAll materialises the full credential set of a device.
func (s *CredentialStore) ReadAll(ctx context.Context, deviceID string) (map[string][]byte, error) {
	var blobs []models.CredentialBlob
	if err := s.db.WithContext(ctx).Where("device_id = ?", deviceID).Find(&blobs).Error; err != nil {
		return nil, apperr.Storage("credentials.ReadAll", err)
	}
	out := make(map[string][]byte, len(blobs))
	for _, b := range blobs {
		out[b.KeyName] = b.Value
	}
	return out, nil
}

// deleteDeviceCredentials removes every blob of a device inside the
// transaction that deletes the owning session.
func deleteDeviceCredentials(tx *gorm.DB, deviceID string) error {
	return tx.Where("device_id = ?", deviceID).Delete(&models.CredentialBlob{}).Error
}
