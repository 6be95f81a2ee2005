package database

import (
	"wa_gateway/internal/models"

	"gorm.io/gorm"
)

// Migrate creates or updates every table the gateway owns. The whatsmeow
// key-material tables are created by its own sqlstore container.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Account{},
		&models.Session{},
		&models.CredentialBlob{},
		&models.UsageRecord{},
		&models.MonthlyUsage{},
		&models.StorageUsage{},
	)
}
