package database

import "rpportal/internal/models"

// PersistentModels returns the authoritative set of schema-managed GORM models.
func PersistentModels() []interface{} {
	return []interface{}{
		&models.Application{},
		&models.ApplicationStatusEntry{},
		&models.Notification{},
	}
}
