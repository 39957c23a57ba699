package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// NotificationKindApplicationStatus marks notifications produced by application transitions.
const NotificationKindApplicationStatus = "application_status"

// Notification is an in-app notification row shown to a single user.
type Notification struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	UserID        uuid.UUID      `gorm:"type:uuid;not null;index:idx_notifications_user_created,priority:1" json:"user_id"`
	Kind          string         `gorm:"type:varchar(40);not null" json:"kind"`
	ApplicationID *uint          `gorm:"index" json:"application_id,omitempty"`
	Title         string         `gorm:"size:200;not null" json:"title"`
	Body          string         `gorm:"type:text" json:"body"`
	Payload       datatypes.JSON `json:"payload,omitempty" swaggertype:"object"`
	ReadAt        *time.Time     `json:"read_at"`
	CreatedAt     time.Time      `gorm:"index:idx_notifications_user_created,priority:2" json:"created_at"`
}
