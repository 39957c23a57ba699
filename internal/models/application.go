// Package models defines persisted entities and the application error taxonomy.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ApplicationType identifies the kind of request a member submits.
type ApplicationType string

const (
	ApplicationTypeEntry         ApplicationType = "entry"
	ApplicationTypePromotion     ApplicationType = "promotion"
	ApplicationTypeTransferDept  ApplicationType = "transfer_dept"
	ApplicationTypeTransferDiv   ApplicationType = "transfer_div"
	ApplicationTypeLeave         ApplicationType = "leave"
	ApplicationTypeQualification ApplicationType = "qualification"
)

// ApplicationStatus is the lifecycle state of an application.
type ApplicationStatus string

const (
	// ApplicationStatusPending is the initial state of every application.
	ApplicationStatusPending ApplicationStatus = "pending"
	// ApplicationStatusTestRequired means a reviewer asked the applicant to take a test.
	ApplicationStatusTestRequired ApplicationStatus = "test_required"
	// ApplicationStatusTestCompleted means the requested test was taken and awaits a decision.
	ApplicationStatusTestCompleted ApplicationStatus = "test_completed"
	// ApplicationStatusApproved is terminal.
	ApplicationStatusApproved ApplicationStatus = "approved"
	// ApplicationStatusRejected is terminal.
	ApplicationStatusRejected ApplicationStatus = "rejected"
	// ApplicationStatusClosed is terminal.
	ApplicationStatusClosed ApplicationStatus = "closed"
)

// Application is a member-submitted request (entry, promotion, transfer, leave, qualification).
type Application struct {
	ID            uint                     `gorm:"primaryKey" json:"id"`
	AuthorID      uuid.UUID                `gorm:"type:uuid;not null;index:idx_applications_author_type_created,priority:1" json:"author_id"`
	CharacterID   *uint                    `gorm:"index" json:"character_id"`
	Type          ApplicationType          `gorm:"type:varchar(32);not null;index:idx_applications_author_type_created,priority:2" json:"type"`
	Status        ApplicationStatus        `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	Data          datatypes.JSON           `gorm:"not null" json:"data" swaggertype:"object"`
	ReviewerID    *uuid.UUID               `gorm:"type:uuid" json:"reviewer_id"`
	ReviewComment *string                  `gorm:"type:text" json:"review_comment"`
	StatusHistory []ApplicationStatusEntry `gorm:"foreignKey:ApplicationID;constraint:OnDelete:CASCADE" json:"status_history"`
	CreatedAt     time.Time                `gorm:"not null;index:idx_applications_author_type_created,priority:3" json:"created_at"`
	UpdatedAt     time.Time                `gorm:"not null" json:"updated_at"`
}

// ApplicationStatusEntry is one row of an application's append-only status log.
// Rows are keyed by (application_id, sequence); sequence starts at 1.
type ApplicationStatusEntry struct {
	ApplicationID uint              `gorm:"primaryKey;autoIncrement:false" json:"-"`
	Sequence      int               `gorm:"primaryKey;autoIncrement:false" json:"sequence"`
	Status        ApplicationStatus `gorm:"type:varchar(20);not null" json:"status"`
	Date          time.Time         `gorm:"not null" json:"date"`
	Comment       *string           `gorm:"type:text" json:"comment"`
	ReviewerID    *uuid.UUID        `gorm:"type:uuid" json:"reviewer_id"`
}

// TableName returns the database table name for ApplicationStatusEntry.
func (ApplicationStatusEntry) TableName() string {
	return "application_status_history"
}

// LatestEntry returns the newest history entry, or nil when the history was not loaded.
func (a *Application) LatestEntry() *ApplicationStatusEntry {
	if len(a.StatusHistory) == 0 {
		return nil
	}
	return &a.StatusHistory[len(a.StatusHistory)-1]
}

// IsAuthor reports whether userID submitted the application.
func (a *Application) IsAuthor(userID uuid.UUID) bool {
	return a.AuthorID == userID
}
