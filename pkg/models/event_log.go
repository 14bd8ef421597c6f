package models

import (
	"time"

	"gorm.io/gorm"
)

// EventLog is the durable system event trail. Failed e-mail deliveries are
// stored here with their serialized message so they survive restarts; at
// most one row exists per message ID.
type EventLog struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`

	// MessageID correlates the row with the in-memory queue and the
	// transport callbacks.
	MessageID string `gorm:"type:uuid;uniqueIndex;not null" json:"message_id"`

	// UserID is the account the triggering message was addressed to.
	UserID string `gorm:"type:uuid;index" json:"user_id"`

	Description string `gorm:"size:1024" json:"description"`

	// EventType tags the row; failed deliveries use "email.send_failed".
	EventType string `gorm:"size:64;index" json:"event_type"`

	// ObjectState holds the serialized outgoing message for reconstruction.
	ObjectState string `gorm:"type:text" json:"-"`

	// Attempts counts delivery failures so far.
	Attempts int `gorm:"default:0" json:"attempts"`

	// NextRetryAt schedules the next durable retry.
	NextRetryAt time.Time `gorm:"index" json:"next_retry_at"`
}

// TableName specifies the table name for GORM.
func (EventLog) TableName() string {
	return "event_logs"
}

// Create creates a new event log row.
func (e *EventLog) Create(db *gorm.DB) error {
	return db.Create(e).Error
}
