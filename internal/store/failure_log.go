package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/helpdesk-forge/helpdesk/pkg/messaging"
	"github.com/helpdesk-forge/helpdesk/pkg/models"
)

// FailureLog persists e-mail failure records in the event log table. It
// implements messaging.FailureLog.
type FailureLog struct {
	db *gorm.DB
}

// NewFailureLog returns a failure log backed by db.
func NewFailureLog(db *gorm.DB) *FailureLog {
	return &FailureLog{db: db}
}

// Add inserts a new failure record. The unique index on the message ID
// rejects duplicates.
func (l *FailureLog) Add(ctx context.Context, rec *messaging.FailureRecord) error {
	row := models.EventLog{
		MessageID:   rec.MessageID,
		UserID:      rec.UserID,
		Description: rec.Description,
		EventType:   string(rec.EventType),
		ObjectState: rec.ObjectState,
		Attempts:    rec.Attempts,
		NextRetryAt: rec.NextRetryAt,
		CreatedAt:   rec.Date,
	}
	if err := l.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("failed to add failure record: %w", err)
	}
	return nil
}

// Remove deletes the record for a delivered message. Removing a message
// that has no record is not an error.
func (l *FailureLog) Remove(ctx context.Context, messageID string) error {
	err := l.db.WithContext(ctx).
		Where("message_id = ? AND event_type = ?", messageID, string(messaging.EventEmailSendFailed)).
		Delete(&models.EventLog{}).Error
	if err != nil {
		return fmt.Errorf("failed to remove failure record: %w", err)
	}
	return nil
}

// Contains reports whether a failure record exists for the message.
func (l *FailureLog) Contains(ctx context.Context, messageID string) (bool, error) {
	var row models.EventLog
	err := l.db.WithContext(ctx).
		Where("message_id = ? AND event_type = ?", messageID, string(messaging.EventEmailSendFailed)).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to query failure record: %w", err)
	}
	return true, nil
}

// Due returns records ripe for retry, oldest first. Records whose attempt
// count reached maxAttempts are dead letters and stay out of the result.
func (l *FailureLog) Due(ctx context.Context, now time.Time, maxAttempts int) ([]*messaging.FailureRecord, error) {
	var rows []models.EventLog
	err := l.db.WithContext(ctx).
		Where("event_type = ? AND next_retry_at <= ? AND attempts < ?",
			string(messaging.EventEmailSendFailed), now, maxAttempts).
		Order("created_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query due failure records: %w", err)
	}

	out := make([]*messaging.FailureRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, &messaging.FailureRecord{
			MessageID:   row.MessageID,
			UserID:      row.UserID,
			Description: row.Description,
			EventType:   messaging.EventType(row.EventType),
			ObjectState: row.ObjectState,
			Attempts:    row.Attempts,
			NextRetryAt: row.NextRetryAt,
			Date:        row.CreatedAt,
		})
	}
	return out, nil
}

// Reschedule bumps a record's attempt count and next retry time.
func (l *FailureLog) Reschedule(ctx context.Context, messageID string, attempts int, next time.Time) error {
	res := l.db.WithContext(ctx).
		Model(&models.EventLog{}).
		Where("message_id = ? AND event_type = ?", messageID, string(messaging.EventEmailSendFailed)).
		Updates(map[string]interface{}{
			"attempts":      attempts,
			"next_retry_at": next,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reschedule failure record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("no failure record for message %s", messageID)
	}
	return nil
}
