// Package messaging implements the outbound notification pipeline: a
// concurrent message queue with timer-driven flushing, a dispatcher that
// broadcasts push notifications and batches e-mail deliveries, a durable
// failure log contract for crash-safe retry, and the producer that turns
// domain events into messages.
package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/helpdesk-forge/helpdesk/pkg/mail"
)

// Severity classifies a notification for display purposes.
type Severity int

const (
	SeveritySuccess Severity = iota + 1
	SeverityInfo
	SeverityWarn
	SeverityError
)

// String returns the wire name of the severity.
func (s Severity) String() string {
	switch s {
	case SeveritySuccess:
		return "success"
	case SeverityWarn:
		return "warn"
	case SeverityError:
		return "error"
	default:
		return "info"
	}
}

// EventType tags the domain event that produced a message.
type EventType string

const (
	EventUnspecified EventType = ""

	EventIssueCreated  EventType = "issue.created"
	EventIssueAssigned EventType = "issue.assigned"
	EventIssueUpdated  EventType = "issue.updated"
	EventIssueClosed   EventType = "issue.closed"
	EventIssueReopened EventType = "issue.reopened"
	EventIssueDeleted  EventType = "issue.deleted"

	EventUserRegistered EventType = "user.registered"
	EventUserCreated    EventType = "user.created"
	EventUserUpdated    EventType = "user.updated"
	EventUserDeleted    EventType = "user.deleted"

	EventCategoryCreated EventType = "category.created"
	EventCategoryUpdated EventType = "category.updated"
	EventCategoryDeleted EventType = "category.deleted"

	EventLoginSuccess EventType = "login.success"
	EventLoginFailure EventType = "login.failure"
	EventLogout       EventType = "login.logout"

	EventEmailConfigUpdated EventType = "email.config_updated"
	EventEmailSendFailed    EventType = "email.send_failed"
	EventEmailSendSuccess   EventType = "email.send_success"
)

// Payload is the tagged content of a Message: either a Note pushed to
// connected clients or a MailDelivery handed to the mail transport. The
// closed set keeps the dispatcher's branching exhaustive.
type Payload interface {
	isPayload()
}

// Note is a plain text notification pushed to connected clients.
type Note struct {
	Text string
}

func (Note) isPayload() {}

// MailDelivery wraps a composed e-mail destined for the mail transport.
type MailDelivery struct {
	Envelope *mail.Envelope
}

func (MailDelivery) isPayload() {}

// Message is the envelope flowing through the queue. ID never changes once
// assigned; for mail deliveries it equals the envelope's message ID and is
// the join key across the queue, the working set and the failure log.
type Message struct {
	ID       string
	Severity Severity
	Event    EventType
	UserID   string // target user; empty means broadcast to all
	UserName string
	Payload  Payload
}

// NewNote builds a push notification targeted at userID (empty for a
// broadcast).
func NewNote(text, userID string, event EventType, severity Severity) *Message {
	return &Message{
		ID:       uuid.New().String(),
		Severity: severity,
		Event:    event,
		UserID:   userID,
		Payload:  Note{Text: text},
	}
}

// NewMailDelivery wraps a composed envelope. The message inherits the
// envelope's stable ID so retries and failure records line up.
func NewMailDelivery(env *mail.Envelope, userID string) *Message {
	return &Message{
		ID:       env.MessageID,
		Severity: SeverityInfo,
		Event:    EventUnspecified,
		UserID:   userID,
		Payload:  MailDelivery{Envelope: env},
	}
}

// OutgoingMessage is the serializable form of a mail message, persisted
// inside a failure-log record so the delivery can be reconstructed after a
// process restart without the original composition context.
type OutgoingMessage struct {
	MessageID string `json:"messageId"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	From      string `json:"from"`
	To        string `json:"to"` // comma-delimited address list
}

// EncodeOutgoing serializes an envelope for failure-log storage.
func EncodeOutgoing(env *mail.Envelope) (string, error) {
	data, err := json.Marshal(OutgoingMessage{
		MessageID: env.MessageID,
		Subject:   env.Subject,
		Body:      env.Body,
		From:      env.From,
		To:        mail.JoinAddressList(env.To),
	})
	if err != nil {
		return "", fmt.Errorf("failed to serialize outgoing message: %w", err)
	}
	return string(data), nil
}

// DecodeOutgoing reconstructs an envelope from a persisted record,
// preserving the original message ID.
func DecodeOutgoing(state string) (*mail.Envelope, error) {
	var o OutgoingMessage
	if err := json.Unmarshal([]byte(state), &o); err != nil {
		return nil, fmt.Errorf("failed to deserialize outgoing message: %w", err)
	}
	if o.MessageID == "" {
		return nil, fmt.Errorf("persisted outgoing message has no message id")
	}
	return &mail.Envelope{
		MessageID: o.MessageID,
		Subject:   o.Subject,
		Body:      o.Body,
		From:      o.From,
		To:        mail.SplitAddressList(o.To),
	}, nil
}
