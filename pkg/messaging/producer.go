package messaging

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-hclog"
)

// Enqueuer is the slice of the consumer the producers need.
type Enqueuer interface {
	Enqueue(m *Message)
	Notify()
}

// Producer translates fired domain events into status notifications and
// hands them to the queue. Notification processing is never allowed to
// fail the business operation that fired the event: Process catches and
// logs everything.
type Producer struct {
	log   hclog.Logger
	queue Enqueuer
}

// NewProducer returns a producer feeding the given queue.
func NewProducer(log hclog.Logger, queue Enqueuer) *Producer {
	return &Producer{log: log, queue: queue}
}

// Process turns one event into its status notification, if any, and
// requests a dispatch pass. Safe to call concurrently for unrelated
// events.
func (p *Producer) Process(ctx context.Context, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic while producing notification", "event", ev.Type, "panic", r)
		}
	}()
	_ = ctx

	if ev.Type == EventUnspecified {
		return
	}

	text, severity := statusText(ev)
	if text == "" {
		return
	}

	p.queue.Enqueue(NewNote(text, ev.Actor.ID, ev.Type, severity))
	p.queue.Notify()
}

// statusText maps an event to the broadcast status line shown in the
// client's activity feed.
func statusText(ev Event) (string, Severity) {
	name := ev.Actor.UserName
	if ev.Name != "" {
		name = ev.Name
	}

	issueID := 0
	if ev.Issue != nil {
		issueID = ev.Issue.ID
	}

	switch ev.Type {
	case EventLoginFailure:
		return fmt.Sprintf("Failed login attempt for %s.", name), SeverityWarn
	case EventLoginSuccess:
		return fmt.Sprintf("%s logged in.", name), SeverityInfo
	case EventLogout:
		return fmt.Sprintf("%s logged out.", name), SeverityInfo
	case EventIssueCreated:
		return fmt.Sprintf("%s submitted a new ticket.", ev.Actor.UserName), SeverityInfo
	case EventIssueAssigned:
		return fmt.Sprintf("Ticket #%d was taken over by %s.", issueID, ev.Actor.UserName), SeverityInfo
	case EventIssueUpdated:
		return fmt.Sprintf("Ticket #%d was updated by %s.", issueID, ev.Actor.UserName), SeverityInfo
	case EventIssueClosed:
		return fmt.Sprintf("Ticket #%d was closed by %s.", issueID, ev.Actor.UserName), SeverityInfo
	case EventIssueReopened:
		return fmt.Sprintf("%s reopened a ticket.", ev.Actor.UserName), SeverityInfo
	case EventIssueDeleted:
		return fmt.Sprintf("%s deleted a ticket.", ev.Actor.UserName), SeverityWarn
	case EventUserRegistered:
		return fmt.Sprintf("%s registered an account.", name), SeverityInfo
	case EventUserCreated:
		return fmt.Sprintf("Account %s was created.", name), SeveritySuccess
	case EventUserUpdated:
		return fmt.Sprintf("Account %s was updated.", name), SeveritySuccess
	case EventUserDeleted:
		return fmt.Sprintf("Account %s was deleted.", name), SeverityWarn
	case EventCategoryCreated:
		return fmt.Sprintf("Category %q was created.", name), SeveritySuccess
	case EventCategoryUpdated:
		return fmt.Sprintf("Category %q was updated.", name), SeveritySuccess
	case EventCategoryDeleted:
		return fmt.Sprintf("Category %q was deleted.", name), SeverityWarn
	case EventEmailConfigUpdated:
		return "The e-mail configuration was updated.", SeveritySuccess
	case EventEmailSendFailed:
		return "An e-mail could not be sent.", SeverityWarn
	case EventEmailSendSuccess:
		return "E-mail sent successfully.", SeveritySuccess
	default:
		return "", SeverityInfo
	}
}
