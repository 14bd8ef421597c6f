// Package producer composes the e-mails fired by ticket events, honoring
// the configured notification toggles and templates, and feeds them to the
// dispatch queue alongside the base status notifications.
package producer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hashicorp/go-hclog"

	"github.com/helpdesk-forge/helpdesk/pkg/mail"
	"github.com/helpdesk-forge/helpdesk/pkg/messaging"
	"github.com/helpdesk-forge/helpdesk/pkg/models"
	"github.com/helpdesk-forge/helpdesk/pkg/settings"
)

// recentCommentCount is how many of a ticket's newest comments ride along
// in an update mail.
const recentCommentCount = 5

// Directory answers the recipient queries composition needs.
type Directory interface {
	Admins(ctx context.Context) ([]messaging.UserSnapshot, error)
	Techs(ctx context.Context) ([]messaging.UserSnapshot, error)
	Subscribers(ctx context.Context, issueID int) ([]messaging.UserSnapshot, error)
	RecentComments(ctx context.Context, issueID, limit int, forTechView bool) ([]models.Comment, error)
}

// IssueProducer extends the base status-note producer with e-mail
// composition for ticket events.
type IssueProducer struct {
	*messaging.Producer

	log       hclog.Logger
	queue     messaging.Enqueuer
	directory Directory
	settings  messaging.SettingsProvider
	renderer  Renderer
}

// NewIssueProducer wires an issue producer. A nil renderer selects the
// default template renderer.
func NewIssueProducer(
	log hclog.Logger,
	queue messaging.Enqueuer,
	directory Directory,
	sp messaging.SettingsProvider,
	renderer Renderer,
) *IssueProducer {
	if renderer == nil {
		renderer = TemplateRenderer{}
	}
	return &IssueProducer{
		Producer:  messaging.NewProducer(log, queue),
		log:       log,
		queue:     queue,
		directory: directory,
		settings:  sp,
		renderer:  renderer,
	}
}

// Process handles one event: the base status note first, then any e-mails
// the toggles call for. Like the base producer, it never propagates a
// failure back to the operation that fired the event.
func (p *IssueProducer) Process(ctx context.Context, ev messaging.Event) {
	p.Producer.Process(ctx, ev)

	if ev.Issue == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic while composing ticket e-mails", "event", ev.Type, "panic", r)
		}
	}()

	email, err := p.settings.Email(ctx)
	if err != nil {
		p.log.Warn("e-mail settings unavailable, skipping ticket e-mails", "event", ev.Type, "error", err)
		return
	}
	if !email.Notifications.Enabled {
		return
	}

	var enqueued bool
	switch ev.Type {
	case messaging.EventIssueCreated:
		enqueued = p.onCreated(ctx, ev, email)
	case messaging.EventIssueAssigned:
		enqueued = p.onAssigned(ctx, ev, email)
	case messaging.EventIssueUpdated:
		enqueued = p.onUpdated(ctx, ev, email)
	case messaging.EventIssueClosed:
		enqueued = p.onClosed(ev, email)
	}

	if enqueued {
		p.queue.Notify()
	}
}

func (p *IssueProducer) onCreated(ctx context.Context, ev messaging.Event, email *settings.Email) bool {
	issue := ev.Issue
	var enqueued bool

	if email.Notifications.TicketConfirmation && issue.Owner.CanReceiveEmail() {
		subject, body := p.renderer.Render(email.Templates.TicketConfirmation, p.vars(ev, ""), nil)
		p.enqueueMail(email, subject, body, issue.Owner.ID, issue.Owner.Address())
		enqueued = true
	}

	staff := newRecipientSet(ev.Actor.ID, issue.Owner.ID)
	if email.Notifications.NotifyAllAdmins {
		admins, err := p.directory.Admins(ctx)
		if err != nil {
			p.log.Warn("could not list administrators for new-ticket mail", "error", err)
		} else {
			staff.add(admins...)
		}
	}
	if email.Notifications.NotifyTechs {
		techs, err := p.directory.Techs(ctx)
		if err != nil {
			p.log.Warn("could not list technicians for new-ticket mail", "error", err)
		} else {
			staff.add(techs...)
		}
	}
	if addrs := staff.addresses(); len(addrs) > 0 {
		subject, body := p.renderer.Render(email.Templates.NewTicket, p.vars(ev, ""), nil)
		p.enqueueMail(email, subject, body, "", addrs...)
		enqueued = true
	}
	return enqueued
}

func (p *IssueProducer) onAssigned(ctx context.Context, ev messaging.Event, email *settings.Email) bool {
	issue := ev.Issue
	happened := fmt.Sprintf("Ticket #%d was taken over by %s.", issue.ID, ev.Actor.FullName())
	var enqueued bool

	owner := issue.Owner
	if owner.ID != ev.Actor.ID && owner.CanReceiveEmail() && !issue.ForTechView {
		subject, body := p.renderer.Render(email.Templates.TicketUpdated, p.vars(ev, happened), nil)
		p.enqueueMail(email, subject, body, owner.ID, owner.Address())
		enqueued = true
	}

	if email.Notifications.NotifyAllTechsOnTechTakeOver {
		techs, err := p.directory.Techs(ctx)
		if err != nil {
			p.log.Warn("could not list technicians for take-over mail", "error", err)
			return enqueued
		}
		set := newRecipientSet(ev.Actor.ID, owner.ID)
		set.add(techs...)
		if addrs := set.addresses(); len(addrs) > 0 {
			subject, body := p.renderer.Render(email.Templates.TicketUpdated, p.vars(ev, happened), nil)
			p.enqueueMail(email, subject, body, "", addrs...)
			enqueued = true
		}
	}
	return enqueued
}

func (p *IssueProducer) onUpdated(ctx context.Context, ev messaging.Event, email *settings.Email) bool {
	issue := ev.Issue
	happened := fmt.Sprintf("Ticket #%d was updated by %s.", issue.ID, ev.Actor.FullName())
	var enqueued bool

	if issue.UpdatedByOwner {
		// Customer update: route to staff.
		techs, err := p.directory.Techs(ctx)
		if err != nil {
			p.log.Warn("could not list technicians for update mail", "error", err)
			return false
		}
		set := newRecipientSet(ev.Actor.ID)
		notifyAll := email.Notifications.NotifyAllTechsOnCustomerUpdate || issue.ForTechView
		for _, tech := range techs {
			if notifyAll || tech.ID == issue.AssigneeID {
				set.add(tech)
			}
		}
		if addrs := set.addresses(); len(addrs) > 0 {
			comments := p.recentComments(ctx, issue.ID, true)
			subject, body := p.renderer.Render(email.Templates.TicketUpdated, p.vars(ev, happened), comments)
			p.enqueueMail(email, subject, body, "", addrs...)
			enqueued = true
		}
		return enqueued
	}

	// Staff update: route to the customer side.
	comments := p.recentComments(ctx, issue.ID, false)

	owner := issue.Owner
	if owner.ID != ev.Actor.ID && owner.CanReceiveEmail() && !issue.ForTechView {
		subject, body := p.renderer.Render(email.Templates.TicketUpdated, p.vars(ev, happened), comments)
		p.enqueueMail(email, subject, body, owner.ID, owner.Address())
		enqueued = true
	}

	subs, err := p.directory.Subscribers(ctx, issue.ID)
	if err != nil {
		p.log.Warn("could not list subscribers for update mail", "error", err)
		return enqueued
	}
	set := newRecipientSet(ev.Actor.ID, owner.ID)
	set.add(subs...)
	if addrs := set.addresses(); len(addrs) > 0 {
		subject, body := p.renderer.Render(email.Templates.TicketUpdated, p.vars(ev, happened), comments)
		p.enqueueMail(email, subject, body, "", addrs...)
		enqueued = true
	}
	return enqueued
}

func (p *IssueProducer) onClosed(ev messaging.Event, email *settings.Email) bool {
	issue := ev.Issue
	if !email.Notifications.TicketClosed {
		return false
	}
	owner := issue.Owner
	if owner.ID == ev.Actor.ID || !owner.CanReceiveEmail() {
		return false
	}
	happened := fmt.Sprintf("Ticket #%d was closed by %s.", issue.ID, ev.Actor.FullName())
	subject, body := p.renderer.Render(email.Templates.TicketClosed, p.vars(ev, happened), nil)
	p.enqueueMail(email, subject, body, owner.ID, owner.Address())
	return true
}

func (p *IssueProducer) recentComments(ctx context.Context, issueID int, forTechView bool) []models.Comment {
	comments, err := p.directory.RecentComments(ctx, issueID, recentCommentCount, forTechView)
	if err != nil {
		p.log.Warn("could not load recent comments for update mail", "issue_id", issueID, "error", err)
		return nil
	}
	return comments
}

// vars builds the substitution map shared by all templates.
func (p *IssueProducer) vars(ev messaging.Event, happened string) map[string]string {
	issue := ev.Issue
	return map[string]string{
		"Subject":       issue.Subject,
		"Ticket_number": strconv.Itoa(issue.ID),
		"Body":          issue.Body,
		"What_happened": happened,
		"User_name":     ev.Actor.FullName(),
	}
}

func (p *IssueProducer) enqueueMail(email *settings.Email, subject, body, userID string, to ...string) {
	env := mail.NewEnvelope(subject, body, email.Outgoing.Sender(), to...)
	env.ReplyTo = mail.SplitAddressList(email.Outgoing.ReplyTo)
	p.queue.Enqueue(messaging.NewMailDelivery(env, userID))
}

// recipientSet deduplicates recipients by user ID and drops excluded users
// and anyone who cannot receive e-mail.
type recipientSet struct {
	exclude map[string]struct{}
	seen    map[string]struct{}
	addrs   []string
}

func newRecipientSet(exclude ...string) *recipientSet {
	s := &recipientSet{
		exclude: map[string]struct{}{},
		seen:    map[string]struct{}{},
	}
	for _, id := range exclude {
		s.exclude[id] = struct{}{}
	}
	return s
}

func (s *recipientSet) add(users ...messaging.UserSnapshot) {
	for _, u := range users {
		if !u.CanReceiveEmail() {
			continue
		}
		if _, ok := s.exclude[u.ID]; ok {
			continue
		}
		if _, ok := s.seen[u.ID]; ok {
			continue
		}
		s.seen[u.ID] = struct{}{}
		s.addrs = append(s.addrs, u.Address())
	}
}

func (s *recipientSet) addresses() []string {
	return s.addrs
}
