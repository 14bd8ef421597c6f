// Package settings models the application's e-mail configuration tree as it
// is persisted in the mutable application-settings store: SMTP transport,
// outgoing addresses, notification toggles and per-event templates.
package settings

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// SMTP holds the outbound mail server settings.
type SMTP struct {
	ServerAddress string `json:"serverAddress"`
	ServerPort    int    `json:"serverPort"`
	RequiresAuth  bool   `json:"requiresAuth"`
	UserName      string `json:"userName"`
	Password      string `json:"password"`
	UseSSL        bool   `json:"useSsl"`
}

// Validate checks the SMTP block.
func (s SMTP) Validate() error {
	return validation.ValidateStruct(&s,
		validation.Field(&s.ServerAddress, validation.Required),
		validation.Field(&s.ServerPort, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&s.UserName, validation.Required.When(s.RequiresAuth)),
	)
}

// Outgoing holds the sender identity used for composed notifications.
type Outgoing struct {
	From              string `json:"from"`
	FromDisplay       string `json:"fromDisplay"`
	ReplyTo           string `json:"replyTo"`
	UseFromNameForAll bool   `json:"useFromNameForAll"`
}

// Sender returns the display form of the outgoing address.
func (o Outgoing) Sender() string {
	if o.FromDisplay != "" && !strings.Contains(o.FromDisplay, "<") {
		return o.FromDisplay + " <" + o.From + ">"
	}
	if o.FromDisplay != "" {
		return o.FromDisplay
	}
	return o.From
}

// Notifications holds the toggles that control who gets notified on which
// ticket event. Each field describes how the application should behave, not
// what it currently does.
type Notifications struct {
	// Enabled is the master switch for all outgoing e-mail notifications.
	Enabled bool `json:"enabled"`

	// TicketConfirmation sends the submitter a confirmation when their
	// ticket is received.
	TicketConfirmation bool `json:"ticketConfirmation"`

	// TicketClosed notifies the submitter when their ticket is closed.
	TicketClosed bool `json:"ticketClosed"`

	// NotifyAllAdmins notifies administrators about every created ticket.
	NotifyAllAdmins bool `json:"notifyAllAdmins"`

	// NotifyTechs notifies technicians about new tickets in their
	// categories.
	NotifyTechs bool `json:"notifyTechs"`

	// NotifyAllTechsOnCustomerUpdate notifies all technicians when a
	// customer updates a ticket, assigned or not.
	NotifyAllTechsOnCustomerUpdate bool `json:"notifyAllTechsOnCustomerUpdate"`

	// NotifyAllTechsOnTechTakeOver notifies other technicians when someone
	// takes over a ticket, to prevent collisions.
	NotifyAllTechsOnTechTakeOver bool `json:"notifyAllTechsOnTechTakeOver"`
}

// Template is a subject/body pair with #Token# placeholders.
type Template struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Expand substitutes #Key# placeholders in both subject and body.
func (t Template) Expand(vars map[string]string) (subject, body string) {
	subject, body = t.Subject, t.Body
	for k, v := range vars {
		token := "#" + k + "#"
		subject = strings.ReplaceAll(subject, token, v)
		body = strings.ReplaceAll(body, token, v)
	}
	return subject, body
}

// Templates holds the per-event e-mail templates.
type Templates struct {
	// TicketConfirmation is sent to the submitter after their ticket is
	// received.
	TicketConfirmation Template `json:"ticketConfirmation"`

	// NewTicket is sent to technicians and administrators when a ticket
	// arrives.
	NewTicket Template `json:"newTicket"`

	// TicketUpdated is sent to interested parties when a ticket changes.
	TicketUpdated Template `json:"ticketUpdated"`

	// TicketClosed is sent to the submitter when their ticket is closed.
	TicketClosed Template `json:"ticketClosed"`
}

// Email is the full settings tree stored as one application setting.
type Email struct {
	SMTP          SMTP          `json:"smtp"`
	Outgoing      Outgoing      `json:"outgoing"`
	Notifications Notifications `json:"notifications"`
	Templates     Templates     `json:"templates"`
}

// Validate checks the whole tree. Notification toggles need no validation;
// any combination is legal.
func (e Email) Validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.SMTP),
		validation.Field(&e.Outgoing, validation.By(func(interface{}) error {
			if e.Notifications.Enabled && e.Outgoing.From == "" {
				return validation.NewError("outgoing_from_required",
					"an outgoing From address is required when notifications are enabled")
			}
			return nil
		})),
	)
}

// Default returns the settings used until an administrator configures the
// system.
func Default() *Email {
	return &Email{
		SMTP: SMTP{ServerPort: 25},
		Templates: Templates{
			TicketConfirmation: Template{
				Subject: "Ticket received: #Subject#",
				Body:    "<p>We received your ticket #Ticket_number#.</p><p>#Body#</p>",
			},
			NewTicket: Template{
				Subject: "New ticket: #Subject#",
				Body:    "<p>Ticket #Ticket_number# was submitted.</p><p>#Body#</p>",
			},
			TicketUpdated: Template{
				Subject: "Ticket updated: #Subject#",
				Body:    "<p>#What_happened#</p>#Recent_comments#",
			},
			TicketClosed: Template{
				Subject: "Ticket closed: #Subject#",
				Body:    "<p>#What_happened#</p>",
			},
		},
	}
}
