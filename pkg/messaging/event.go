package messaging

import "fmt"

// UserSnapshot carries the user fields notification processing needs,
// copied at event-fire time. Events may be processed after the originating
// request's data session has ended, so no live entities cross this
// boundary.
type UserSnapshot struct {
	ID             string
	UserName       string
	FirstName      string
	LastName       string
	Email          string
	EmailConfirmed bool
	SendEmail      bool
	IsTech         bool
	IsAdmin        bool
}

// FullName returns the display name, falling back to the user name.
func (u UserSnapshot) FullName() string {
	switch {
	case u.FirstName != "" && u.LastName != "":
		return u.FirstName + " " + u.LastName
	case u.FirstName != "":
		return u.FirstName
	case u.LastName != "":
		return u.LastName
	default:
		return u.UserName
	}
}

// Address returns the user's e-mail in "Name <addr>" form.
func (u UserSnapshot) Address() string {
	if name := u.FullName(); name != "" && name != u.Email {
		return fmt.Sprintf("%s <%s>", name, u.Email)
	}
	return u.Email
}

// CanReceiveEmail reports whether notification mail may be sent to the
// user.
func (u UserSnapshot) CanReceiveEmail() bool {
	return u.SendEmail && u.EmailConfirmed && u.Email != ""
}

// IssueSnapshot carries the ticket fields notification processing needs.
type IssueSnapshot struct {
	ID         int
	Subject    string
	Body       string
	Owner      UserSnapshot
	AssigneeID string

	// UpdatedByOwner is set when the change was made by the ticket
	// submitter rather than a technician.
	UpdatedByOwner bool

	// ForTechView marks an update that should reach all technicians
	// regardless of the notify-techs-on-customer-update toggle.
	ForTechView bool
}

// Event is a fired domain event plus the snapshots the producers need.
// Events are values; publishing one hands over no shared mutable state.
type Event struct {
	Type  EventType
	Actor UserSnapshot

	// Issue is set for issue.* events.
	Issue *IssueSnapshot

	// Name is the subject entity's display name for user.* and category.*
	// events.
	Name string
}
