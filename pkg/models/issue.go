package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/helpdesk-forge/helpdesk/pkg/messaging"
)

// IssueStatus tracks a ticket through its lifecycle.
type IssueStatus string

const (
	IssueOpen   IssueStatus = "open"
	IssueClosed IssueStatus = "closed"
)

// Issue is a help desk ticket.
type Issue struct {
	ID int `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Subject string `gorm:"not null;size:255" json:"subject"`
	Body    string `gorm:"type:text" json:"body"`

	Status IssueStatus `gorm:"type:varchar(20);not null;default:'open'" json:"status"`

	CategoryID *uint     `json:"category_id,omitempty"`
	Category   *Category `json:"category,omitempty"`

	// OwnerID is the submitting customer.
	OwnerID string `gorm:"type:uuid;not null;index" json:"owner_id"`
	Owner   *User  `gorm:"foreignKey:OwnerID" json:"owner,omitempty"`

	// AssigneeID is the tech who took the ticket over, if any.
	AssigneeID *string `gorm:"type:uuid;index" json:"assignee_id,omitempty"`
	Assignee   *User   `gorm:"foreignKey:AssigneeID" json:"assignee,omitempty"`

	Comments    []Comment         `gorm:"foreignKey:IssueID" json:"-"`
	Subscribers []IssueSubscriber `gorm:"foreignKey:IssueID" json:"-"`
}

// TableName specifies the table name for GORM.
func (Issue) TableName() string {
	return "issues"
}

// Snapshot captures the ticket for notification composition. updatedByOwner
// and forTechView describe the triggering change, not ticket state, so the
// caller supplies them.
func (i *Issue) Snapshot(updatedByOwner, forTechView bool) *messaging.IssueSnapshot {
	s := &messaging.IssueSnapshot{
		ID:             i.ID,
		Subject:        i.Subject,
		Body:           i.Body,
		UpdatedByOwner: updatedByOwner,
		ForTechView:    forTechView,
	}
	if i.Owner != nil {
		s.Owner = i.Owner.Snapshot()
	}
	if i.AssigneeID != nil {
		s.AssigneeID = *i.AssigneeID
	}
	return s
}

// Get retrieves an issue by ID with its owner and assignee preloaded.
func (i *Issue) Get(db *gorm.DB) error {
	return db.Preload("Owner").Preload("Assignee").First(i, "id = ?", i.ID).Error
}

// Create creates a new issue in the database.
func (i *Issue) Create(db *gorm.DB) error {
	return db.Create(i).Error
}

// Update updates an existing issue.
func (i *Issue) Update(db *gorm.DB) error {
	return db.Save(i).Error
}

// Delete soft-deletes an issue.
func (i *Issue) Delete(db *gorm.DB) error {
	return db.Delete(i).Error
}

// Comment is one entry in a ticket's conversation. Comments flagged for
// tech view are hidden from the submitting customer.
type Comment struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`

	IssueID int   `gorm:"not null;index" json:"issue_id"`
	Issue   Issue `json:"-"`

	AuthorID string `gorm:"type:uuid;not null" json:"author_id"`
	Author   *User  `gorm:"foreignKey:AuthorID" json:"author,omitempty"`

	Body string `gorm:"type:text;not null" json:"body"`

	ForTechView bool `json:"for_tech_view"`
}

// TableName specifies the table name for GORM.
func (Comment) TableName() string {
	return "comments"
}

// Create creates a new comment in the database.
func (c *Comment) Create(db *gorm.DB) error {
	return db.Create(c).Error
}

// IssueSubscriber subscribes a user to a ticket's e-mail updates.
type IssueSubscriber struct {
	ID uint `gorm:"primaryKey" json:"id"`

	IssueID int    `gorm:"not null;uniqueIndex:issue_subscriber_unique" json:"issue_id"`
	UserID  string `gorm:"type:uuid;not null;uniqueIndex:issue_subscriber_unique" json:"user_id"`
	User    *User  `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

// TableName specifies the table name for GORM.
func (IssueSubscriber) TableName() string {
	return "issue_subscribers"
}
