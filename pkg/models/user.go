package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/helpdesk-forge/helpdesk/pkg/messaging"
)

// Role partitions the user base for notification routing.
type Role string

const (
	RoleUser  Role = "user"
	RoleTech  Role = "tech"
	RoleAdmin Role = "admin"
)

// User is a help desk account: a customer submitting tickets or a member
// of staff working them.
type User struct {
	// ID is the unique account identifier (UUID).
	ID string `gorm:"type:uuid;primaryKey" json:"id"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	UserName  string `gorm:"uniqueIndex;not null;size:255" json:"user_name"`
	FirstName string `gorm:"size:255" json:"first_name"`
	LastName  string `gorm:"size:255" json:"last_name"`

	Email          string `gorm:"size:255" json:"email"`
	EmailConfirmed bool   `json:"email_confirmed"`

	// SendEmail is the per-user opt-out for e-mail notifications.
	SendEmail bool `gorm:"default:true" json:"send_email"`

	Role Role `gorm:"type:varchar(20);not null;default:'user'" json:"role"`
}

// TableName specifies the table name for GORM.
func (User) TableName() string {
	return "users"
}

// BeforeCreate hook to generate UUID if not set.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	return nil
}

// FullName returns "First Last", falling back to the user name.
func (u *User) FullName() string {
	full := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if full == "" {
		return u.UserName
	}
	return full
}

// IsStaff reports whether the account works tickets.
func (u *User) IsStaff() bool {
	return u.Role == RoleTech || u.Role == RoleAdmin
}

// Snapshot captures the notification-relevant fields as an immutable value
// object. Producers hold snapshots, never live records, so a concurrent
// account update cannot change a message after it was composed.
func (u *User) Snapshot() messaging.UserSnapshot {
	return messaging.UserSnapshot{
		ID:             u.ID,
		UserName:       u.UserName,
		FirstName:      u.FirstName,
		LastName:       u.LastName,
		Email:          u.Email,
		EmailConfirmed: u.EmailConfirmed,
		SendEmail:      u.SendEmail,
		IsTech:         u.Role == RoleTech,
		IsAdmin:        u.Role == RoleAdmin,
	}
}

// Get retrieves a user by ID.
func (u *User) Get(db *gorm.DB) error {
	return db.First(u, "id = ?", u.ID).Error
}

// Create creates a new user in the database.
func (u *User) Create(db *gorm.DB) error {
	return db.Create(u).Error
}

// Update updates an existing user.
func (u *User) Update(db *gorm.DB) error {
	return db.Save(u).Error
}

// Delete soft-deletes a user.
func (u *User) Delete(db *gorm.DB) error {
	return db.Delete(u).Error
}
