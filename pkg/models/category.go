package models

import (
	"time"

	"gorm.io/gorm"
)

// Category groups tickets for routing and reporting.
type Category struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Name string `gorm:"uniqueIndex;not null;size:255" json:"name"`

	// ForTechsOnly hides the category from customers.
	ForTechsOnly bool `json:"for_techs_only"`
}

// TableName specifies the table name for GORM.
func (Category) TableName() string {
	return "categories"
}

// Get retrieves a category by ID.
func (c *Category) Get(db *gorm.DB) error {
	return db.First(c, "id = ?", c.ID).Error
}

// Create creates a new category in the database.
func (c *Category) Create(db *gorm.DB) error {
	return db.Create(c).Error
}
