package models

import (
	"time"

	"gorm.io/gorm"
)

// Setting keys.
const (
	SettingEmail = "email"
)

// AppSetting is a mutable application setting stored as a JSON document
// under a well-known key.
type AppSetting struct {
	ID uint `gorm:"primaryKey" json:"id"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Key   string `gorm:"uniqueIndex;not null;size:255" json:"key"`
	Value string `gorm:"type:text" json:"value"`
}

// TableName specifies the table name for GORM.
func (AppSetting) TableName() string {
	return "app_settings"
}

// Get retrieves a setting by key.
func (s *AppSetting) Get(db *gorm.DB) error {
	return db.First(s, "key = ?", s.Key).Error
}

// Upsert creates the setting or replaces its value.
func (s *AppSetting) Upsert(db *gorm.DB) error {
	var existing AppSetting
	if err := db.First(&existing, "key = ?", s.Key).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return db.Create(s).Error
		}
		return err
	}
	existing.Value = s.Value
	if err := db.Save(&existing).Error; err != nil {
		return err
	}
	*s = existing
	return nil
}
