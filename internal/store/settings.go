package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"

	"github.com/helpdesk-forge/helpdesk/pkg/models"
	"github.com/helpdesk-forge/helpdesk/pkg/settings"
)

// Settings serves the mutable e-mail configuration from the app_settings
// table with an in-process cache. It implements messaging.SettingsProvider.
// Save and Invalidate keep the cache coherent in-process; cross-process
// coherence rides on the configuration-updated event.
type Settings struct {
	db *gorm.DB

	mu     sync.Mutex
	cached *settings.Email
}

// NewSettings returns a settings provider backed by db.
func NewSettings(db *gorm.DB) *Settings {
	return &Settings{db: db}
}

// Email returns the current e-mail configuration.
func (s *Settings) Email(ctx context.Context) (*settings.Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		cp := *s.cached
		return &cp, nil
	}

	row := models.AppSetting{Key: models.SettingEmail}
	if err := row.Get(s.db.WithContext(ctx)); err != nil {
		return nil, fmt.Errorf("failed to load e-mail settings: %w", err)
	}

	var email settings.Email
	if err := json.Unmarshal([]byte(row.Value), &email); err != nil {
		return nil, fmt.Errorf("failed to parse e-mail settings: %w", err)
	}

	s.cached = &email
	cp := email
	return &cp, nil
}

// Save persists a new e-mail configuration and refreshes the cache. The
// caller is expected to publish a configuration-updated event afterwards.
func (s *Settings) Save(ctx context.Context, email *settings.Email) error {
	if err := email.Validate(); err != nil {
		return fmt.Errorf("invalid e-mail settings: %w", err)
	}
	data, err := json.Marshal(email)
	if err != nil {
		return fmt.Errorf("failed to serialize e-mail settings: %w", err)
	}

	row := models.AppSetting{Key: models.SettingEmail, Value: string(data)}
	if err := row.Upsert(s.db.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to save e-mail settings: %w", err)
	}

	s.mu.Lock()
	cp := *email
	s.cached = &cp
	s.mu.Unlock()
	return nil
}

// Invalidate drops the cache; the next read hits the database.
func (s *Settings) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// Ensure seeds the default configuration if none is stored yet.
func (s *Settings) Ensure(ctx context.Context) error {
	row := models.AppSetting{Key: models.SettingEmail}
	err := row.Get(s.db.WithContext(ctx))
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("failed to check e-mail settings: %w", err)
	}

	data, err := json.Marshal(settings.Default())
	if err != nil {
		return fmt.Errorf("failed to serialize default e-mail settings: %w", err)
	}
	row.Value = string(data)
	if err := row.Upsert(s.db.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to seed default e-mail settings: %w", err)
	}
	return nil
}
