package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdesk-forge/helpdesk/pkg/settings"
)

func TestSettingsEnsureSeedsDefaults(t *testing.T) {
	ctx := context.Background()
	s := NewSettings(openTestDB(t))

	_, err := s.Email(ctx)
	require.Error(t, err, "nothing stored yet")

	require.NoError(t, s.Ensure(ctx))
	email, err := s.Email(ctx)
	require.NoError(t, err)
	assert.False(t, email.Notifications.Enabled, "notifications default to off until configured")
	assert.NotEmpty(t, email.Templates.TicketConfirmation.Subject)

	// Ensure is idempotent.
	require.NoError(t, s.Ensure(ctx))
}

func TestSettingsSaveAndReload(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := NewSettings(db)

	email := settings.Default()
	email.SMTP.ServerAddress = "smtp.example.com"
	email.SMTP.ServerPort = 465
	email.SMTP.UseSSL = true
	email.Outgoing.From = "helpdesk@example.com"
	email.Notifications.Enabled = true
	require.NoError(t, s.Save(ctx, email))

	got, err := s.Email(ctx)
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com", got.SMTP.ServerAddress)
	assert.True(t, got.Notifications.Enabled)

	// A second provider over the same database sees the stored value.
	other := NewSettings(db)
	got, err = other.Email(ctx)
	require.NoError(t, err)
	assert.Equal(t, 465, got.SMTP.ServerPort)
}

func TestSettingsSaveRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	s := NewSettings(openTestDB(t))

	email := settings.Default()
	email.Notifications.Enabled = true // enabled but no From address
	assert.Error(t, s.Save(ctx, email))
}

func TestSettingsCacheAndInvalidate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	s := NewSettings(db)
	require.NoError(t, s.Ensure(ctx))

	first, err := s.Email(ctx)
	require.NoError(t, err)

	// Another writer changes the stored value behind this provider's back.
	writer := NewSettings(db)
	changed := settings.Default()
	changed.SMTP.ServerAddress = "smtp.changed.example.com"
	changed.SMTP.ServerPort = 25
	require.NoError(t, writer.Save(ctx, changed))

	cached, err := s.Email(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.SMTP.ServerAddress, cached.SMTP.ServerAddress, "cache still serves the old value")

	s.Invalidate()
	fresh, err := s.Email(ctx)
	require.NoError(t, err)
	assert.Equal(t, "smtp.changed.example.com", fresh.SMTP.ServerAddress)
}

func TestSettingsEmailReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewSettings(openTestDB(t))
	require.NoError(t, s.Ensure(ctx))

	a, err := s.Email(ctx)
	require.NoError(t, err)
	a.SMTP.ServerAddress = "mutated.example.com"

	b, err := s.Email(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated.example.com", b.SMTP.ServerAddress)
}
