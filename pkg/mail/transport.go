package mail

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Config holds the mutable SMTP transport configuration. It can be
// hot-swapped at runtime when the application's e-mail settings change.
type Config struct {
	Host         string
	Port         int
	Username     string
	Password     string
	RequiresAuth bool
	UseTLS       bool
}

// Validate checks that the configuration is usable for delivery.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Host, validation.Required),
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
		validation.Field(&c.Username, validation.Required.When(c.RequiresAuth)),
	)
}

// Addr returns the host:port dial address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Callbacks carries the per-batch delivery callbacks. Each invocation
// applies to the subset of the submitted batch it carries; a single Send
// may invoke both callbacks (partial success).
type Callbacks struct {
	OnSuccess func(ctx context.Context, msgs []*Envelope)
	OnFailure func(ctx context.Context, err error, msgs []*Envelope)
}

// Transport delivers batches of composed e-mails. Implementations must
// invoke the callbacks for every message in the batch before Send returns,
// so callers can rely on their in-flight bookkeeping being settled once
// Send completes. The returned error covers batch-level problems only
// (missing configuration, cancellation); per-message outcomes are reported
// through the callbacks.
type Transport interface {
	Send(ctx context.Context, batch []*Envelope, cb Callbacks) error
	SetConfig(cfg Config)
	Config() *Config
}
