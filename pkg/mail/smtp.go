package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
)

// dialRetries is the number of additional delivery attempts made per
// message before the failure is reported through the callbacks. Transient
// connection errors are the common case on flaky SMTP relays.
const dialRetries = 2

// SMTPClient is the production Transport. Delivery is per message; the
// batch is partitioned into success and failure subsets and reported
// through the callbacks before Send returns.
type SMTPClient struct {
	log hclog.Logger

	mu  sync.RWMutex
	cfg *Config
}

// NewSMTPClient returns an unconfigured client. SetConfig must be called
// before the first Send; the dispatcher does this lazily from the settings
// provider.
func NewSMTPClient(log hclog.Logger) *SMTPClient {
	return &SMTPClient{log: log}
}

// SetConfig swaps the transport configuration.
func (c *SMTPClient) SetConfig(cfg Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = &cfg
}

// Config returns the current configuration, or nil if none has been set.
func (c *SMTPClient) Config() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cfg
}

// Send delivers the batch one message at a time. Cancellation is checked
// between messages; messages not attempted because of cancellation are
// reported as failed so the caller can requeue them.
func (c *SMTPClient) Send(ctx context.Context, batch []*Envelope, cb Callbacks) error {
	cfg := c.Config()
	if cfg == nil {
		err := fmt.Errorf("smtp transport is not configured")
		if cb.OnFailure != nil {
			cb.OnFailure(ctx, err, batch)
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		err = fmt.Errorf("invalid smtp configuration: %w", err)
		if cb.OnFailure != nil {
			cb.OnFailure(ctx, err, batch)
		}
		return err
	}

	var (
		sent    []*Envelope
		failed  []*Envelope
		lastErr error
	)
	for i, env := range batch {
		if err := ctx.Err(); err != nil {
			failed = append(failed, batch[i:]...)
			lastErr = err
			break
		}
		if err := c.send(ctx, cfg, env); err != nil {
			c.log.Debug("message delivery failed", "message_id", env.MessageID, "error", err)
			failed = append(failed, env)
			lastErr = err
			continue
		}
		sent = append(sent, env)
	}

	if len(sent) > 0 && cb.OnSuccess != nil {
		cb.OnSuccess(ctx, sent)
	}
	if len(failed) > 0 && cb.OnFailure != nil {
		cb.OnFailure(ctx, lastErr, failed)
	}
	if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
		return lastErr
	}
	return nil
}

func (c *SMTPClient) send(ctx context.Context, cfg *Config, env *Envelope) error {
	raw := buildMessage(env)

	op := func() error {
		return c.deliver(cfg, env, raw)
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), dialRetries), ctx)
	return backoff.Retry(op, bo)
}

// deliver performs one SMTP conversation for a single message.
func (c *SMTPClient) deliver(cfg *Config, env *Envelope, raw []byte) error {
	client, err := smtp.Dial(cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to connect to SMTP server: %w", err)
	}
	defer client.Close()

	if cfg.UseTLS {
		if err := client.StartTLS(&tls.Config{ServerName: cfg.Host}); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
	}

	if cfg.RequiresAuth {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP authentication failed: %w", err)
		}
	}

	from := env.From
	if addrs := SplitAddressList(from); len(addrs) > 0 {
		from = addrs[0]
	}
	if err := client.Mail(bareAddress(from)); err != nil {
		return fmt.Errorf("failed to set sender: %w", err)
	}
	for _, to := range env.To {
		if err := client.Rcpt(bareAddress(to)); err != nil {
			return fmt.Errorf("failed to set recipient %s: %w", to, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("failed to get data writer: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close data writer: %w", err)
	}
	return client.Quit()
}

// buildMessage assembles the RFC 5322 wire form, HTML body included.
func buildMessage(env *Envelope) []byte {
	headers := []string{
		fmt.Sprintf("From: %s", env.From),
		fmt.Sprintf("To: %s", JoinAddressList(env.To)),
		fmt.Sprintf("Subject: %s", env.Subject),
		fmt.Sprintf("Message-ID: <%s>", env.MessageID),
		fmt.Sprintf("Date: %s", time.Now().Format(time.RFC1123Z)),
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=UTF-8",
	}
	if len(env.ReplyTo) > 0 {
		headers = append(headers, fmt.Sprintf("Reply-To: %s", JoinAddressList(env.ReplyTo)))
	}
	return []byte(strings.Join(headers, "\r\n") + "\r\n\r\n" + env.Body)
}

// bareAddress strips an optional display name from "Name <addr>" forms.
func bareAddress(s string) string {
	if i := strings.IndexByte(s, '<'); i >= 0 {
		if j := strings.IndexByte(s[i:], '>'); j > 0 {
			return s[i+1 : i+j]
		}
	}
	return strings.TrimSpace(s)
}
