package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"github.com/helpdesk-forge/helpdesk/pkg/mail"
	"github.com/helpdesk-forge/helpdesk/pkg/settings"
)

// FailureRecord is the durable trace of a mail message that failed to
// send. At most one record exists per message ID at any time; the record
// survives process restarts and is the sole durability mechanism for
// in-flight mail.
type FailureRecord struct {
	MessageID   string
	UserID      string
	Description string
	EventType   EventType
	ObjectState string // serialized OutgoingMessage
	Attempts    int
	NextRetryAt time.Time
	Date        time.Time
}

// FailureLog is the persistence boundary for failure records.
type FailureLog interface {
	Add(ctx context.Context, rec *FailureRecord) error
	Remove(ctx context.Context, messageID string) error
	Contains(ctx context.Context, messageID string) (bool, error)

	// Due returns records whose retry time has passed and whose attempt
	// count is below maxAttempts. Exhausted records stay put as dead
	// letters.
	Due(ctx context.Context, now time.Time, maxAttempts int) ([]*FailureRecord, error)

	// Reschedule bumps a record's attempt count and next retry time.
	Reschedule(ctx context.Context, messageID string, attempts int, next time.Time) error
}

// SettingsProvider supplies the current e-mail configuration. The backing
// application setting is mutable at runtime; the dispatcher resyncs when a
// configuration-updated event fires.
type SettingsProvider interface {
	Email(ctx context.Context) (*settings.Email, error)
}

// Broadcaster pushes a notification to all connected real-time clients.
// Failures are the caller's problem to tolerate.
type Broadcaster interface {
	Broadcast(ctx context.Context, m *Message) error
}

// workItem tracks one mail message submitted to the transport but not yet
// acknowledged.
type workItem struct {
	env    *mail.Envelope
	userID string
}

// DispatcherConfig bundles the dispatcher's tunables.
type DispatcherConfig struct {
	Options Options
	Retry   RetryPolicy

	// Now is the clock; tests substitute it. Defaults to time.Now.
	Now func() time.Time
}

// Dispatcher owns the one queue, the one mail transport and the one
// broadcast channel. Each dispatch pass requeues due failure records,
// drains the queue, broadcasts notes and batch-submits mail. It is built
// once at startup and injected wherever needed; there is no package-level
// instance.
type Dispatcher struct {
	*Consumer

	log         hclog.Logger
	transport   mail.Transport
	failures    FailureLog
	settings    SettingsProvider
	broadcaster Broadcaster
	retry       RetryPolicy
	now         func() time.Time

	cfgMu sync.Mutex
	cfgOK bool

	// mu guards the in-flight bookkeeping. Callbacks fire inside the
	// transport's Send call, but nothing stops an implementation from
	// using goroutines internally.
	mu         sync.Mutex
	workingSet map[string]workItem
	attempts   map[string]int // message id -> failures so far; cleared on success
	errLogged  bool           // top-level transport error logged this pass
}

// NewDispatcher wires the dispatcher and its consumer together.
func NewDispatcher(
	log hclog.Logger,
	transport mail.Transport,
	failures FailureLog,
	sp SettingsProvider,
	broadcaster Broadcaster,
	cfg DispatcherConfig,
) *Dispatcher {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	d := &Dispatcher{
		Consumer:    NewConsumer(log.Named("consumer"), cfg.Options),
		log:         log,
		transport:   transport,
		failures:    failures,
		settings:    sp,
		broadcaster: broadcaster,
		retry:       cfg.Retry,
		now:         cfg.Now,
		workingSet:  map[string]workItem{},
		attempts:    map[string]int{},
	}
	d.Consumer.Bind(d)
	return d
}

// Start launches the background worker and requests an immediate pass so
// e-mails left unsent by a previous process are requeued right away.
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.Consumer.Start(ctx); err != nil {
		return err
	}
	d.Notify()
	return nil
}

// HandleEvent lets the dispatcher react to domain events published on the
// bus. A configuration update invalidates the cached transport settings.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev Event) {
	if ev.Type != EventEmailConfigUpdated {
		return
	}
	d.log.Info("e-mail configuration changed, resyncing transport settings")
	d.cfgMu.Lock()
	d.cfgOK = false
	d.cfgMu.Unlock()
	d.syncSettings(ctx)
}

// Flush performs one dispatch pass. The single-flight guard lives in the
// consumer; Flush itself assumes it is the only pass running.
func (d *Dispatcher) Flush(ctx context.Context) error {
	d.mu.Lock()
	d.errLogged = false
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.workingSet = map[string]workItem{}
		d.mu.Unlock()
	}()

	d.requeueFailed(ctx)

	var (
		batch          []*mail.Envelope
		broadcastErred bool
		errs           *multierror.Error
	)
	for _, m := range d.DequeueAll() {
		if ctx.Err() != nil {
			// Items already drained but not yet processed are dropped for
			// this pass; mail items are captured as encountered, so only
			// notes can be lost here.
			break
		}
		switch p := m.Payload.(type) {
		case MailDelivery:
			d.track(p.Envelope, m.UserID)
			batch = append(batch, p.Envelope)
		case Note:
			if err := d.broadcaster.Broadcast(ctx, m); err != nil {
				if !broadcastErred {
					d.log.Warn("error broadcasting message to connected clients", "error", err)
					broadcastErred = true
				}
				errs = multierror.Append(errs, err)
			}
		}
	}

	if ctx.Err() == nil && len(batch) > 0 {
		d.cfgMu.Lock()
		synced := d.cfgOK
		d.cfgMu.Unlock()
		if !synced {
			d.syncSettings(ctx)
		}

		d.log.Info("dispatching e-mails", "count", len(batch))
		if err := d.transport.Send(ctx, batch, mail.Callbacks{
			OnSuccess: d.handleSuccess,
			OnFailure: d.handleFailure,
		}); err != nil {
			errs = multierror.Append(errs, err)
		}
		d.log.Debug("done dispatching e-mails")
	}

	return errs.ErrorOrNil()
}

func (d *Dispatcher) track(env *mail.Envelope, userID string) {
	d.mu.Lock()
	d.workingSet[env.MessageID] = workItem{env: env, userID: userID}
	d.mu.Unlock()
}

// requeueFailed reconstructs previously failed e-mails from the durable
// log and puts them back on the queue. Corrupt records are logged once per
// pass and left in place for inspection.
func (d *Dispatcher) requeueFailed(ctx context.Context) {
	recs, err := d.failures.Due(ctx, d.now(), d.retry.MaxAttempts)
	if err != nil {
		d.log.Error("could not retrieve the failed stored e-mails", "error", err)
		return
	}

	firstError := true
	for _, rec := range recs {
		if d.queued(rec.MessageID) {
			continue
		}
		env, err := DecodeOutgoing(rec.ObjectState)
		if err != nil {
			if firstError {
				d.log.Warn("error reconstructing stored e-mail", "message_id", rec.MessageID, "error", err)
				firstError = false
			}
			continue
		}
		d.mu.Lock()
		d.attempts[env.MessageID] = rec.Attempts
		d.mu.Unlock()
		d.Enqueue(NewMailDelivery(env, rec.UserID))
	}
}

// queued reports whether a mail message with the given ID is already
// buffered, so a durable requeue never duplicates an in-memory retry.
func (d *Dispatcher) queued(messageID string) bool {
	d.Consumer.mu.Lock()
	defer d.Consumer.mu.Unlock()
	for _, m := range d.Consumer.buf {
		if m.ID == messageID {
			if _, ok := m.Payload.(MailDelivery); ok {
				return true
			}
		}
	}
	return false
}

// handleSuccess settles delivered messages: failure bookkeeping and the
// durable record are dropped and the owning user gets a success note.
func (d *Dispatcher) handleSuccess(ctx context.Context, msgs []*mail.Envelope) {
	for _, env := range msgs {
		id := env.MessageID

		d.mu.Lock()
		item, inFlight := d.workingSet[id]
		delete(d.workingSet, id)
		delete(d.attempts, id)
		d.mu.Unlock()

		if err := d.failures.Remove(ctx, id); err != nil {
			d.log.Warn("could not remove failed e-mail log entry", "message_id", id, "error", err)
		}
		if !inFlight {
			continue
		}

		note := NewNote("E-mail sent successfully.", item.userID, EventEmailSendSuccess, SeveritySuccess)
		note.ID = id
		d.Enqueue(note)
	}
}

// handleFailure requeues failed messages for retry and records each one
// durably, at most one record per message ID. The top-level transport
// error is logged once per pass; each message still gets its own record
// and retry.
func (d *Dispatcher) handleFailure(ctx context.Context, sendErr error, msgs []*mail.Envelope) {
	d.mu.Lock()
	if !d.errLogged {
		d.log.Error("could not send an e-mail batch; messages have been requeued", "error", sendErr)
		d.errLogged = true
	}
	d.mu.Unlock()

	for _, env := range msgs {
		id := env.MessageID

		d.mu.Lock()
		item, inFlight := d.workingSet[id]
		prev := d.attempts[id]
		d.mu.Unlock()

		if !inFlight {
			// The transport reported an ID we never submitted. Tolerated.
			d.log.Debug("failure callback for unknown message id", "message_id", id)
			continue
		}

		if prev == 0 {
			d.recordFailure(ctx, item, sendErr)
			// First failure retries on the very next pass.
			d.Enqueue(NewMailDelivery(item.env, item.userID))

			note := NewNote(
				fmt.Sprintf("Could not send an e-mail. The message has been requeued.\n%v", sendErr),
				item.userID, EventEmailSendFailed, SeverityError)
			note.ID = id
			d.Enqueue(note)

			d.mu.Lock()
			d.attempts[id] = 1
			d.mu.Unlock()
			continue
		}

		// Repeat failure: the durable schedule drives the next retry.
		n := prev + 1
		d.mu.Lock()
		d.attempts[id] = n
		d.mu.Unlock()

		if d.retry.Exhausted(n) {
			d.log.Warn("e-mail retry budget exhausted; leaving dead letter", "message_id", id, "attempts", n)
		}
		if err := d.failures.Reschedule(ctx, id, n, d.now().Add(d.retry.Backoff(n))); err != nil {
			d.log.Error("could not reschedule failed e-mail", "message_id", id, "error", err)
		}
	}
}

// recordFailure writes the at-most-one durable record for a newly failed
// message. A lookup guards against duplicates even across restarts.
func (d *Dispatcher) recordFailure(ctx context.Context, item workItem, sendErr error) {
	id := item.env.MessageID

	exists, err := d.failures.Contains(ctx, id)
	if err != nil {
		d.log.Error("error checking the e-mail failure log", "message_id", id, "error", err)
		return
	}
	if exists {
		return
	}

	state, err := EncodeOutgoing(item.env)
	if err != nil {
		d.log.Error("error serializing failed e-mail", "message_id", id, "error", err)
		return
	}
	rec := &FailureRecord{
		MessageID:   id,
		UserID:      item.userID,
		Description: fmt.Sprintf("Could not send an e-mail: %v", sendErr),
		EventType:   EventEmailSendFailed,
		ObjectState: state,
		Attempts:    1,
		NextRetryAt: d.now().Add(d.retry.Backoff(1)),
		Date:        d.now(),
	}
	if err := d.failures.Add(ctx, rec); err != nil {
		d.log.Error("error adding e-mail failure log entry", "message_id", id, "error", err)
	}
}

// syncSettings pulls the current e-mail settings and applies the SMTP
// block to the transport. A failure here leaves the dispatcher without
// mail capability until the settings are corrected; dispatch continues.
func (d *Dispatcher) syncSettings(ctx context.Context) {
	email, err := d.settings.Email(ctx)
	if err != nil {
		d.log.Warn("could not load e-mail settings; mail dispatch disabled until corrected", "error", err)
		return
	}
	if err := email.SMTP.Validate(); err != nil {
		d.log.Warn("e-mail settings are invalid; mail dispatch disabled until corrected", "error", err)
		return
	}

	d.transport.SetConfig(mail.Config{
		Host:         email.SMTP.ServerAddress,
		Port:         email.SMTP.ServerPort,
		Username:     email.SMTP.UserName,
		Password:     email.SMTP.Password,
		RequiresAuth: email.SMTP.RequiresAuth,
		UseTLS:       email.SMTP.UseSSL,
	})
	d.cfgMu.Lock()
	d.cfgOK = true
	d.cfgMu.Unlock()
}

// InFlight reports the number of unacknowledged mail messages. Exposed for
// tests and the health endpoint.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workingSet)
}
