package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helpdesk-forge/helpdesk/pkg/mail"
	"github.com/helpdesk-forge/helpdesk/pkg/settings"
)

// memFailureLog is an in-memory FailureLog for dispatcher tests.
type memFailureLog struct {
	mu   sync.Mutex
	recs map[string]*FailureRecord

	addErr    error
	removeErr error
	dueErr    error
}

func newMemFailureLog() *memFailureLog {
	return &memFailureLog{recs: map[string]*FailureRecord{}}
}

func (l *memFailureLog) Add(ctx context.Context, rec *FailureRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.addErr != nil {
		return l.addErr
	}
	if _, ok := l.recs[rec.MessageID]; ok {
		return fmt.Errorf("duplicate failure record for %s", rec.MessageID)
	}
	cp := *rec
	l.recs[rec.MessageID] = &cp
	return nil
}

func (l *memFailureLog) Remove(ctx context.Context, messageID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.removeErr != nil {
		return l.removeErr
	}
	delete(l.recs, messageID)
	return nil
}

func (l *memFailureLog) Contains(ctx context.Context, messageID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.recs[messageID]
	return ok, nil
}

func (l *memFailureLog) Due(ctx context.Context, now time.Time, maxAttempts int) ([]*FailureRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.dueErr != nil {
		return nil, l.dueErr
	}
	var out []*FailureRecord
	for _, rec := range l.recs {
		if rec.Attempts < maxAttempts && !rec.NextRetryAt.After(now) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *memFailureLog) Reschedule(ctx context.Context, messageID string, attempts int, next time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.recs[messageID]
	if !ok {
		return fmt.Errorf("no failure record for %s", messageID)
	}
	rec.Attempts = attempts
	rec.NextRetryAt = next
	return nil
}

func (l *memFailureLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.recs)
}

func (l *memFailureLog) get(id string) *FailureRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.recs[id]; ok {
		cp := *rec
		return &cp
	}
	return nil
}

// staticSettings serves a fixed e-mail configuration.
type staticSettings struct {
	mu    sync.Mutex
	email *settings.Email
	err   error
	calls int
}

func (s *staticSettings) Email(ctx context.Context) (*settings.Email, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.email
	return &cp, nil
}

// memBroadcaster records every pushed message.
type memBroadcaster struct {
	mu   sync.Mutex
	msgs []*Message
	err  error
}

func (b *memBroadcaster) Broadcast(ctx context.Context, m *Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.msgs = append(b.msgs, m)
	return nil
}

func (b *memBroadcaster) byEvent(ev EventType) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Message
	for _, m := range b.msgs {
		if m.Event == ev {
			out = append(out, m)
		}
	}
	return out
}

// fakeClock is an adjustable clock injected through DispatcherConfig.Now.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func validEmailSettings() *settings.Email {
	e := settings.Default()
	e.SMTP.ServerAddress = "smtp.example.com"
	e.SMTP.ServerPort = 587
	e.Outgoing.From = "helpdesk@example.com"
	e.Notifications.Enabled = true
	return e
}

type dispatcherFixture struct {
	d         *Dispatcher
	transport *mail.ScriptedTransport
	failures  *memFailureLog
	settings  *staticSettings
	bcast     *memBroadcaster
	clock     *fakeClock
}

func newDispatcherFixture(t *testing.T, retry RetryPolicy) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		transport: mail.NewScriptedTransport(),
		failures:  newMemFailureLog(),
		settings:  &staticSettings{email: validEmailSettings()},
		bcast:     &memBroadcaster{},
		clock:     newFakeClock(),
	}
	f.d = NewDispatcher(
		hclog.NewNullLogger(),
		f.transport,
		f.failures,
		f.settings,
		f.bcast,
		DispatcherConfig{
			Options: manualOptions(),
			Retry:   retry,
			Now:     f.clock.Now,
		},
	)
	return f
}

func newEnvelope(subject string) *mail.Envelope {
	return mail.NewEnvelope(subject, "<p>body</p>", "helpdesk@example.com", "user@example.com")
}

func (f *dispatcherFixture) pass(t *testing.T) error {
	t.Helper()
	return f.d.Dispatch(context.Background())
}

func TestFirstFailureRecordsDurablyAndRequeues(t *testing.T) {
	f := newDispatcherFixture(t, DefaultRetryPolicy())
	f.transport.Script(mail.ModeFail, 0)

	env := newEnvelope("hello")
	f.d.Enqueue(NewMailDelivery(env, "u1"))

	require.NoError(t, f.pass(t))

	// Exactly one durable record, attempt 1, carrying the serialized message.
	require.Equal(t, 1, f.failures.count())
	rec := f.failures.get(env.MessageID)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, EventEmailSendFailed, rec.EventType)
	assert.Equal(t, f.clock.Now().Add(DefaultRetryPolicy().Backoff(1)), rec.NextRetryAt)

	restored, err := DecodeOutgoing(rec.ObjectState)
	require.NoError(t, err)
	assert.Equal(t, env.MessageID, restored.MessageID)
	assert.Equal(t, "hello", restored.Subject)

	// The message is back on the queue for the next pass, plus the failure
	// note for the owning user.
	var mails, notes int
	for _, m := range f.d.DequeueAll() {
		switch m.Payload.(type) {
		case MailDelivery:
			mails++
			assert.Equal(t, env.MessageID, m.ID)
		case Note:
			notes++
			assert.Equal(t, EventEmailSendFailed, m.Event)
			assert.Equal(t, SeverityError, m.Severity)
			assert.Equal(t, env.MessageID, m.ID)
			assert.Equal(t, "u1", m.UserID)
		}
	}
	assert.Equal(t, 1, mails)
	assert.Equal(t, 1, notes)
	assert.Equal(t, 0, f.d.InFlight(), "working set is cleared at end of pass")
}

func TestSuccessAfterFailureSettlesRecord(t *testing.T) {
	f := newDispatcherFixture(t, DefaultRetryPolicy())
	f.transport.Script(mail.ModeFailFirstN, 1)

	env := newEnvelope("welcome")
	f.d.Enqueue(NewMailDelivery(env, "u1"))

	require.NoError(t, f.pass(t)) // fails, records, requeues
	require.Equal(t, 1, f.failures.count())

	require.NoError(t, f.pass(t)) // retry succeeds

	assert.Equal(t, 0, f.failures.count(), "durable record removed on success")
	assert.Equal(t, 0, f.d.InFlight())
	assert.Equal(t, 2, f.transport.Calls())

	// Third pass broadcasts the success note enqueued by the callback.
	require.NoError(t, f.pass(t))
	success := f.bcast.byEvent(EventEmailSendSuccess)
	require.Len(t, success, 1)
	assert.Equal(t, env.MessageID, success[0].ID)
	assert.Equal(t, "u1", success[0].UserID)
	assert.Equal(t, SeveritySuccess, success[0].Severity)
}

func TestRepeatFailureKeepsSingleRecord(t *testing.T) {
	f := newDispatcherFixture(t, DefaultRetryPolicy())
	f.transport.Script(mail.ModeFail, 0)

	env := newEnvelope("flaky")
	f.d.Enqueue(NewMailDelivery(env, "u1"))

	require.NoError(t, f.pass(t)) // attempt 1, requeued in memory
	require.NoError(t, f.pass(t)) // attempt 2, durable reschedule only

	require.Equal(t, 1, f.failures.count(), "one record per message id no matter how often it fails")
	rec := f.failures.get(env.MessageID)
	require.NotNil(t, rec)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, f.clock.Now().Add(DefaultRetryPolicy().Backoff(2)), rec.NextRetryAt)

	// After the second failure the retry is schedule-driven: nothing is
	// requeued in memory until the backoff elapses.
	for _, m := range f.d.DequeueAll() {
		_, isMail := m.Payload.(MailDelivery)
		assert.False(t, isMail, "repeat failure must not re-enqueue immediately")
	}

	require.NoError(t, f.pass(t))
	assert.Equal(t, 2, f.transport.Calls(), "no send before the backoff elapses")
}

func TestScheduledRetryConverges(t *testing.T) {
	f := newDispatcherFixture(t, DefaultRetryPolicy())
	f.transport.Script(mail.ModeFailFirstN, 2)

	env := newEnvelope("eventually")
	f.d.Enqueue(NewMailDelivery(env, "u1"))

	require.NoError(t, f.pass(t)) // attempt 1
	require.NoError(t, f.pass(t)) // attempt 2, rescheduled for later

	f.clock.Advance(DefaultRetryPolicy().Backoff(2) + time.Second)
	require.NoError(t, f.pass(t)) // requeued from the durable log, succeeds

	assert.Equal(t, 3, f.transport.Calls())
	assert.Equal(t, 0, f.failures.count())
	assert.Equal(t, 0, f.d.InFlight())

	batches := f.transport.Batches()
	require.Len(t, batches, 3)
	require.Len(t, batches[2], 1)
	assert.Equal(t, env.MessageID, batches[2][0].MessageID)
}

func TestUnknownFailureIDIsTolerated(t *testing.T) {
	f := newDispatcherFixture(t, DefaultRetryPolicy())
	f.transport.ExtraIDs = []string{"never-submitted"}

	env := newEnvelope("real")
	f.d.Enqueue(NewMailDelivery(env, "u1"))

	require.NoError(t, f.pass(t))

	// The real message was delivered; the phantom ID produced no record and
	// no retry.
	assert.Equal(t, 0, f.failures.count())
	assert.Equal(t, 1, f.transport.Calls())
	for _, m := range f.d.DequeueAll() {
		assert.NotEqual(t, "never-submitted", m.ID)
	}
}

func TestNotesOnlyPassSkipsTransport(t *testing.T) {
	f := newDispatcherFixture(t, DefaultRetryPolicy())

	f.d.Enqueue(NewNote("first", "", EventIssueCreated, SeverityInfo))
	f.d.Enqueue(NewNote("second", "u2", EventIssueUpdated, SeverityInfo))

	require.NoError(t, f.pass(t))

	f.bcast.mu.Lock()
	got := len(f.bcast.msgs)
	f.bcast.mu.Unlock()
	assert.Equal(t, 2, got)
	assert.Equal(t, 0, f.transport.Calls(), "no mail in the pass, no transport call")
	assert.Equal(t, 0, f.settings.calls, "settings are only synced when mail is about to go out")
}

func TestRestartRequeuesPersistedFailures(t *testing.T) {
	f := newDispatcherFixture(t, DefaultRetryPolicy())

	// A record left behind by a previous process.
	env := newEnvelope("orphaned")
	state, err := EncodeOutgoing(env)
	require.NoError(t, err)
	require.NoError(t, f.failures.Add(context.Background(), &FailureRecord{
		MessageID:   env.MessageID,
		UserID:      "u9",
		Description: "Could not send an e-mail: connection refused",
		EventType:   EventEmailSendFailed,
		ObjectState: state,
		Attempts:    1,
		NextRetryAt: f.clock.Now().Add(-time.Minute),
		Date:        f.clock.Now().Add(-time.Hour),
	}))

	require.NoError(t, f.pass(t))

	batches := f.transport.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	assert.Equal(t, env.MessageID, batches[0][0].MessageID)
	assert.Equal(t, "orphaned", batches[0][0].Subject)
	assert.Equal(t, 0, f.failures.count(), "record settled after successful resend")
}

func TestRequeueSkipsMessageAlreadyBuffered(t *testing.T) {
	f := newDispatcherFixture(t, DefaultRetryPolicy())

	env := newEnvelope("buffered")
	state, err := EncodeOutgoing(env)
	require.NoError(t, err)
	require.NoError(t, f.failures.Add(context.Background(), &FailureRecord{
		MessageID:   env.MessageID,
		UserID:      "u1",
		EventType:   EventEmailSendFailed,
		ObjectState: state,
		Attempts:    1,
		NextRetryAt: f.clock.Now().Add(-time.Minute),
		Date:        f.clock.Now(),
	}))
	f.d.Enqueue(NewMailDelivery(env, "u1"))

	require.NoError(t, f.pass(t))

	batches := f.transport.Batches()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 1, "durable requeue must not duplicate an already-buffered message")
}

func TestExhaustedRecordBecomesDeadLetter(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 2, InitialBackoff: time.Minute, MaxBackoff: time.Hour, Multiplier: 2.0}
	f := newDispatcherFixture(t, policy)
	f.transport.Script(mail.ModeFail, 0)

	env := newEnvelope("doomed")
	f.d.Enqueue(NewMailDelivery(env, "u1"))

	require.NoError(t, f.pass(t)) // attempt 1
	require.NoError(t, f.pass(t)) // attempt 2, budget spent

	f.clock.Advance(24 * time.Hour)
	require.NoError(t, f.pass(t))

	assert.Equal(t, 2, f.transport.Calls(), "an exhausted message is never requeued")
	require.Equal(t, 1, f.failures.count(), "the dead letter stays for inspection")
	assert.Equal(t, 2, f.failures.get(env.MessageID).Attempts)
}

func TestCorruptRecordIsSkippedAndLeftInPlace(t *testing.T) {
	f := newDispatcherFixture(t, DefaultRetryPolicy())

	require.NoError(t, f.failures.Add(context.Background(), &FailureRecord{
		MessageID:   "corrupt-1",
		UserID:      "u1",
		EventType:   EventEmailSendFailed,
		ObjectState: "{not json",
		Attempts:    1,
		NextRetryAt: f.clock.Now().Add(-time.Minute),
		Date:        f.clock.Now(),
	}))

	require.NoError(t, f.pass(t))

	assert.Equal(t, 0, f.transport.Calls())
	assert.Equal(t, 1, f.failures.count(), "a corrupt record is left for inspection, not deleted")
}

func TestBroadcastFailureDoesNotBlockMail(t *testing.T) {
	f := newDispatcherFixture(t, DefaultRetryPolicy())
	f.bcast.err = errors.New("hub down")

	env := newEnvelope("still goes out")
	f.d.Enqueue(NewNote("feed line", "", EventIssueCreated, SeverityInfo))
	f.d.Enqueue(NewMailDelivery(env, "u1"))

	err := f.pass(t)
	require.Error(t, err, "the pass surfaces the broadcast error")
	assert.Equal(t, 1, f.transport.Calls(), "mail is dispatched regardless")
}

func TestPartialBatchSettlesEachMessageIndependently(t *testing.T) {
	f := newDispatcherFixture(t, DefaultRetryPolicy())

	good := newEnvelope("good")
	bad := newEnvelope("bad")
	f.transport.Script(mail.ModePartial, 0)
	f.transport.FailID(bad.MessageID)

	f.d.Enqueue(NewMailDelivery(good, "u1"))
	f.d.Enqueue(NewMailDelivery(bad, "u2"))

	require.NoError(t, f.pass(t))

	assert.Nil(t, f.failures.get(good.MessageID))
	rec := f.failures.get(bad.MessageID)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Attempts)
	assert.Equal(t, "u2", rec.UserID)
}

func TestConfigUpdateEventResyncsTransport(t *testing.T) {
	f := newDispatcherFixture(t, DefaultRetryPolicy())
	require.Nil(t, f.transport.Config())

	f.d.HandleEvent(context.Background(), Event{Type: EventEmailConfigUpdated})

	cfg := f.transport.Config()
	require.NotNil(t, cfg)
	assert.Equal(t, "smtp.example.com", cfg.Host)
	assert.Equal(t, 587, cfg.Port)

	// Unrelated events leave the transport alone.
	f.settings.mu.Lock()
	before := f.settings.calls
	f.settings.mu.Unlock()
	f.d.HandleEvent(context.Background(), Event{Type: EventIssueCreated})
	f.settings.mu.Lock()
	assert.Equal(t, before, f.settings.calls)
	f.settings.mu.Unlock()
}

func TestSettingsAreSyncedLazilyAndCached(t *testing.T) {
	f := newDispatcherFixture(t, DefaultRetryPolicy())

	f.d.Enqueue(NewMailDelivery(newEnvelope("one"), "u1"))
	require.NoError(t, f.pass(t))
	f.d.Enqueue(NewMailDelivery(newEnvelope("two"), "u1"))
	require.NoError(t, f.pass(t))

	f.settings.mu.Lock()
	defer f.settings.mu.Unlock()
	assert.Equal(t, 1, f.settings.calls, "settings load once and stay cached until invalidated")
}

func TestInvalidSettingsStillDispatchesPass(t *testing.T) {
	f := newDispatcherFixture(t, DefaultRetryPolicy())
	f.settings.err = errors.New("store unavailable")

	f.d.Enqueue(NewNote("still broadcast", "", EventIssueCreated, SeverityInfo))
	f.d.Enqueue(NewMailDelivery(newEnvelope("attempted"), "u1"))

	require.NoError(t, f.pass(t))

	// Notes still go out and the batch is still submitted; the transport
	// itself reports the missing configuration.
	assert.Len(t, f.bcast.byEvent(EventIssueCreated), 1)
	assert.Equal(t, 1, f.transport.Calls())
	assert.Nil(t, f.transport.Config())
}

func TestFailureLogOutageDegradesGracefully(t *testing.T) {
	f := newDispatcherFixture(t, DefaultRetryPolicy())
	f.failures.dueErr = errors.New("database offline")
	f.transport.Script(mail.ModeFail, 0)
	f.failures.addErr = errors.New("database offline")

	env := newEnvelope("unlucky")
	f.d.Enqueue(NewMailDelivery(env, "u1"))

	// The pass neither panics nor aborts; the in-memory retry still happens.
	require.NoError(t, f.pass(t))
	var mails int
	for _, m := range f.d.DequeueAll() {
		if _, ok := m.Payload.(MailDelivery); ok {
			mails++
		}
	}
	assert.Equal(t, 1, mails)
}
