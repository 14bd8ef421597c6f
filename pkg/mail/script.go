package mail

import (
	"context"
	"errors"
	"sync"
)

// ScriptMode selects how a ScriptedTransport treats submitted batches.
type ScriptMode string

const (
	// ModeSucceed delivers every message.
	ModeSucceed ScriptMode = "succeed"

	// ModeFail fails every message with ErrScriptedFailure.
	ModeFail ScriptMode = "fail"

	// ModeFailFirstN fails all messages for the first N Send calls, then
	// succeeds. Useful for exercising retry logic that eventually converges.
	ModeFailFirstN ScriptMode = "fail_first_n"

	// ModePartial fails exactly the messages whose IDs are listed in
	// FailIDs and delivers the rest.
	ModePartial ScriptMode = "partial"
)

// ErrScriptedFailure is the error reported for scripted delivery failures.
var ErrScriptedFailure = errors.New("scripted delivery failure")

// ScriptedTransport is a Transport for tests. It records every submitted
// batch and partitions it into success/failure callback subsets according
// to the configured mode.
type ScriptedTransport struct {
	mu      sync.Mutex
	mode    ScriptMode
	failN   int
	failIDs map[string]bool
	calls   int
	batches [][]*Envelope
	cfg     *Config

	// ExtraIDs, when non-empty, are message IDs reported in the next
	// failure callback even though they were never submitted. Exercises
	// tolerance of unknown IDs.
	ExtraIDs []string
}

// NewScriptedTransport returns a transport that delivers everything.
func NewScriptedTransport() *ScriptedTransport {
	return &ScriptedTransport{mode: ModeSucceed, failIDs: map[string]bool{}}
}

// Script switches the failure mode. n is only meaningful for ModeFailFirstN.
func (t *ScriptedTransport) Script(mode ScriptMode, n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = mode
	t.failN = n
}

// FailID marks a message ID for failure under ModePartial.
func (t *ScriptedTransport) FailID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failIDs[id] = true
}

// Batches returns a copy of every batch submitted so far.
func (t *ScriptedTransport) Batches() [][]*Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]*Envelope, len(t.batches))
	copy(out, t.batches)
	return out
}

// Calls returns the number of Send invocations.
func (t *ScriptedTransport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// SetConfig implements Transport.
func (t *ScriptedTransport) SetConfig(cfg Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg = &cfg
}

// Config implements Transport.
func (t *ScriptedTransport) Config() *Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// Send implements Transport. Callbacks are invoked synchronously, matching
// the Transport contract.
func (t *ScriptedTransport) Send(ctx context.Context, batch []*Envelope, cb Callbacks) error {
	t.mu.Lock()
	t.calls++
	t.batches = append(t.batches, batch)

	var sent, failed []*Envelope
	switch t.mode {
	case ModeFail:
		failed = batch
	case ModeFailFirstN:
		if t.calls <= t.failN {
			failed = batch
		} else {
			sent = batch
		}
	case ModePartial:
		for _, env := range batch {
			if t.failIDs[env.MessageID] {
				failed = append(failed, env)
			} else {
				sent = append(sent, env)
			}
		}
	default:
		sent = batch
	}
	for _, id := range t.ExtraIDs {
		failed = append(failed, &Envelope{MessageID: id})
	}
	t.ExtraIDs = nil
	t.mu.Unlock()

	if len(sent) > 0 && cb.OnSuccess != nil {
		cb.OnSuccess(ctx, sent)
	}
	if len(failed) > 0 && cb.OnFailure != nil {
		cb.OnFailure(ctx, ErrScriptedFailure, failed)
	}
	return nil
}
