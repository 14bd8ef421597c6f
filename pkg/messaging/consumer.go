package messaging

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Options controls the consumer's dispatch timer.
type Options struct {
	// TimerPeriodSeconds is the interval between automatic flush attempts.
	// -1 disables periodic dispatch entirely (Notify-only mode).
	TimerPeriodSeconds int

	// TimerInitialDelaySeconds is the delay before the first automatic
	// flush. -1 prevents the timer from ever starting.
	TimerInitialDelaySeconds int
}

// DefaultOptions returns the production timer settings.
func DefaultOptions() Options {
	return Options{
		TimerPeriodSeconds:       300,
		TimerInitialDelaySeconds: 60,
	}
}

func (o Options) timerEnabled() bool {
	return o.TimerPeriodSeconds >= 0 && o.TimerInitialDelaySeconds >= 0
}

// Flusher performs one dispatch pass over the consumer's buffered
// messages. Implementations must tolerate per-item failures without
// aborting the pass and check cancellation between items.
type Flusher interface {
	Flush(ctx context.Context) error
}

// FlusherFunc adapts a function to the Flusher interface.
type FlusherFunc func(ctx context.Context) error

// Flush implements Flusher.
func (f FlusherFunc) Flush(ctx context.Context) error { return f(ctx) }

// Consumer is a thread-safe FIFO buffer of pending notification messages
// with timer-driven or on-demand flushing. Enqueue is safe to call from
// any goroutine, including while a dispatch pass is running; a message
// enqueued mid-pass is picked up by the next drain, never the current one.
type Consumer struct {
	log  hclog.Logger
	opts Options

	mu  sync.Mutex
	buf []*Message

	flusher     Flusher
	dispatching atomic.Bool
	disabled    atomic.Bool

	notifyCh chan struct{}
	stopCh   chan struct{}
	done     sync.WaitGroup
	started  atomic.Bool
	stopOnce sync.Once
}

// NewConsumer returns a consumer that is not yet running; call Bind and
// Start.
func NewConsumer(log hclog.Logger, opts Options) *Consumer {
	return &Consumer{
		log:      log,
		opts:     opts,
		notifyCh: make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Bind attaches the flusher invoked on every dispatch pass.
func (c *Consumer) Bind(f Flusher) {
	c.flusher = f
}

// Enqueue appends a message to the buffer. It never blocks on dispatch.
func (c *Consumer) Enqueue(m *Message) {
	c.mu.Lock()
	c.buf = append(c.buf, m)
	c.mu.Unlock()
}

// Len reports the number of currently buffered messages.
func (c *Consumer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// DequeueAll atomically drains and returns every message buffered at call
// time. Messages enqueued while the returned slice is being processed
// belong to the next drain.
func (c *Consumer) DequeueAll() []*Message {
	c.mu.Lock()
	drained := c.buf
	c.buf = nil
	c.mu.Unlock()
	return drained
}

// Notify requests an immediate dispatch pass. While a pass is running,
// any number of Notify calls coalesce into at most one follow-up pass.
// No-op when the consumer is disabled.
func (c *Consumer) Notify() {
	if c.disabled.Load() {
		return
	}
	select {
	case c.notifyCh <- struct{}{}:
	default:
	}
}

// SetDisabled gates all dispatching. Enqueue keeps working while disabled.
func (c *Consumer) SetDisabled(v bool) {
	c.disabled.Store(v)
}

// Disabled reports whether dispatching is gated off.
func (c *Consumer) Disabled() bool {
	return c.disabled.Load()
}

// Dispatching reports whether a pass is currently running.
func (c *Consumer) Dispatching() bool {
	return c.dispatching.Load()
}

// Dispatch runs a single pass if none is in progress. It is an idempotent
// no-op while another pass runs or the consumer is disabled.
func (c *Consumer) Dispatch(ctx context.Context) error {
	if c.disabled.Load() {
		return nil
	}
	if !c.dispatching.CompareAndSwap(false, true) {
		return nil
	}
	defer c.dispatching.Store(false)

	if c.flusher == nil {
		return fmt.Errorf("no flusher bound to consumer")
	}
	return c.flusher.Flush(ctx)
}

// Start launches the background worker servicing the timer and Notify
// requests. The worker exits when ctx is cancelled or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	if c.flusher == nil {
		return fmt.Errorf("no flusher bound to consumer")
	}
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("consumer already started")
	}
	c.done.Add(1)
	go c.run(ctx)
	return nil
}

// Stop terminates the worker and waits for an in-progress pass to finish.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	if c.started.Load() {
		c.done.Wait()
	}
}

func (c *Consumer) run(ctx context.Context) {
	defer c.done.Done()

	var initial <-chan time.Time
	var initialTimer *time.Timer
	if c.opts.timerEnabled() {
		initialTimer = time.NewTimer(time.Duration(c.opts.TimerInitialDelaySeconds) * time.Second)
		initial = initialTimer.C
		defer initialTimer.Stop()
	}

	var tick <-chan time.Time
	var ticker *time.Ticker
	defer func() {
		if ticker != nil {
			ticker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-initial:
			initial = nil
			if c.opts.TimerPeriodSeconds > 0 {
				ticker = time.NewTicker(time.Duration(c.opts.TimerPeriodSeconds) * time.Second)
				tick = ticker.C
			}
			c.flush(ctx)
		case <-tick:
			c.flush(ctx)
		case <-c.notifyCh:
			c.flush(ctx)
		}
	}
}

func (c *Consumer) flush(ctx context.Context) {
	if err := c.Dispatch(ctx); err != nil {
		c.log.Error("dispatch pass failed", "error", err)
	}
}
