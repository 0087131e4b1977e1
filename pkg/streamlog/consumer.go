package streamlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrExhaustedRetries is returned by [Consumer.Err] after the retry budget is
// spent without a single delivered record in between. Fatal to that streaming
// attempt only; the caller may construct a fresh consumer.
var ErrExhaustedRetries = errors.New("streamlog: connect retries exhausted")

// ConsumerState is the retry state machine's current phase.
type ConsumerState int32

const (
	StateConnecting ConsumerState = iota
	StateStreaming
	StateBackoff
	StateStopped
	StateFailed
)

// String returns the human-readable name of the state.
func (s ConsumerState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateBackoff:
		return "BACKOFF"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Retry defaults. Backoff starts at 1 s and grows by 1.5× per consecutive
// failure, capped at 10 s; after 5 failures without a delivered record in
// between, the consumer terminates in [StateFailed].
const (
	DefaultRetryBudget    = 5
	DefaultBackoffInitial = 1000 * time.Millisecond
	DefaultBackoffFactor  = 1.5
	DefaultBackoffMax     = 10000 * time.Millisecond
	DefaultPollTimeout    = 1000 * time.Millisecond
)

// Spec describes what a [Consumer] subscribes to. Direct selects
// direct-assign mode (exact partition and offset, no group coordination);
// otherwise group mode with GroupID and Start apply.
type Spec struct {
	Topic string

	// Group mode.
	GroupID string
	Start   StartStrategy

	// Direct-assign mode.
	Direct    bool
	Partition int
	Offset    int64
}

// ConsumerOption configures a [Consumer].
type ConsumerOption func(*Consumer)

// WithRetryBudget overrides the consecutive-failure budget.
func WithRetryBudget(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.budget = n
		}
	}
}

// WithBackoff overrides the backoff schedule.
func WithBackoff(initial time.Duration, factor float64, max time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.backoffInitial = initial
		c.backoffFactor = factor
		c.backoffMax = max
	}
}

// WithPollTimeout overrides the bounded poll timeout. Shorter timeouts make
// cancellation cheaper; longer ones reduce idle polling.
func WithPollTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}

// WithConnectedFunc registers fn to run every time a subscribe is
// acknowledged, before any record has arrived. The coordinator uses this to
// flip its "connected" affordance during a channel switch.
func WithConnectedFunc(fn func()) ConsumerOption {
	return func(c *Consumer) { c.onConnected = fn }
}

// WithRetryFunc registers fn to run before every subscribe attempt after the
// first, with the attempt number. Used to count reconnects.
func WithRetryFunc(fn func(attempt int)) ConsumerOption {
	return func(c *Consumer) { c.onRetry = fn }
}

// WithExhaustedFunc registers fn to run once when the consumer terminates in
// the failed state after spending its retry budget.
func WithExhaustedFunc(fn func()) ConsumerOption {
	return func(c *Consumer) { c.onExhausted = fn }
}

// Consumer turns the [Subscriber] capability into a cancellable, retrying
// sequence of records.
//
// State machine: Connecting → Streaming → (on error) Backoff → Connecting,
// terminal Failed once the retry budget is exhausted. Any delivered record
// resets the failure counter and backoff; a successful subscribe alone does
// not. A clean [ErrEndOfStream] from the source terminates the sequence
// without error.
type Consumer struct {
	sub  Subscriber
	spec Spec

	budget         int
	backoffInitial time.Duration
	backoffFactor  float64
	backoffMax     time.Duration
	pollTimeout    time.Duration
	onConnected    func()
	onRetry        func(attempt int)
	onExhausted    func()

	mu      sync.Mutex
	state   ConsumerState
	err     error
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewConsumer creates a consumer for spec. Call [Consumer.Start] to begin.
func NewConsumer(sub Subscriber, spec Spec, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		sub:            sub,
		spec:           spec,
		budget:         DefaultRetryBudget,
		backoffInitial: DefaultBackoffInitial,
		backoffFactor:  DefaultBackoffFactor,
		backoffMax:     DefaultBackoffMax,
		pollTimeout:    DefaultPollTimeout,
		state:          StateConnecting,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start launches the retry/poll loop and returns the record channel. The
// channel closes when the sequence terminates: cancellation, clean end of
// stream, or retry exhaustion (check [Consumer.Err] to tell the last two
// apart). Start may be called once.
func (c *Consumer) Start(ctx context.Context) <-chan Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		panic("streamlog: Consumer.Start called twice")
	}
	c.started = true

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	records := make(chan Record)

	go c.run(loopCtx, records)
	return records
}

// Stop requests cancellation and joins the loop. The next poll boundary
// observes the request and releases the underlying subscription. Idempotent.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// State returns the state machine's current phase.
func (c *Consumer) State() ConsumerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns [ErrExhaustedRetries] (wrapped) if the consumer terminated by
// spending its retry budget, and nil for every other terminal state.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Consumer) setState(s ConsumerState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// run drives the retry state machine. failures counts consecutive connect or
// stream errors since the last delivered record.
func (c *Consumer) run(ctx context.Context, records chan<- Record) {
	defer close(c.done)
	defer close(records)

	failures := 0
	backoff := c.backoffInitial
	attempt := 0

	for {
		if ctx.Err() != nil {
			c.setState(StateStopped)
			return
		}

		attempt++
		if attempt > 1 && c.onRetry != nil {
			c.onRetry(attempt)
		}
		c.setState(StateConnecting)
		sub, err := c.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateStopped)
				return
			}
			failures++
			slog.Warn("consumer: subscribe failed",
				"topic", c.spec.Topic, "attempt", failures, "err", err)
			if c.exhausted(failures, err) {
				return
			}
			backoff = c.wait(ctx, backoff)
			continue
		}

		c.setState(StateStreaming)
		if c.onConnected != nil {
			c.onConnected()
		}

		delivered, err := c.stream(ctx, sub, records)
		if closeErr := sub.Close(); closeErr != nil {
			slog.Warn("consumer: subscription close failed", "topic", c.spec.Topic, "err", closeErr)
		}

		switch {
		case ctx.Err() != nil:
			c.setState(StateStopped)
			return
		case errors.Is(err, ErrEndOfStream):
			// Intentional end of the sequence: terminal success.
			c.setState(StateStopped)
			return
		}

		// Live delivery resets the error counter; a connection that
		// subscribed but never delivered keeps the previous count.
		if delivered {
			failures = 0
			backoff = c.backoffInitial
		}
		failures++
		slog.Warn("consumer: stream error",
			"topic", c.spec.Topic, "attempt", failures, "err", err)
		if c.exhausted(failures, err) {
			return
		}
		backoff = c.wait(ctx, backoff)
	}
}

// stream polls sub until cancellation or an error, forwarding records.
// Reports whether at least one record was delivered.
func (c *Consumer) stream(ctx context.Context, sub Subscription, records chan<- Record) (delivered bool, err error) {
	for {
		rec, err := sub.Poll(ctx, c.pollTimeout)
		if err != nil {
			return delivered, err
		}
		if rec == nil {
			// Poll timeout: the boundary where cancellation is observed.
			if ctx.Err() != nil {
				return delivered, ctx.Err()
			}
			continue
		}
		select {
		case records <- *rec:
			delivered = true
		case <-ctx.Done():
			return delivered, ctx.Err()
		}
	}
}

func (c *Consumer) subscribe(ctx context.Context) (Subscription, error) {
	if c.spec.Direct {
		return c.sub.SubscribeAt(ctx, c.spec.Topic, c.spec.Partition, c.spec.Offset)
	}
	return c.sub.Subscribe(ctx, c.spec.Topic, c.spec.GroupID, c.spec.Start)
}

// exhausted checks the failure count against the budget and, when spent,
// moves to the terminal Failed state.
func (c *Consumer) exhausted(failures int, last error) bool {
	if failures < c.budget {
		return false
	}
	c.mu.Lock()
	c.state = StateFailed
	c.err = fmt.Errorf("%w after %d attempts: %v", ErrExhaustedRetries, failures, last)
	c.mu.Unlock()
	if c.onExhausted != nil {
		c.onExhausted()
	}
	slog.Error("consumer: giving up", "topic", c.spec.Topic, "attempts", failures, "err", last)
	return true
}

// wait sleeps for the current backoff (cancellation-aware) and returns the
// next backoff value.
func (c *Consumer) wait(ctx context.Context, backoff time.Duration) time.Duration {
	c.setState(StateBackoff)
	t := time.NewTimer(backoff)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
	next := time.Duration(float64(backoff) * c.backoffFactor)
	if next > c.backoffMax {
		next = c.backoffMax
	}
	return next
}
