// Package coordinator owns the binding between the selected channel and the
// live capture/playback streams and their producer/consumer. Every switch of
// that binding (channel change, network restore, receive toggle, capture
// start/stop) goes through here so that exactly one capture or playback
// session exists at a time and no stale instance overlaps its replacement.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/airlog-audio/airlog/internal/observe"
	"github.com/airlog-audio/airlog/pkg/audio"
	"github.com/airlog-audio/airlog/pkg/streamlog"
)

// ErrNoSelection is returned by operations that need a selected channel.
var ErrNoSelection = errors.New("coordinator: no channel selected")

// ErrCaptureActive is returned when an operation cannot run during capture.
var ErrCaptureActive = errors.New("coordinator: capture session active")

// settleDelay sits between hard-stopping the old playback and starting its
// replacement, giving the audio device time to become reacquirable.
const settleDelay = 100 * time.Millisecond

// Channel describes where one selectable channel lives on the log.
type Channel struct {
	Name           string
	ID             int
	AudioTopic     string
	AudioPartition int
	MetaTopic      string
	MetaPartition  int
}

// Config wires a [Coordinator].
type Config struct {
	// UserID keys published audio frames and consumer group names.
	UserID string

	// Subscriber and Publisher are the ordered-log capabilities. Both are
	// required.
	Subscriber streamlog.Subscriber
	Publisher  streamlog.Publisher

	// Opener and Codec build the audio streams.
	Opener audio.DeviceOpener
	Codec  audio.CodecFactory

	// Start is the group-mode start strategy for live receive.
	Start streamlog.StartStrategy

	// ConsumerOptions are applied to every consumer the coordinator builds
	// (retry budget, backoff, poll timeout from config).
	ConsumerOptions []streamlog.ConsumerOption

	// Metrics receives gauge and reconnect updates. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Settle overrides the rebuild settle delay. Tests shorten it.
	Settle time.Duration
}

// Coordinator is the single owner of the live audio session. All methods are
// safe for concurrent use; rebuilds are serialized, and the previous
// instance's shutdown is fully joined before its replacement starts.
type Coordinator struct {
	cfg    Config
	settle time.Duration

	mu         sync.Mutex
	selected   *Channel
	receive    bool
	connecting bool

	// connected is flipped from the consumer goroutine's subscribe ack.
	// Teardown holds mu while joining that goroutine, so the flag must not
	// take mu itself.
	connected atomic.Bool

	producer *streamlog.Producer
	capture  *audio.CaptureStream

	// Live receive pair. consumer feeds playback through pump; pumpDone is
	// closed when the pump drains.
	playback *audio.PlaybackStream
	consumer *streamlog.Consumer
	pumpDone chan struct{}
}

// New creates a coordinator. No channel is selected yet.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Subscriber == nil || cfg.Publisher == nil {
		return nil, errors.New("coordinator: subscriber and publisher are required")
	}
	if cfg.Opener == nil || cfg.Codec == nil {
		return nil, errors.New("coordinator: device opener and codec factory are required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	settle := cfg.Settle
	if settle <= 0 {
		settle = settleDelay
	}
	return &Coordinator{cfg: cfg, settle: settle}, nil
}

// Select binds the coordinator to ch, tearing down and rebuilding the
// producer and, when receive is on, the consumer/playback pair.
func (c *Coordinator) Select(ctx context.Context, ch Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture != nil {
		return ErrCaptureActive
	}

	c.selected = &ch
	c.rebuildProducerLocked(ctx)
	if c.receive {
		return c.rebuildReceiverLocked(ctx)
	}
	return nil
}

// Selected returns the current channel, or nil.
func (c *Coordinator) Selected() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return nil
	}
	ch := *c.selected
	return &ch
}

// NetworkRestored rebuilds the producer and any live receiver so nothing
// keeps sending into a stale connection.
func (c *Coordinator) NetworkRestored(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return ErrNoSelection
	}
	c.rebuildProducerLocked(ctx)
	if c.receive && c.capture == nil {
		return c.rebuildReceiverLocked(ctx)
	}
	return nil
}

// SetReceive turns live playback of the selected channel on or off.
func (c *Coordinator) SetReceive(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on == c.receive {
		return nil
	}
	c.receive = on
	if !on {
		c.stopReceiverLocked()
		return nil
	}
	if c.selected == nil {
		return ErrNoSelection
	}
	if c.capture != nil {
		// Half-duplex: the receiver starts when capture ends.
		return nil
	}
	return c.rebuildReceiverLocked(ctx)
}

// StartCapture begins a recording session, stopping playback first
// (half-duplex). onFrame receives every encoded frame or silence marker.
func (c *Coordinator) StartCapture(ctx context.Context, onFrame audio.FrameFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return ErrNoSelection
	}
	if c.capture != nil {
		return ErrCaptureActive
	}

	c.stopReceiverLocked()

	cap := audio.NewCapture(c.cfg.Opener, c.cfg.Codec)
	if err := cap.Start(ctx, onFrame); err != nil {
		return fmt.Errorf("coordinator: start capture: %w", err)
	}
	c.capture = cap
	c.cfg.Metrics.ActiveCaptures.Add(ctx, 1)
	return nil
}

// StopCapture ends the recording session and, when receive is on, rebuilds
// the consumer/playback pair.
func (c *Coordinator) StopCapture(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capture == nil {
		return nil
	}
	c.capture.Stop()
	err := c.capture.Err()
	c.capture = nil
	c.cfg.Metrics.ActiveCaptures.Add(ctx, -1)

	if c.receive && c.selected != nil {
		if rerr := c.rebuildReceiverLocked(ctx); rerr != nil {
			return errors.Join(err, rerr)
		}
	}
	return err
}

// Producer returns the producer bound to the current selection, or nil.
func (c *Coordinator) Producer() *streamlog.Producer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producer
}

// IsRecording reports whether a capture session is live.
func (c *Coordinator) IsRecording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capture != nil && c.capture.Recording()
}

// IsPlaying reports whether a playback session is live.
func (c *Coordinator) IsPlaying() bool {
	c.mu.Lock()
	pb := c.playback
	c.mu.Unlock()
	return pb != nil && pb.Playing()
}

// IsConnecting reports whether a receiver rebuild is waiting for its
// subscribe acknowledgment. The UI blocks channel interaction while true.
func (c *Coordinator) IsConnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connecting && !c.connected.Load()
}

// Levels returns the amplitude history of whichever stream is live.
func (c *Coordinator) Levels() []float64 {
	c.mu.Lock()
	cap, pb := c.capture, c.playback
	c.mu.Unlock()
	if cap != nil && cap.Recording() {
		return cap.Levels()
	}
	if pb != nil {
		return pb.Levels()
	}
	return nil
}

// Close tears everything down.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	if c.capture != nil {
		c.capture.Stop()
		if err := c.capture.Err(); err != nil {
			errs = append(errs, err)
		}
		c.capture = nil
	}
	c.stopReceiverLocked()
	if c.producer != nil {
		if err := c.producer.Flush(context.Background()); err != nil {
			errs = append(errs, err)
		}
		c.producer = nil
	}
	return errors.Join(errs...)
}

// ─── rebuild machinery ───

// rebuildProducerLocked replaces the producer wrapper after flushing the old
// one, so records from the previous binding cannot trail into the new one.
func (c *Coordinator) rebuildProducerLocked(ctx context.Context) {
	if c.producer != nil {
		if err := c.producer.Flush(ctx); err != nil {
			slog.Warn("coordinator: flush before producer rebuild failed", "err", err)
		}
	}
	c.producer = streamlog.NewProducer(c.cfg.Publisher)
}

// rebuildReceiverLocked tears down the live consumer/playback pair and
// starts a fresh one: stop consumer and join, hard-stop playback, settle,
// start playback, then a new consumer under a fresh group id. Connected is
// marked on the subscribe ack, before any record arrives.
func (c *Coordinator) rebuildReceiverLocked(ctx context.Context) error {
	ch := c.selected
	c.stopReceiverLocked()
	time.Sleep(c.settle)

	pb := c.newPlayback(ch.Name)
	if err := pb.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: start playback: %w", err)
	}

	c.connecting = true
	c.connected.Store(false)

	consumer := streamlog.NewConsumer(c.cfg.Subscriber, streamlog.Spec{
		Topic:   ch.AudioTopic,
		GroupID: c.freshGroupID(),
		Start:   c.cfg.Start,
	}, c.consumerOptionsFor(ch.AudioTopic,
		streamlog.WithConnectedFunc(func() {
			c.connected.Store(true)
			slog.Info("coordinator: receiver connected", "channel", ch.Name, "topic", ch.AudioTopic)
		}),
	)...)

	records := consumer.Start(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for rec := range records {
			pb.OnFrame(rec.Value)
		}
	}()

	c.playback = pb
	c.consumer = consumer
	c.pumpDone = done
	c.cfg.Metrics.ActivePlaybacks.Add(ctx, 1)
	return nil
}

// stopReceiverLocked joins the consumer loop and pump, then hard-stops
// playback. Previous-instance shutdown is fully joined before return.
func (c *Coordinator) stopReceiverLocked() {
	if c.consumer != nil {
		c.consumer.Stop()
		<-c.pumpDone
		c.consumer = nil
		c.pumpDone = nil
	}
	if c.playback != nil {
		c.playback.Stop()
		c.playback = nil
		c.cfg.Metrics.ActivePlaybacks.Add(context.Background(), -1)
	}
	c.connecting = false
	c.connected.Store(false)
}

// newPlayback builds a playback stream that reports rendered frames and
// decode-failure silence substitutions for the named channel.
func (c *Coordinator) newPlayback(channel string) *audio.PlaybackStream {
	return audio.NewPlayback(c.cfg.Opener, c.cfg.Codec,
		audio.WithFrameRenderedFunc(func() {
			c.cfg.Metrics.RecordFramePlayed(context.Background(), channel)
		}),
		audio.WithDecodeFailureFunc(func() {
			c.cfg.Metrics.RecordSilenceSubstitution(context.Background(), "decode_failure")
		}),
	)
}

// consumerOptionsFor copies the configured consumer options and appends the
// retry instrumentation for topic, plus any extra options.
func (c *Coordinator) consumerOptionsFor(topic string, extra ...streamlog.ConsumerOption) []streamlog.ConsumerOption {
	opts := append(c.cfg.ConsumerOptions[:len(c.cfg.ConsumerOptions):len(c.cfg.ConsumerOptions)],
		streamlog.WithRetryFunc(func(int) {
			c.cfg.Metrics.RecordReconnect(context.Background(), topic)
		}),
		streamlog.WithExhaustedFunc(func() {
			c.cfg.Metrics.RecordRetryExhaustion(context.Background(), topic)
		}),
	)
	return append(opts, extra...)
}

// freshGroupID builds a group identifier no previous session has committed
// offsets under, so a rebuilt receiver always starts from its strategy.
func (c *Coordinator) freshGroupID() string {
	return fmt.Sprintf("airlog-%s-%d-%s", c.cfg.UserID, time.Now().UnixMilli(), uuid.NewString()[:8])
}
