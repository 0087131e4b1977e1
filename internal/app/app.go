// Package app wires the airlog subsystems into a running client: the broker
// capability, the reconnect coordinator, the capture session manager, and
// the per-channel timeline feed.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run blocks for the application's lifetime, and Shutdown tears
// everything down in order. Its exported methods are the surface a frontend
// consumes: channel selection, receive toggle, push-to-talk, timeline
// snapshots, ranged playback, and reaction toggles.
//
// For testing and headless runs, inject capabilities via functional options
// (WithLogCapability, WithAudioCapability). When an option is not provided,
// New creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/airlog-audio/airlog/internal/config"
	"github.com/airlog-audio/airlog/internal/coordinator"
	"github.com/airlog-audio/airlog/internal/observe"
	"github.com/airlog-audio/airlog/internal/timeline"
	"github.com/airlog-audio/airlog/pkg/audio"
	"github.com/airlog-audio/airlog/pkg/audio/opus"
	"github.com/airlog-audio/airlog/pkg/streamlog"
	"github.com/airlog-audio/airlog/pkg/streamlog/kafka"
)

// App owns all subsystem lifetimes and exposes the client surface.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	subscriber streamlog.Subscriber
	publisher  streamlog.Publisher
	opener     audio.DeviceOpener
	codec      audio.CodecFactory

	coord    *coordinator.Coordinator
	sessions *SessionManager

	consumerOpts []streamlog.ConsumerOption

	mu       sync.Mutex
	channels []coordinator.Channel
	window   time.Duration
	feed     *timelineFeed

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// timelineFeed is one live replay of a channel's metadata partition into a
// timeline index. Rebuilt on selection change and on window change.
type timelineFeed struct {
	cancel   context.CancelFunc
	consumer *streamlog.Consumer
	views    <-chan timeline.View
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogCapability injects the ordered-log capability instead of building a
// broker connection from the config.
func WithLogCapability(sub streamlog.Subscriber, pub streamlog.Publisher) Option {
	return func(a *App) {
		a.subscriber = sub
		a.publisher = pub
	}
}

// WithAudioCapability injects the audio device opener and codec factory.
// The opener has no in-repo production implementation (hardware access is
// platform code); every deployment provides one.
func WithAudioCapability(opener audio.DeviceOpener, codec audio.CodecFactory) Option {
	return func(a *App) {
		a.opener = opener
		a.codec = codec
	}
}

// WithMetrics injects a metrics set instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. cfg must already be
// validated. No channel is selected until SelectChannel.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.codec == nil {
		a.codec = opus.Factory()
	}
	if a.opener == nil {
		return nil, errors.New("app: an audio device opener is required (WithAudioCapability)")
	}

	if a.subscriber == nil || a.publisher == nil {
		log, err := brokerLog(cfg.Broker)
		if err != nil {
			return nil, fmt.Errorf("app: init broker: %w", err)
		}
		a.subscriber = log
		a.publisher = log
		a.closers = append(a.closers, log.Close)
	}

	a.consumerOpts = consumerOptions(cfg.Consumer)
	a.channels = channelsFromConfig(cfg.Channels)
	a.window = timelineWindow(cfg.Timeline)

	coord, err := coordinator.New(coordinator.Config{
		UserID:          cfg.User.ID,
		Subscriber:      a.subscriber,
		Publisher:       a.publisher,
		Opener:          a.opener,
		Codec:           a.codec,
		Start:           startStrategy(cfg.Consumer.Start),
		ConsumerOptions: a.consumerOpts,
		Metrics:         a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("app: init coordinator: %w", err)
	}
	a.coord = coord
	a.closers = append(a.closers, coord.Close)

	a.sessions = NewSessionManager(coord, cfg.User.ID,
		time.Duration(cfg.Producer.SessionFlushMs)*time.Millisecond,
		time.Duration(cfg.Producer.ReactionFlushMs)*time.Millisecond,
		a.metrics,
	)

	return a, nil
}

// ─── Channel surface ─────────────────────────────────────────────────────────

// Channels lists the selectable channels in config order.
func (a *App) Channels() []coordinator.Channel {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]coordinator.Channel, len(a.channels))
	copy(out, a.channels)
	return out
}

// SelectChannel binds the client to the named channel and starts a fresh
// timeline feed for it, returning the feed's snapshot channel. The first
// snapshot is always the empty view, emitted before any record is indexed,
// so the frontend can tell "confirmed empty" from "still loading".
//
// Selecting during a capture session fails with ErrCaptureActive.
func (a *App) SelectChannel(ctx context.Context, name string) (<-chan timeline.View, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ch, ok := a.channelByNameLocked(name)
	if !ok {
		return nil, fmt.Errorf("app: unknown channel %q", name)
	}
	if err := a.coord.Select(ctx, ch); err != nil {
		return nil, err
	}
	a.restartFeedLocked(ch)
	slog.Info("app: channel selected", "channel", ch.Name, "audio_topic", ch.AudioTopic)
	return a.feed.views, nil
}

// Timeline returns the current selection's snapshot channel, or nil when no
// channel is selected.
func (a *App) Timeline() <-chan timeline.View {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.feed == nil {
		return nil
	}
	return a.feed.views
}

// SetReceive toggles live playback of the selected channel.
func (a *App) SetReceive(ctx context.Context, on bool) error {
	return a.coord.SetReceive(ctx, on)
}

// NetworkRestored rebuilds the broker-facing pipeline after connectivity
// returns, so nothing keeps publishing or polling into a stale connection.
func (a *App) NetworkRestored(ctx context.Context) error {
	return a.coord.NetworkRestored(ctx)
}

// ─── Capture and playback surface ────────────────────────────────────────────

// StartCapture begins push-to-talk recording on the selected channel.
func (a *App) StartCapture(ctx context.Context) error {
	return a.sessions.Start(ctx)
}

// StopCapture ends the recording and publishes the session record. See
// [SessionManager.Stop] for the failure contract.
func (a *App) StopCapture(ctx context.Context) (*timeline.SessionRecord, error) {
	return a.sessions.Stop(ctx)
}

// PlayRange plays back one recorded session from the timeline.
func (a *App) PlayRange(ctx context.Context, rec *timeline.SessionRecord) error {
	if rec == nil {
		return fmt.Errorf("app: nil session record")
	}
	return a.coord.PlayRange(ctx, rec.StartOffset, rec.EndOffset, rec.Duration())
}

// ToggleReaction toggles this user's emoji reaction on rec and republishes
// the updated record.
func (a *App) ToggleReaction(ctx context.Context, rec *timeline.SessionRecord, emoji string) (*timeline.SessionRecord, error) {
	return a.sessions.ToggleReaction(ctx, rec, emoji)
}

// Levels returns the amplitude history of whichever stream is live.
func (a *App) Levels() []float64 { return a.coord.Levels() }

// IsRecording reports whether a capture session is live.
func (a *App) IsRecording() bool { return a.coord.IsRecording() }

// IsPlaying reports whether a playback session is live.
func (a *App) IsPlaying() bool { return a.coord.IsPlaying() }

// IsConnecting reports whether the receiver is waiting for its subscribe
// acknowledgment.
func (a *App) IsConnecting() bool { return a.coord.IsConnecting() }

// Progress reports the live playback's progress fraction in [0, 1].
func (a *App) Progress() float64 { return a.coord.Progress() }

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of next and returns the diff.
// A window change replays the metadata feed into a fresh index; a rerouted
// selected channel is re-selected under its new topics. Log level changes
// are reported in the diff for the caller to apply (the level var lives in
// main). Changes that require a restart (broker, user) are ignored by
// [config.Diff].
func (a *App) ApplyConfig(ctx context.Context, next *config.Config) config.ConfigDiff {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.Diff(a.cfg, next)
	if d.ChannelsChanged {
		a.channels = channelsFromConfig(next.Channels)
	}
	if d.WindowChanged {
		a.window = timelineWindow(next.Timeline)
	}
	a.cfg = next

	selected := a.coord.Selected()
	if selected != nil {
		a.applySelectionChangesLocked(ctx, d, selected)
	} else if d.WindowChanged {
		// No selection, nothing to replay.
		slog.Info("app: timeline window updated", "window", a.window)
	}
	return d
}

// applySelectionChangesLocked re-applies the current selection after a
// reload touched it: rerouted topics rebind, a removed channel stops the
// feed, a window change replays the feed.
func (a *App) applySelectionChangesLocked(ctx context.Context, d config.ConfigDiff, selected *coordinator.Channel) {
	for _, chd := range d.ChannelChanges {
		if chd.Name != selected.Name {
			continue
		}
		switch {
		case chd.Removed:
			slog.Warn("app: selected channel removed from config, stopping feed", "channel", selected.Name)
			a.stopFeedLocked()
			if err := a.coord.SetReceive(ctx, false); err != nil {
				slog.Warn("app: receive off after channel removal failed", "err", err)
			}
			return
		case chd.TopicsChanged:
			ch, ok := a.channelByNameLocked(selected.Name)
			if !ok {
				return
			}
			if err := a.coord.Select(ctx, ch); err != nil {
				slog.Warn("app: re-select after reroute failed", "channel", ch.Name, "err", err)
				return
			}
			a.restartFeedLocked(ch)
			slog.Info("app: selected channel rerouted", "channel", ch.Name, "audio_topic", ch.AudioTopic)
			return
		}
	}

	if d.WindowChanged && a.feed != nil {
		ch, ok := a.channelByNameLocked(selected.Name)
		if ok {
			a.restartFeedLocked(ch)
			slog.Info("app: timeline window updated, feed replayed", "window", a.window)
		}
	}
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run blocks until ctx is cancelled. The subsystems all run their own loops;
// Run exists so main can place the app in its run group.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	user := a.cfg.User.ID
	n := len(a.channels)
	a.mu.Unlock()
	slog.Info("app running", "user", user, "channels", n)
	<-ctx.Done()
	return ctx.Err()
}

// Shutdown tears down all subsystems: an in-progress capture session is
// stopped and its record published, the timeline feed stops, then the
// closers run in reverse construction order, so the coordinator's final
// producer flush still has a live broker connection underneath it. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if a.sessions.Active() {
			if _, err := a.sessions.Stop(ctx); err != nil && !errors.Is(err, ErrNoSession) {
				slog.Warn("shutdown: final session stop", "err", err)
			}
		}

		a.mu.Lock()
		a.stopFeedLocked()
		a.mu.Unlock()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Feed machinery ──────────────────────────────────────────────────────────

// restartFeedLocked replaces the timeline feed with a fresh replay of ch's
// metadata partition from offset 0. Direct-assign keeps the replay free of
// group coordination and commits nothing.
func (a *App) restartFeedLocked(ch coordinator.Channel) {
	a.stopFeedLocked()

	feedCtx, cancel := context.WithCancel(context.Background())
	consumer := streamlog.NewConsumer(a.subscriber, streamlog.Spec{
		Topic:     ch.MetaTopic,
		Direct:    true,
		Partition: ch.MetaPartition,
		Offset:    0,
	}, append(a.consumerOpts[:len(a.consumerOpts):len(a.consumerOpts)],
		streamlog.WithRetryFunc(func(int) {
			a.metrics.RecordReconnect(context.Background(), ch.MetaTopic)
		}),
		streamlog.WithExhaustedFunc(func() {
			a.metrics.RecordRetryExhaustion(context.Background(), ch.MetaTopic)
		}),
	)...)

	index := timeline.NewIndex(ch.MetaPartition, a.window, timeline.WithMetrics(a.metrics))
	views := index.Build(feedCtx, consumer.Start(feedCtx))

	a.feed = &timelineFeed{cancel: cancel, consumer: consumer, views: views}
}

// stopFeedLocked cancels and joins the live feed, if any.
func (a *App) stopFeedLocked() {
	if a.feed == nil {
		return
	}
	a.feed.cancel()
	a.feed.consumer.Stop()
	a.feed = nil
}

func (a *App) channelByNameLocked(name string) (coordinator.Channel, bool) {
	for _, ch := range a.channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return coordinator.Channel{}, false
}

// ─── Config mapping ──────────────────────────────────────────────────────────

// brokerLog builds the kafka-backed log capability from the broker config.
func brokerLog(cfg config.BrokerConfig) (*kafka.Log, error) {
	kc := kafka.Config{
		Brokers:     cfg.Endpoints,
		DialTimeout: time.Duration(cfg.DialTimeoutMs) * time.Millisecond,
	}
	if cfg.TLS != nil {
		kc.TLS = &kafka.TLSFiles{
			CA:   cfg.TLS.CAFile,
			Cert: cfg.TLS.CertFile,
			Key:  cfg.TLS.KeyFile,
		}
	}
	return kafka.New(kc)
}

// consumerOptions maps the consumer tuning block to streamlog options,
// leaving package defaults in place for zero values.
func consumerOptions(cfg config.ConsumerConfig) []streamlog.ConsumerOption {
	var opts []streamlog.ConsumerOption
	if cfg.RetryBudget > 0 {
		opts = append(opts, streamlog.WithRetryBudget(cfg.RetryBudget))
	}
	if cfg.BackoffInitialMs > 0 {
		factor := cfg.BackoffFactor
		if factor <= 0 {
			factor = streamlog.DefaultBackoffFactor
		}
		max := time.Duration(cfg.BackoffMaxMs) * time.Millisecond
		if max <= 0 {
			max = streamlog.DefaultBackoffMax
		}
		opts = append(opts, streamlog.WithBackoff(
			time.Duration(cfg.BackoffInitialMs)*time.Millisecond, factor, max))
	}
	if cfg.PollTimeoutMs > 0 {
		opts = append(opts, streamlog.WithPollTimeout(time.Duration(cfg.PollTimeoutMs)*time.Millisecond))
	}
	return opts
}

func startStrategy(s config.StartStrategy) streamlog.StartStrategy {
	if s == config.StartEarliest {
		return streamlog.StartEarliest
	}
	return streamlog.StartLatest
}

func channelsFromConfig(chs []config.ChannelConfig) []coordinator.Channel {
	out := make([]coordinator.Channel, len(chs))
	for i, ch := range chs {
		out[i] = coordinator.Channel{
			Name:           ch.Name,
			ID:             ch.ID,
			AudioTopic:     ch.AudioTopic,
			AudioPartition: ch.AudioPartition,
			MetaTopic:      ch.MetaTopic,
			MetaPartition:  ch.MetaPartition,
		}
	}
	return out
}

func timelineWindow(cfg config.TimelineConfig) time.Duration {
	if cfg.WindowHours > 0 {
		return time.Duration(cfg.WindowHours) * time.Hour
	}
	return timeline.DefaultWindow
}
