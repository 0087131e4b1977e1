package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/airlog-audio/airlog/internal/coordinator"
	"github.com/airlog-audio/airlog/internal/observe"
	"github.com/airlog-audio/airlog/internal/timeline"
	"github.com/airlog-audio/airlog/pkg/audio"
)

// Flush bounds. The session flush must complete before the metadata record
// is published so the record never points past frames the broker has not
// acknowledged; the reaction flush bounds how long a toggle confirmation
// can take.
const (
	DefaultSessionFlush  = 5000 * time.Millisecond
	DefaultReactionFlush = 1000 * time.Millisecond
)

// ErrNoSession is returned by Stop when no capture session is in progress.
var ErrNoSession = errors.New("app: no capture session active")

// SessionInfo describes one capture session: where its frames landed on the
// audio log and how many were delivered.
type SessionInfo struct {
	UserID      string
	ChannelName string
	ChannelID   int

	// StartOffset and EndOffset are the first and last acknowledged frame
	// offsets. Meaningful only once Frames > 0.
	StartOffset int64
	EndOffset   int64
	Frames      int

	StartedAt time.Time
}

// SessionManager owns the capture-session lifecycle: starting the recording,
// publishing every encoded frame as it is produced, and, on stop, flushing
// the audio log and publishing the end-of-session record to the channel's
// metadata topic. It also handles reaction toggles, which republish the full
// session record under its original key.
//
// At most one session is active at a time; all exported methods are safe for
// concurrent use.
type SessionManager struct {
	coord   *coordinator.Coordinator
	metrics *observe.Metrics
	userID  string

	sessionFlush  time.Duration
	reactionFlush time.Duration

	mu     sync.Mutex
	active bool
	info   SessionInfo
	cancel context.CancelFunc
}

// NewSessionManager creates a session manager publishing as userID through
// coord's producer. Non-positive flush bounds fall back to the defaults.
func NewSessionManager(coord *coordinator.Coordinator, userID string, sessionFlush, reactionFlush time.Duration, metrics *observe.Metrics) *SessionManager {
	if sessionFlush <= 0 {
		sessionFlush = DefaultSessionFlush
	}
	if reactionFlush <= 0 {
		reactionFlush = DefaultReactionFlush
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &SessionManager{
		coord:         coord,
		metrics:       metrics,
		userID:        userID,
		sessionFlush:  sessionFlush,
		reactionFlush: reactionFlush,
	}
}

// Start begins a capture session on the selected channel. Every encoded
// frame (or silence marker) is published synchronously to the channel's
// audio topic with the user id as key; the offsets the broker reports back
// become the session's start/end bounds. A frame the broker does not
// acknowledge is logged and dropped; the session continues.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.active {
		return coordinator.ErrCaptureActive
	}
	ch := sm.coord.Selected()
	if ch == nil {
		return coordinator.ErrNoSelection
	}

	// Publishes outlive the caller's context: frames still in the capture
	// loop when Start's ctx ends must not fail mid-session.
	sessCtx, cancel := context.WithCancel(context.Background())
	key := []byte(sm.userID)

	onFrame := func(frame []byte) {
		if audio.IsSilenceMarker(frame) {
			sm.metrics.RecordSilenceSubstitution(sessCtx, "dtx")
		}
		producer := sm.coord.Producer()
		if producer == nil {
			return
		}
		begin := time.Now()
		meta, err := producer.Publish(sessCtx, ch.AudioTopic, ch.AudioPartition, key, frame)
		sm.metrics.RecordPublish(sessCtx, ch.AudioTopic, time.Since(begin), err)
		if err != nil {
			slog.Warn("session: frame not acknowledged, dropping",
				"topic", ch.AudioTopic, "err", err)
			return
		}
		sm.metrics.FramesPublished.Add(sessCtx, 1)

		sm.mu.Lock()
		if sm.info.Frames == 0 {
			sm.info.StartOffset = meta.Offset
		}
		sm.info.EndOffset = meta.Offset
		sm.info.Frames++
		sm.mu.Unlock()
	}

	if err := sm.coord.StartCapture(ctx, onFrame); err != nil {
		cancel()
		return err
	}
	sm.active = true
	sm.cancel = cancel
	sm.info = SessionInfo{
		UserID:      sm.userID,
		ChannelName: ch.Name,
		ChannelID:   ch.ID,
		StartedAt:   time.Now(),
	}
	slog.Info("session: capture started", "channel", ch.Name, "topic", ch.AudioTopic)
	return nil
}

// Stop ends the capture session, flushes the audio log, and publishes the
// session record to the channel's metadata topic under the key
// "msg-{channelId}-{startOffset}".
//
// The returned record is non-nil whenever at least one frame landed — even
// when the metadata publish itself failed, in which case the error is a
// [*streamlog.DeliveryError] and the audio session is still complete on the
// log. A session that delivered no frames returns (nil, nil).
func (sm *SessionManager) Stop(ctx context.Context) (*timeline.SessionRecord, error) {
	sm.mu.Lock()
	if !sm.active {
		sm.mu.Unlock()
		return nil, ErrNoSession
	}
	sm.mu.Unlock()

	captureErr := sm.coord.StopCapture(ctx)
	if captureErr != nil {
		slog.Warn("session: capture ended with error", "err", captureErr)
	}

	sm.mu.Lock()
	info := sm.info
	cancel := sm.cancel
	sm.active = false
	sm.cancel = nil
	sm.mu.Unlock()
	defer cancel()

	if info.Frames == 0 {
		slog.Info("session: no frames delivered, skipping session record",
			"channel", info.ChannelName)
		return nil, captureErr
	}

	producer := sm.coord.Producer()
	ch := sm.coord.Selected()
	if producer == nil || ch == nil {
		return nil, fmt.Errorf("app: channel binding lost during capture")
	}

	// Frames first, then the record that references them.
	flushCtx, flushCancel := context.WithTimeout(ctx, sm.sessionFlush)
	err := producer.Flush(flushCtx)
	flushCancel()
	if err != nil {
		slog.Warn("session: audio flush incomplete before session record", "err", err)
	}

	rec := timeline.NewSessionRecord(sm.userID, info.ChannelID, info.StartOffset, info.EndOffset, time.Now())
	value, err := rec.Encode()
	if err != nil {
		return nil, fmt.Errorf("app: encode session record: %w", err)
	}

	begin := time.Now()
	_, err = producer.Publish(ctx, ch.MetaTopic, ch.MetaPartition, []byte(rec.Key()), value)
	sm.metrics.RecordPublish(ctx, ch.MetaTopic, time.Since(begin), err)
	if err != nil {
		// The audio frames are already on the log; the session is complete
		// even though the timeline will not show it.
		slog.Error("session: session record publish failed, audio session complete",
			"key", rec.Key(), "err", err)
		return rec, err
	}

	slog.Info("session: published",
		"key", rec.Key(), "frames", info.Frames, "duration", rec.DurationDisplay())
	return rec, nil
}

// Active reports whether a capture session is in progress.
func (sm *SessionManager) Active() bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.active
}

// Info returns a snapshot of the current or most recent session.
func (sm *SessionManager) Info() SessionInfo {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.info
}

// ToggleReaction toggles this user's emoji reaction on rec and republishes
// the full updated record under the record's original key, so the compacted
// metadata feed converges on the latest full state. The republish is flushed
// before return; a failed delivery surfaces to the caller and publishes
// nothing partial.
func (sm *SessionManager) ToggleReaction(ctx context.Context, rec *timeline.SessionRecord, emoji string) (*timeline.SessionRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("app: nil session record")
	}
	producer := sm.coord.Producer()
	ch := sm.coord.Selected()
	if producer == nil || ch == nil {
		return nil, coordinator.ErrNoSelection
	}

	toggled := rec.ToggleReaction(emoji, sm.userID)
	value, err := toggled.Encode()
	if err != nil {
		return nil, fmt.Errorf("app: encode toggled record: %w", err)
	}

	begin := time.Now()
	_, err = producer.Publish(ctx, ch.MetaTopic, ch.MetaPartition, []byte(toggled.Key()), value)
	sm.metrics.RecordPublish(ctx, ch.MetaTopic, time.Since(begin), err)
	if err != nil {
		return nil, err
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, sm.reactionFlush)
	defer flushCancel()
	if err := producer.Flush(flushCtx); err != nil {
		slog.Warn("session: reaction flush incomplete", "key", toggled.Key(), "err", err)
	}
	return toggled, nil
}
