package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/airlog-audio/airlog/pkg/audio"
	"github.com/airlog-audio/airlog/pkg/streamlog"
)

// drainBound caps the graceful-stop wait at the end of a ranged playback so
// a stuck in-flight counter cannot hang the coordinator.
const drainBound = 5 * time.Second

// PlayRange plays the inclusive audio record range [startOffset, endOffset]
// of the selected channel: a direct-assign subscription at startOffset feeds
// a playback session whose progress runs against expected (the session's
// frame count × frame duration). Once the record at endOffset has been
// handed to playback, no further records are requested from the transport
// and the session drains gracefully.
//
// PlayRange replaces any live receiver; when it finishes and receive is
// still on, the live receiver is rebuilt. It returns once the bounded
// session is started; Progress reports its advance.
func (c *Coordinator) PlayRange(ctx context.Context, startOffset, endOffset int64, expected time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.selected == nil {
		return ErrNoSelection
	}
	if c.capture != nil {
		return ErrCaptureActive
	}
	ch := *c.selected

	c.stopReceiverLocked()
	time.Sleep(c.settle)

	pb := c.newPlayback(ch.Name)
	pb.SetExpectedDuration(expected)
	if err := pb.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: start ranged playback: %w", err)
	}

	consumer := streamlog.NewConsumer(c.cfg.Subscriber, streamlog.Spec{
		Topic:     ch.AudioTopic,
		Direct:    true,
		Partition: ch.AudioPartition,
		Offset:    startOffset,
	}, c.consumerOptionsFor(ch.AudioTopic)...)

	records := consumer.Start(ctx)
	done := make(chan struct{})
	go func() {
		// done must close before finishPlayRange: teardown joins done while
		// holding the coordinator lock that finishPlayRange needs.
		func() {
			defer close(done)
			for rec := range records {
				pb.OnFrame(rec.Value)
				if rec.Offset >= endOffset {
					// End of the range: stop asking the transport for
					// frames and let the queued audio render out.
					consumer.Stop()
					break
				}
			}
			pb.StopGracefully(drainBound)
		}()
		c.finishPlayRange(ctx, pb)
	}()

	c.playback = pb
	c.consumer = consumer
	c.pumpDone = done
	c.cfg.Metrics.ActivePlaybacks.Add(ctx, 1)
	slog.Info("coordinator: ranged playback started",
		"channel", ch.Name, "start_offset", startOffset, "end_offset", endOffset)
	return nil
}

// Progress reports the live playback's progress fraction in [0, 1], or 0
// when nothing is playing.
func (c *Coordinator) Progress() float64 {
	c.mu.Lock()
	pb := c.playback
	c.mu.Unlock()
	if pb == nil {
		return 0
	}
	return pb.Progress()
}

// finishPlayRange clears the bounded session's registration and restores the
// live receiver when receive is still on.
func (c *Coordinator) finishPlayRange(ctx context.Context, pb *audio.PlaybackStream) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playback != pb {
		// A rebuild already replaced this session.
		return
	}
	c.consumer = nil
	c.pumpDone = nil
	c.playback = nil
	c.cfg.Metrics.ActivePlaybacks.Add(ctx, -1)

	if c.receive && c.selected != nil {
		if err := c.rebuildReceiverLocked(ctx); err != nil {
			slog.Warn("coordinator: receiver rebuild after ranged playback failed", "err", err)
		}
	}
}
