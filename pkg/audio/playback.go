package audio

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultPlaybackQueue is the frame queue capacity between OnFrame callers
// and the single decode worker.
const defaultPlaybackQueue = 64

// drainPollInterval is how often StopGracefully re-checks the in-flight
// counter while waiting for the queue to empty.
const drainPollInterval = 10 * time.Millisecond

// PlaybackStream owns the output audio device for one playback session.
// Frames arrive through OnFrame, which never blocks the caller: they are
// queued and consumed by exactly one worker that decodes and writes to the
// device strictly in arrival order. Out-of-order audio is unacceptable, so
// queued work for a session runs on one worker only.
//
// State machine: Idle → Playing → Idle, with a Draining sub-phase entered by
// StopGracefully. Safe for concurrent use.
type PlaybackStream struct {
	opener   DeviceOpener
	newCodec CodecFactory
	history  *History
	interval int
	queueCap int

	onRendered      func()
	onDecodeFailure func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	frames chan []byte
	state  playState

	processed  atomic.Int64
	inFlight   atomic.Int64
	firstWrite atomic.Int64 // unix nanos of first device write; 0 = none yet
	expected   atomic.Int64 // expected total duration in nanoseconds
}

type playState int

const (
	playIdle playState = iota
	playPlaying
	playDraining
)

// PlaybackOption configures a [PlaybackStream].
type PlaybackOption func(*PlaybackStream)

// WithPlaybackHistory sets the amplitude history fed by the decode worker.
func WithPlaybackHistory(h *History) PlaybackOption {
	return func(p *PlaybackStream) { p.history = h }
}

// WithPlaybackQueue sets the frame queue capacity. Frames arriving while the
// queue is full are dropped with a log line; frame loss must not stall the
// caller.
func WithPlaybackQueue(n int) PlaybackOption {
	return func(p *PlaybackStream) {
		if n > 0 {
			p.queueCap = n
		}
	}
}

// WithFrameRenderedFunc registers fn to run after every frame written to the
// output device. Used to count played frames.
func WithFrameRenderedFunc(fn func()) PlaybackOption {
	return func(p *PlaybackStream) { p.onRendered = fn }
}

// WithDecodeFailureFunc registers fn to run each time a decode failure
// degrades a frame to silence.
func WithDecodeFailureFunc(fn func()) PlaybackOption {
	return func(p *PlaybackStream) { p.onDecodeFailure = fn }
}

// NewPlayback creates an idle PlaybackStream.
func NewPlayback(opener DeviceOpener, newCodec CodecFactory, opts ...PlaybackOption) *PlaybackStream {
	p := &PlaybackStream{
		opener:   opener,
		newCodec: newCodec,
		interval: defaultMeterInterval,
		queueCap: defaultPlaybackQueue,
	}
	for _, o := range opts {
		o(p)
	}
	if p.history == nil {
		p.history = NewHistory(DefaultHistorySize)
	}
	return p
}

// SetExpectedDuration tells the stream how much audio the session is expected
// to render (target frame count × frame duration). Call before Start; used
// only to derive the progress fraction.
func (p *PlaybackStream) SetExpectedDuration(d time.Duration) {
	p.expected.Store(int64(d))
}

// Start opens the output device and decoder and begins the decode worker.
func (p *PlaybackStream) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != playIdle {
		return errors.New("audio: playback already running")
	}

	codec, err := p.newCodec()
	if err != nil {
		return &CodecError{Op: "open", Err: err}
	}
	dev, err := p.opener.OpenOutput(SampleRate, Channels)
	if err != nil {
		codec.Close()
		return &DeviceError{Op: "open", Err: err}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.frames = make(chan []byte, p.queueCap)
	p.state = playPlaying

	go p.loop(loopCtx, dev, codec)
	return nil
}

// OnFrame hands one received frame to the session. It never blocks: the frame
// is queued for the decode worker, and is rejected (returning false) when the
// session is idle or draining, or dropped when the queue is full.
func (p *PlaybackStream) OnFrame(payload []byte) bool {
	p.mu.Lock()
	if p.state != playPlaying {
		p.mu.Unlock()
		return false
	}
	frames := p.frames
	p.mu.Unlock()

	p.inFlight.Add(1)
	select {
	case frames <- payload:
		p.processed.Add(1)
		return true
	default:
		p.inFlight.Add(-1)
		slog.Warn("playback: frame queue full, dropping frame")
		return false
	}
}

// loop is the single decode worker. Frames are decoded and written in strict
// arrival order; a decode failure degrades to one frame of silence and is
// never fatal to the session. Device and codec release is guaranteed on every
// exit path.
func (p *PlaybackStream) loop(ctx context.Context, dev OutputDevice, codec Codec) {
	// Closing the device unblocks a Write in progress, so cancellation is
	// observed within one write cycle.
	unblock := context.AfterFunc(ctx, func() { dev.Close() })
	defer unblock()
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Warn("playback: output device close failed", "err", err)
		}
		if err := codec.Close(); err != nil {
			slog.Warn("playback: codec close failed", "err", err)
		}
		p.history.Reset()
		close(p.done)
	}()

	silence := make([]int16, FrameSize)
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-p.frames:
			block := silence
			// The silence marker is one frame of intentional quiet, not a
			// decode failure: the decoder is never invoked on it.
			if !IsSilenceMarker(payload) {
				pcm, err := codec.Decode(payload)
				if err != nil {
					slog.Warn("playback: decode failed, substituting silence",
						"bytes", len(payload), "err", err)
					if p.onDecodeFailure != nil {
						p.onDecodeFailure()
					}
				} else {
					block = pcm
				}
			}

			if p.firstWrite.Load() == 0 {
				p.firstWrite.Store(time.Now().UnixNano())
			}
			if err := dev.Write(block); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Error("playback: session aborted", "err", &DeviceError{Op: "write", Err: err})
				p.inFlight.Add(-1)
				return
			}
			p.inFlight.Add(-1)
			if p.onRendered != nil {
				p.onRendered()
			}

			if n%p.interval == 0 {
				p.history.Push(RMS(block))
			}
			n++
		}
	}
}

// Stop hard-stops the session: the worker is cancelled and joined, the device
// and decoder are torn down, and all counters and progress reset. Idempotent.
func (p *PlaybackStream) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.state = playIdle
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	p.processed.Store(0)
	p.inFlight.Store(0)
	p.firstWrite.Store(0)
	p.expected.Store(0)
}

// StopGracefully marks the session draining (new frames are rejected), waits
// until the in-flight counter reaches zero or maxWait elapses, then waits an
// additional estimate of the audio still buffered downstream before the hard
// stop. This keeps already-queued audio from being truncated.
func (p *PlaybackStream) StopGracefully(maxWait time.Duration) {
	p.mu.Lock()
	if p.state != playPlaying {
		p.mu.Unlock()
		return
	}
	p.state = playDraining
	p.mu.Unlock()

	deadline := time.Now().Add(maxWait)
	for p.inFlight.Load() > 0 && time.Now().Before(deadline) {
		time.Sleep(drainPollInterval)
	}

	// One extra frame covers the block handed to the device but not yet
	// rendered; anything still in flight after the deadline adds to it.
	remaining := time.Duration(p.inFlight.Load()+1) * FrameDuration
	time.Sleep(remaining)

	p.Stop()
}

// Playing reports whether a session is running (including draining).
func (p *PlaybackStream) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != playIdle
}

// Processed returns how many frames the session has accepted so far.
func (p *PlaybackStream) Processed() int64 {
	return p.processed.Load()
}

// Progress returns the playback progress fraction in [0, 1], derived from
// elapsed real time since the first device write over the expected total
// duration. Returns 0 before the first write or when no expectation is set.
func (p *PlaybackStream) Progress() float64 {
	first := p.firstWrite.Load()
	expected := p.expected.Load()
	if first == 0 || expected <= 0 {
		return 0
	}
	frac := float64(time.Now().UnixNano()-first) / float64(expected)
	if frac < 0 {
		return 0
	}
	if frac > 1 {
		return 1
	}
	return frac
}

// Levels returns the normalized amplitude history for visualization.
func (p *PlaybackStream) Levels() []float64 {
	return p.history.Levels()
}
