package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// FrameFunc receives one emitted frame: either an encoded payload or the
// 2-byte silence marker. It is invoked from the capture goroutine and must
// not block for long, or the one-frame-per-60ms cadence slips.
type FrameFunc func(frame []byte)

// meterInterval is how many captured blocks pass between amplitude history
// updates.
const defaultMeterInterval = 2

// CaptureStream owns the input audio device for the duration of one recording
// session. Start opens a codec session and the device, then a dedicated
// goroutine reads fixed-size blocks, meters them, encodes them, and emits
// exactly one frame per block regardless of encode outcome — silence included
// — so the wall-clock cadence of the frame sequence is preserved.
//
// State machine: Idle → Recording → Idle. Safe for concurrent use.
type CaptureStream struct {
	opener   DeviceOpener
	newCodec CodecFactory
	history  *History
	interval int

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
	err     error
}

// CaptureOption configures a [CaptureStream].
type CaptureOption func(*CaptureStream)

// WithCaptureHistory sets the amplitude history fed by the capture loop.
// When not set, a history of [DefaultHistorySize] is created.
func WithCaptureHistory(h *History) CaptureOption {
	return func(c *CaptureStream) { c.history = h }
}

// WithMeterInterval sets how many blocks pass between amplitude updates.
func WithMeterInterval(n int) CaptureOption {
	return func(c *CaptureStream) {
		if n > 0 {
			c.interval = n
		}
	}
}

// NewCapture creates an idle CaptureStream. The opener and codec factory are
// used once per Start to acquire the session's exclusive resources.
func NewCapture(opener DeviceOpener, newCodec CodecFactory, opts ...CaptureOption) *CaptureStream {
	c := &CaptureStream{
		opener:   opener,
		newCodec: newCodec,
		interval: defaultMeterInterval,
	}
	for _, o := range opts {
		o(c)
	}
	if c.history == nil {
		c.history = NewHistory(DefaultHistorySize)
	}
	return c
}

// Start opens the codec and input device and begins the capture loop,
// delivering frames to onFrame. It returns [ErrPermissionDenied] (wrapped)
// when the device cannot be opened for lack of input access, and an error if
// a session is already running.
func (c *CaptureStream) Start(ctx context.Context, onFrame FrameFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("audio: capture already running")
	}

	codec, err := c.newCodec()
	if err != nil {
		return &CodecError{Op: "open", Err: err}
	}

	dev, err := c.opener.OpenInput(SampleRate, Channels)
	if err != nil {
		codec.Close()
		if errors.Is(err, ErrPermissionDenied) {
			return fmt.Errorf("audio: open input: %w", err)
		}
		return &DeviceError{Op: "open", Err: err}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.running = true
	c.err = nil

	go c.loop(loopCtx, dev, codec, onFrame)
	return nil
}

// loop is the dedicated capture goroutine. Device and codec release is
// guaranteed on every exit path: normal stop, cancellation, or error.
func (c *CaptureStream) loop(ctx context.Context, dev InputDevice, codec Codec, onFrame FrameFunc) {
	// Closing the device unblocks a Read in progress, so cancellation is
	// observed within one read cycle.
	unblock := context.AfterFunc(ctx, func() { dev.Close() })
	defer unblock()
	defer func() {
		if err := dev.Close(); err != nil {
			slog.Warn("capture: input device close failed", "err", err)
		}
		if err := codec.Close(); err != nil {
			slog.Warn("capture: codec close failed", "err", err)
		}
		c.history.Reset()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		close(c.done)
	}()

	block := make([]int16, FrameSize)
	for n := 0; ; n++ {
		if ctx.Err() != nil {
			return
		}
		if err := dev.Read(block); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(&DeviceError{Op: "read", Err: err})
			return
		}

		if n%c.interval == 0 {
			c.history.Push(RMS(block))
		}

		payload, err := codec.Encode(block)
		if err != nil {
			c.fail(&CodecError{Op: "encode", Err: err})
			return
		}
		// DTX: the encoder declined to emit a frame. The silence marker
		// keeps the one-frame-per-block invariant on the wire.
		if len(payload) < MinFramePayload {
			payload = SilenceMarker()
		}
		onFrame(payload)
	}
}

func (c *CaptureStream) fail(err error) {
	slog.Error("capture: session aborted", "err", err)
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

// Stop cancels the capture loop and joins it, releasing the device and codec.
// Idempotent; a no-op when no session is running.
func (c *CaptureStream) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Recording reports whether a capture session is currently running.
func (c *CaptureStream) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Err returns the error that aborted the last session, or nil if the session
// ended cleanly (or is still running).
func (c *CaptureStream) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Levels returns the normalized amplitude history for visualization.
func (c *CaptureStream) Levels() []float64 {
	return c.history.Levels()
}
