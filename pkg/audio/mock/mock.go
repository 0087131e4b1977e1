// Package mock provides in-memory mock implementations of the
// [audio.DeviceOpener], [audio.InputDevice], [audio.OutputDevice], and
// [audio.Codec] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record calls so tests can
// assert on counts and arguments, and expose exported fields the test sets
// to control return values.
package mock

import (
	"errors"
	"io"
	"sync"

	"github.com/airlog-audio/airlog/pkg/audio"
)

// ─── Devices ─────────────────────────────────────────────────────────────────

// InputDevice is a mock [audio.InputDevice] that serves pre-loaded PCM
// blocks. When the blocks run out, Read returns ReadError (or [io.EOF] when
// ReadError is nil) unless BlockForever is set, in which case Read blocks
// until Close.
type InputDevice struct {
	mu sync.Mutex

	// Blocks are served one per Read call, in order.
	Blocks [][]int16

	// ReadError is returned once Blocks are exhausted.
	ReadError error

	// BlockForever makes Read block after Blocks are exhausted until Close.
	BlockForever bool

	// CallCountRead and CallCountClose record call counts.
	CallCountRead  int
	CallCountClose int

	next     int
	closed   chan struct{}
	initOnce sync.Once
}

func (d *InputDevice) init() {
	d.initOnce.Do(func() { d.closed = make(chan struct{}) })
}

// Read implements [audio.InputDevice].
func (d *InputDevice) Read(buf []int16) error {
	d.init()
	d.mu.Lock()
	d.CallCountRead++
	if d.next < len(d.Blocks) {
		copy(buf, d.Blocks[d.next])
		d.next++
		d.mu.Unlock()
		return nil
	}
	blockForever, readErr := d.BlockForever, d.ReadError
	d.mu.Unlock()

	if blockForever {
		<-d.closed
		return io.EOF
	}
	if readErr != nil {
		return readErr
	}
	return io.EOF
}

// Close implements [audio.InputDevice].
func (d *InputDevice) Close() error {
	d.init()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	if d.CallCountClose == 1 {
		close(d.closed)
	}
	return nil
}

// OutputDevice is a mock [audio.OutputDevice] that records written blocks.
type OutputDevice struct {
	mu sync.Mutex

	// WriteError, when set, is returned by every Write call.
	WriteError error

	// Written holds a copy of every block written, in order.
	Written [][]int16

	// CallCountClose records Close calls.
	CallCountClose int
}

// Write implements [audio.OutputDevice].
func (d *OutputDevice) Write(buf []int16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.WriteError != nil {
		return d.WriteError
	}
	cp := make([]int16, len(buf))
	copy(cp, buf)
	d.Written = append(d.Written, cp)
	return nil
}

// Close implements [audio.OutputDevice].
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	return nil
}

// WrittenBlocks returns a snapshot of all blocks written so far.
func (d *OutputDevice) WrittenBlocks() [][]int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]int16, len(d.Written))
	copy(out, d.Written)
	return out
}

// Opener is a mock [audio.DeviceOpener].
type Opener struct {
	mu sync.Mutex

	// Input is returned by OpenInput. Nil with a nil InputError yields a
	// fresh empty InputDevice.
	Input *InputDevice

	// Output is returned by OpenOutput. Nil with a nil OutputError yields a
	// fresh empty OutputDevice.
	Output *OutputDevice

	// InputError and OutputError, when set, fail the respective open call.
	// Set InputError to audio.ErrPermissionDenied to simulate a missing
	// microphone permission.
	InputError  error
	OutputError error

	// CallCountOpenInput and CallCountOpenOutput record call counts.
	CallCountOpenInput  int
	CallCountOpenOutput int
}

// OpenInput implements [audio.DeviceOpener].
func (o *Opener) OpenInput(sampleRate, channels int) (audio.InputDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountOpenInput++
	if o.InputError != nil {
		return nil, o.InputError
	}
	if o.Input == nil {
		o.Input = &InputDevice{}
	}
	return o.Input, nil
}

// OpenOutput implements [audio.DeviceOpener].
func (o *Opener) OpenOutput(sampleRate, channels int) (audio.OutputDevice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountOpenOutput++
	if o.OutputError != nil {
		return nil, o.OutputError
	}
	if o.Output == nil {
		o.Output = &OutputDevice{}
	}
	return o.Output, nil
}

// ─── Codec ───────────────────────────────────────────────────────────────────

// Codec is a mock [audio.Codec]. Encode prefixes the little-endian PCM bytes
// with a marker byte so Decode can reverse it, which keeps round-trip tests
// meaningful without a real codec.
//
// Set DTXAfter to make Encode return a 1-byte payload (discontinuous
// transmission) for every block from that call count on. Set DecodeError to
// fail specific payloads.
type Codec struct {
	mu sync.Mutex

	// EncodeError, when set, is returned by every Encode call.
	EncodeError error

	// DecodeError, when set, is returned by every Decode call.
	DecodeError error

	// DTXOn lists 1-based Encode call indices that return an undersized
	// (silence) payload instead of a real one.
	DTXOn map[int]bool

	// CallCountEncode, CallCountDecode, and CallCountClose record call counts.
	CallCountEncode int
	CallCountDecode int
	CallCountClose  int

	// Decoded holds the payloads passed to Decode, in order.
	Decoded [][]byte
}

const codecMarker = 0x42

// Encode implements [audio.Codec].
func (c *Codec) Encode(pcm []int16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountEncode++
	if c.EncodeError != nil {
		return nil, c.EncodeError
	}
	if len(pcm) != audio.FrameSize {
		return nil, &audio.CodecError{Op: "encode", Err: errors.New("mock: wrong block size")}
	}
	if c.DTXOn[c.CallCountEncode] {
		return []byte{0x00}, nil
	}
	return append([]byte{codecMarker}, audio.Int16sToBytes(pcm)...), nil
}

// Decode implements [audio.Codec].
func (c *Codec) Decode(frame []byte) ([]int16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountDecode++
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.Decoded = append(c.Decoded, cp)
	if c.DecodeError != nil {
		return nil, c.DecodeError
	}
	if len(frame) < 1 || frame[0] != codecMarker {
		return nil, &audio.CodecError{Op: "decode", Err: errors.New("mock: corrupt payload")}
	}
	return audio.BytesToInt16s(frame[1:]), nil
}

// Close implements [audio.Codec].
func (c *Codec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	return nil
}

// Factory returns an [audio.CodecFactory] that always hands out c itself,
// letting tests inspect the shared mock after the session ends.
func (c *Codec) Factory() audio.CodecFactory {
	return func() (audio.Codec, error) { return c, nil }
}
