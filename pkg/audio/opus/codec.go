// Package opus implements the [audio.Codec] capability on top of the Opus
// reference codec via layeh.com/gopus, at the fixed airlog profile:
// 48 kHz mono, 60 ms (2880-sample) frames, general-audio application.
package opus

import (
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/airlog-audio/airlog/pkg/audio"
)

// maxPayload bounds the encoder output buffer. Opus never exceeds this for a
// single 60 ms mono frame at speech bitrates.
const maxPayload = 4000

// Codec is one Opus encoder/decoder session. Each open/close bracket is
// exclusive; concurrent encode and decode use separate instances.
type Codec struct {
	mu        sync.Mutex
	enc       *gopus.Encoder
	dec       *gopus.Decoder
	frameSize int
	closed    bool
}

// New opens an Opus session at the given profile. sampleRate and channels
// must match one of the rates Opus supports; frameSize is the sample count
// per frame per channel.
func New(sampleRate, channels, frameSize int) (*Codec, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Codec{enc: enc, dec: dec, frameSize: frameSize}, nil
}

// Factory returns an [audio.CodecFactory] producing sessions at the fixed
// airlog profile. Capture and playback each call it once per session.
func Factory() audio.CodecFactory {
	return func() (audio.Codec, error) {
		return New(audio.SampleRate, audio.Channels, audio.FrameSize)
	}
}

// Encode compresses exactly one frame of PCM. Blocks of any other length are
// a contract violation.
func (c *Codec) Encode(pcm []int16) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &audio.CodecError{Op: "encode", Err: errClosed}
	}
	if len(pcm) != c.frameSize {
		return nil, &audio.CodecError{
			Op:  "encode",
			Err: fmt.Errorf("opus: block is %d samples, want %d", len(pcm), c.frameSize),
		}
	}
	payload, err := c.enc.Encode(pcm, c.frameSize, maxPayload)
	if err != nil {
		return nil, &audio.CodecError{Op: "encode", Err: err}
	}
	return payload, nil
}

// Decode decompresses one frame payload into frameSize samples. Corrupt or
// undersized payloads return a [*audio.CodecError]; decoding never panics on
// malformed input, it degrades.
func (c *Codec) Decode(frame []byte) ([]int16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, &audio.CodecError{Op: "decode", Err: errClosed}
	}
	if len(frame) < audio.MinFramePayload {
		return nil, &audio.CodecError{
			Op:  "decode",
			Err: fmt.Errorf("opus: payload too short (%d bytes)", len(frame)),
		}
	}
	pcm, err := c.dec.Decode(frame, c.frameSize, false)
	if err != nil {
		return nil, &audio.CodecError{Op: "decode", Err: err}
	}
	return pcm, nil
}

// Close releases the session. The native codec state is dropped immediately
// so a successor session can open without waiting on finalization. Safe to
// call more than once.
func (c *Codec) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.enc = nil
	c.dec = nil
	return nil
}

var errClosed = fmt.Errorf("opus: codec session closed")
