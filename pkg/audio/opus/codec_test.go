package opus_test

import (
	"errors"
	"math"
	"testing"

	"github.com/airlog-audio/airlog/pkg/audio"
	"github.com/airlog-audio/airlog/pkg/audio/opus"
)

// sineBlock builds one frame of a 440 Hz tone so the encoder has real
// content to work with (all-zero input can trigger DTX-sized output).
func sineBlock() []int16 {
	b := make([]int16, audio.FrameSize)
	for i := range b {
		b[i] = int16(8000 * math.Sin(2*math.Pi*440*float64(i)/float64(audio.SampleRate)))
	}
	return b
}

func TestRoundTripPreservesLength(t *testing.T) {
	t.Parallel()

	c, err := opus.New(audio.SampleRate, audio.Channels, audio.FrameSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	payload, err := c.Encode(sineBlock())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(payload) < audio.MinFramePayload {
		t.Fatalf("tone encoded to %d bytes, below minimum viable payload", len(payload))
	}

	pcm, err := c.Decode(payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	// Lossy content, exact length.
	if len(pcm) != audio.FrameSize {
		t.Errorf("decoded %d samples, want %d", len(pcm), audio.FrameSize)
	}
}

func TestEncodeRejectsWrongBlockSize(t *testing.T) {
	t.Parallel()

	c, err := opus.New(audio.SampleRate, audio.Channels, audio.FrameSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	var codecErr *audio.CodecError
	if _, err := c.Encode(make([]int16, audio.FrameSize-1)); !errors.As(err, &codecErr) {
		t.Fatalf("Encode(short block) error = %v, want *CodecError", err)
	}
	if _, err := c.Encode(nil); !errors.As(err, &codecErr) {
		t.Fatalf("Encode(nil) error = %v, want *CodecError", err)
	}
}

func TestDecodeUndersizedPayloadFails(t *testing.T) {
	t.Parallel()

	c, err := opus.New(audio.SampleRate, audio.Channels, audio.FrameSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	var codecErr *audio.CodecError
	if _, err := c.Decode([]byte{0x01}); !errors.As(err, &codecErr) {
		t.Fatalf("Decode(1 byte) error = %v, want *CodecError", err)
	}
	if _, err := c.Decode(nil); !errors.As(err, &codecErr) {
		t.Fatalf("Decode(nil) error = %v, want *CodecError", err)
	}
}

func TestUseAfterCloseFails(t *testing.T) {
	t.Parallel()

	c, err := opus.New(audio.SampleRate, audio.Channels, audio.FrameSize)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if _, err := c.Encode(sineBlock()); err == nil {
		t.Error("Encode after Close succeeded")
	}
	if _, err := c.Decode([]byte{0x01, 0x02, 0x03}); err == nil {
		t.Error("Decode after Close succeeded")
	}
}
