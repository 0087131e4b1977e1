// Package audio defines the types and capability interfaces for the airlog
// audio pipeline: fixed-duration encoded frames, the amplitude meter, and the
// capture and playback streams that bridge audio devices to the transport.
//
// The two consumed capabilities are:
//
//   - [DeviceOpener] — opens exclusive input/output audio devices.
//   - [Codec] — a stateful lossy speech codec session (see audio/opus for the
//     production implementation).
//
// Both are interfaces so that tests and headless deployments can substitute
// in-memory implementations (see audio/mock).
package audio

import "time"

// The fixed audio profile. Every frame traveling on the log is one
// FrameDuration of 48 kHz mono 16-bit PCM, encoded.
const (
	// SampleRate is the fixed capture and playback sample rate in Hz.
	SampleRate = 48000

	// Channels is the fixed channel count (mono).
	Channels = 1

	// FrameDuration is the wall-clock length of one frame.
	FrameDuration = 60 * time.Millisecond

	// FrameSize is the number of samples per frame: 48000 Hz × 60 ms.
	FrameSize = SampleRate * 60 / 1000 // 2880

	// MinFramePayload is the smallest encoder output considered a real frame.
	// Shorter payloads mean the encoder signalled discontinuous transmission
	// (pure silence) and are replaced by the silence marker on the wire.
	MinFramePayload = 3
)

// silenceMarker is the reserved 2-byte payload standing in for one frame
// duration of silence. It travels on the wire where the encoder declined to
// emit a frame, and is substituted locally when a frame fails to decode.
var silenceMarker = []byte{0x00, 0x00}

// SilenceMarker returns a fresh copy of the 2-byte silence marker payload.
func SilenceMarker() []byte {
	return []byte{silenceMarker[0], silenceMarker[1]}
}

// IsSilenceMarker reports whether payload is the reserved silence marker.
// Consumers must treat it as "advance the playback clock by one frame
// duration and emit silence", never as a decode error.
func IsSilenceMarker(payload []byte) bool {
	return len(payload) == 2 && payload[0] == 0x00 && payload[1] == 0x00
}

// Codec is one stateful encoder/decoder session over the fixed audio profile.
//
// A session is single-owner: concurrent encode and decode use separate
// instances, and Close releases the session's native buffers deterministically.
// Encode and Decode after Close return an error.
type Codec interface {
	// Encode compresses exactly [FrameSize] 16-bit samples into one frame
	// payload. Passing a block of any other length is a contract violation
	// and returns a [*CodecError]. The returned payload may be shorter than
	// [MinFramePayload] when the encoder signalled pure silence; callers
	// translate that into the silence marker rather than forwarding it.
	Encode(pcm []int16) ([]byte, error)

	// Decode decompresses one frame payload into [FrameSize] samples.
	// Malformed or undersized payloads return a [*CodecError] and never
	// panic; callers substitute a full silence block.
	Decode(frame []byte) ([]int16, error)

	// Close releases the codec session. Safe to call more than once.
	Close() error
}

// CodecFactory constructs a fresh [Codec] session. Capture and playback each
// open their own session per start/stop bracket so that codec state never
// crosses a session boundary.
type CodecFactory func() (Codec, error)

// Int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func Int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func BytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
