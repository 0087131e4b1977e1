package audio

import (
	"errors"
	"fmt"
)

// ErrPermissionDenied is returned by [CaptureStream.Start] when the input
// device cannot be opened for lack of audio input access. It is fatal to
// starting capture and is never retried.
var ErrPermissionDenied = errors.New("audio: input device permission denied")

// DeviceError wraps a device open/read/write failure. It aborts the current
// capture or playback session; the session's cleanup path still runs.
type DeviceError struct {
	// Op is the device operation that failed: "open", "read", "write", "close".
	Op string

	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("audio: device %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// CodecError wraps a codec failure. Open and encode failures abort the
// session; decode failures degrade to silence and never abort playback.
type CodecError struct {
	// Op is the codec operation that failed: "open", "encode", "decode".
	Op string

	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("audio: codec %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }
