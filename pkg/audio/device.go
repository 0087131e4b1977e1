package audio

// InputDevice is an exclusive handle on an opened audio input (microphone).
// Read blocks until buf is filled with one block of 16-bit samples.
//
// Devices are single-owner resources: a restart reacquires the device, so
// Close must release it on every session exit path. Close must be safe to
// call more than once and must unblock a pending Read, which is how the
// capture loop observes cancellation mid-read.
type InputDevice interface {
	Read(buf []int16) error
	Close() error
}

// OutputDevice is an exclusive handle on an opened audio output (speaker).
// Write blocks until buf has been handed to the device. Close must be safe
// to call more than once and must unblock a pending Write.
type OutputDevice interface {
	Write(buf []int16) error
	Close() error
}

// DeviceOpener opens audio devices at the fixed profile (48 kHz mono 16-bit).
// Platform adapter packages implement this; audio/mock provides an in-memory
// implementation for tests.
//
// OpenInput returns an error wrapping [ErrPermissionDenied] when the process
// lacks audio input access.
type DeviceOpener interface {
	OpenInput(sampleRate, channels int) (InputDevice, error)
	OpenOutput(sampleRate, channels int) (OutputDevice, error)
}
