// Package device abstracts the audio input hardware. The core never
// talks to drivers directly; an external collaborator supplies an
// InputDevice implementation.
package device

import "fmt"

// Format describes the stream an input device is opened with.
type Format struct {
	SampleRate int
	Stereo     bool
	FrameSize  int
}

// InputDevice is the inbound device capability. Read returns one frame
// of samples, or nil when no frame is ready yet.
type InputDevice interface {
	Open(format Format) error
	Start() error
	Stop() error
	Read() ([]int16, error)
	Available() bool
	IsOpen() bool
	Close() error

	// ProcessFilters runs the device-side filter chain over samples,
	// skipping filters for which exclude returns true. exclude may be nil.
	ProcessFilters(samples []int16, exclude func(Filter) bool) []int16
}

// Error marks a device failure. Fatal to the capture worker: it shuts
// down in order and is only revived by the next explicit start.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("device %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }
