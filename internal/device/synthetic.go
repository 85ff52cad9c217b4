package device

import (
	"fmt"
	"math"
	"sync"
)

// SyntheticDevice is an InputDevice backed by a tone generator and an
// optional scripted frame queue. It stands in for real hardware in the
// probe binary and in tests.
type SyntheticDevice struct {
	mu      sync.Mutex
	format  Format
	open    bool
	started bool
	filters []Filter

	toneHz    float64
	amplitude int16
	phase     float64
	queue     [][]int16
}

func NewSynthetic(filters ...Filter) *SyntheticDevice {
	return &SyntheticDevice{
		filters:   filters,
		toneHz:    440,
		amplitude: 12000,
	}
}

// SetTone reconfigures the generated signal. An amplitude of zero
// produces silence frames.
func (d *SyntheticDevice) SetTone(hz float64, amplitude int16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toneHz = hz
	d.amplitude = amplitude
}

// Enqueue schedules an exact frame to be returned before generated ones.
func (d *SyntheticDevice) Enqueue(frame []int16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	copied := make([]int16, len(frame))
	copy(copied, frame)
	d.queue = append(d.queue, copied)
}

func (d *SyntheticDevice) Open(format Format) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if format.SampleRate <= 0 || format.FrameSize <= 0 {
		return &Error{Op: "open", Err: fmt.Errorf("invalid format %+v", format)}
	}
	d.format = format
	d.open = true
	return nil
}

func (d *SyntheticDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return &Error{Op: "start", Err: fmt.Errorf("device not open")}
	}
	d.started = true
	return nil
}

func (d *SyntheticDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	return nil
}

func (d *SyntheticDevice) Read() ([]int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil, &Error{Op: "read", Err: fmt.Errorf("device not open")}
	}
	if !d.started {
		return nil, nil
	}
	if len(d.queue) > 0 {
		frame := d.queue[0]
		d.queue = d.queue[1:]
		return frame, nil
	}

	n := d.format.FrameSize
	if d.format.Stereo {
		n *= 2
	}
	frame := make([]int16, n)
	if d.amplitude == 0 {
		return frame, nil
	}
	step := 2 * math.Pi * d.toneHz / float64(d.format.SampleRate)
	for i := 0; i < d.format.FrameSize; i++ {
		s := int16(float64(d.amplitude) * math.Sin(d.phase))
		d.phase += step
		if d.format.Stereo {
			frame[i*2] = s
			frame[i*2+1] = s
		} else {
			frame[i] = s
		}
	}
	return frame, nil
}

func (d *SyntheticDevice) Available() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open && d.started
}

func (d *SyntheticDevice) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *SyntheticDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.started = false
	d.queue = nil
	return nil
}

func (d *SyntheticDevice) ProcessFilters(samples []int16, exclude func(Filter) bool) []int16 {
	out := samples
	for _, f := range d.filters {
		if exclude != nil && exclude(f) {
			continue
		}
		out = f.Process(out)
	}
	return out
}
