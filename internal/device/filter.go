package device

import (
	"sync"

	"github.com/eberran/voicemesh/internal/audio"
)

// Filter is one stage of the device-side signal processing chain.
type Filter interface {
	Name() string
	Process(samples []int16) []int16
}

// StereoToMonoFilter downmixes interleaved stereo capture to mono. The
// capture pipeline excludes it when encoding the stereo payload.
type StereoToMonoFilter struct{}

func (StereoToMonoFilter) Name() string { return "stereo_to_mono" }

func (StereoToMonoFilter) Process(samples []int16) []int16 {
	return audio.DownmixToMono(samples)
}

// LimiterFilter clamps samples to a ceiling to avoid clipping artifacts
// after upstream gain stages.
type LimiterFilter struct {
	// Ceiling in absolute sample units. Zero means the default of 28000.
	Ceiling int16
}

func (LimiterFilter) Name() string { return "limiter" }

func (f LimiterFilter) Process(samples []int16) []int16 {
	ceiling := f.Ceiling
	if ceiling <= 0 {
		ceiling = 28000
	}
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s > ceiling:
			out[i] = ceiling
		case s < -ceiling:
			out[i] = -ceiling
		default:
			out[i] = s
		}
	}
	return out
}

// Denoiser is the binding point for a model-backed noise suppressor
// such as RNNoise. None ships in-tree; platforms that carry one attach
// it to a NoiseSuppressionFilter.
type Denoiser interface {
	Denoise(samples []int16) []int16
}

// NoiseSuppressionFilter limits the frame and then runs the attached
// denoiser over it. With no denoiser attached it passes samples
// through untouched.
type NoiseSuppressionFilter struct {
	mu       sync.Mutex
	denoiser Denoiser
}

func NewNoiseSuppressionFilter(d Denoiser) *NoiseSuppressionFilter {
	return &NoiseSuppressionFilter{denoiser: d}
}

func (f *NoiseSuppressionFilter) Name() string { return "noise_suppression" }

// SetDenoiser swaps or detaches the suppressor at runtime.
func (f *NoiseSuppressionFilter) SetDenoiser(d Denoiser) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denoiser = d
}

func (f *NoiseSuppressionFilter) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.denoiser != nil
}

func (f *NoiseSuppressionFilter) Process(samples []int16) []int16 {
	f.mu.Lock()
	d := f.denoiser
	f.mu.Unlock()
	if d == nil {
		return samples
	}
	// Hot input saturates the model, so clamp before suppressing.
	return d.Denoise(LimiterFilter{}.Process(samples))
}
