// Package capture implements the client-side transmit decision engine:
// per-channel activation state machines and the real-time capture
// pipeline that turns device samples into sequenced network packets.
package capture

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eberran/voicemesh/internal/audio"
	"github.com/eberran/voicemesh/internal/protocol"
)

// Result is the per-frame decision of one activation.
type Result int

const (
	ResultNotActivated Result = iota
	ResultActivated
	ResultEnd
)

func (r Result) String() string {
	switch r {
	case ResultActivated:
		return "activated"
	case ResultEnd:
		return "end"
	default:
		return "not_activated"
	}
}

// transmitting reports whether the frame produces a packet.
func (r Result) transmitting() bool {
	return r == ResultActivated || r == ResultEnd
}

// Type is the closed set of activation trigger rules.
type Type int

const (
	TypePushToTalk Type = iota
	TypeVoiceActivity
	TypeInherit
)

const (
	// DefaultReleaseHold keeps push-to-talk active after key release so
	// word endings are not clipped.
	DefaultReleaseHold = 350 * time.Millisecond

	// DefaultVoiceHold keeps voice-activity active after the last frame
	// above the detection threshold.
	DefaultVoiceHold = 500 * time.Millisecond

	// DefaultThresholdDB is the voice-activity detection threshold.
	DefaultThresholdDB = -30.0
)

// Activation is one logical voice channel. Process is called from the
// capture worker only; the trigger flags (held, toggled, disabled) and
// the selected distance may be flipped from other goroutines.
type Activation struct {
	id         uuid.UUID
	name       string
	label      string
	distances  []uint16
	proximity  bool
	stereo     bool
	transitive bool
	weight     int

	typ         Type
	releaseHold time.Duration
	voiceHold   time.Duration
	thresholdDB float64

	held     atomic.Bool
	toggled  atomic.Bool
	disabled atomic.Bool

	distanceMu  sync.Mutex
	distanceIdx int
	onDistance  func(id uuid.UUID, distance uint16)

	// worker-owned runtime state
	activated      bool
	lastActivation time.Time

	now func() time.Time
}

// ActivationConfig tunes the state machine timings. Zero values pick
// the defaults above.
type ActivationConfig struct {
	Type        Type
	ReleaseHold time.Duration
	VoiceHold   time.Duration
	ThresholdDB float64
}

// NewActivation builds an activation from a server-advertised
// definition. The id is derived from the name on both ends.
func NewActivation(info protocol.ActivationInfo, cfg ActivationConfig) *Activation {
	a := &Activation{
		id:          protocol.ActivationID(info.Name),
		name:        info.Name,
		label:       info.Label,
		distances:   append([]uint16(nil), info.Distances...),
		proximity:   info.Proximity,
		stereo:      info.Stereo,
		transitive:  info.Transitive,
		weight:      info.Weight,
		typ:         cfg.Type,
		releaseHold: cfg.ReleaseHold,
		voiceHold:   cfg.VoiceHold,
		thresholdDB: cfg.ThresholdDB,
		now:         time.Now,
	}
	if a.releaseHold <= 0 {
		a.releaseHold = DefaultReleaseHold
	}
	if a.voiceHold <= 0 {
		a.voiceHold = DefaultVoiceHold
	}
	if a.thresholdDB == 0 {
		a.thresholdDB = DefaultThresholdDB
	}
	if len(a.distances) > 0 {
		a.distanceIdx = 0
		for i, d := range a.distances {
			if d == info.DefaultDistance {
				a.distanceIdx = i
				break
			}
		}
	}
	return a
}

func (a *Activation) ID() uuid.UUID    { return a.id }
func (a *Activation) Name() string     { return a.name }
func (a *Activation) Label() string    { return a.label }
func (a *Activation) Weight() int      { return a.weight }
func (a *Activation) Proximity() bool  { return a.proximity }
func (a *Activation) Transitive() bool { return a.transitive }
func (a *Activation) Stereo() bool     { return a.stereo }
func (a *Activation) Activated() bool  { return a.activated }

// SetHeld reflects the push-to-talk trigger key state.
func (a *Activation) SetHeld(held bool) { a.held.Store(held) }

// SetToggled sets the toggle-mute override for voice-activity and
// inherited channels.
func (a *Activation) SetToggled(toggled bool) { a.toggled.Store(toggled) }

func (a *Activation) SetDisabled(disabled bool) { a.disabled.Store(disabled) }

// Disabled reports whether the channel is administratively off. A
// voice-activity channel with toggle-mute set counts as disabled.
func (a *Activation) Disabled() bool {
	if a.typ != TypePushToTalk && a.toggled.Load() {
		return true
	}
	return a.disabled.Load()
}

// Distance returns the currently selected distance.
func (a *Activation) Distance() uint16 {
	a.distanceMu.Lock()
	defer a.distanceMu.Unlock()
	if len(a.distances) == 0 {
		return 0
	}
	return a.distances[a.distanceIdx]
}

// OnDistanceChange registers the hook invoked whenever the selected
// distance changes; it must broadcast the change to the server.
func (a *Activation) OnDistanceChange(hook func(id uuid.UUID, distance uint16)) {
	a.distanceMu.Lock()
	defer a.distanceMu.Unlock()
	a.onDistance = hook
}

// CycleDistance steps through the configured distance list, wrapping at
// both ends, and fires the change hook.
func (a *Activation) CycleDistance(forward bool) {
	a.distanceMu.Lock()
	if len(a.distances) == 0 {
		a.distanceMu.Unlock()
		return
	}
	if forward {
		a.distanceIdx = (a.distanceIdx + 1) % len(a.distances)
	} else {
		a.distanceIdx--
		if a.distanceIdx < 0 {
			a.distanceIdx = len(a.distances) - 1
		}
	}
	distance := a.distances[a.distanceIdx]
	hook := a.onDistance
	a.distanceMu.Unlock()

	if hook != nil {
		hook(a.id, distance)
	}
}

// Process evaluates one audio frame. parent is the proximity
// activation's result for this frame, nil when this activation is
// itself the proximity one.
func (a *Activation) Process(samples []int16, parent *Result) Result {
	if a.Disabled() {
		// A disabled channel that was streaming still gets its terminal
		// end so listeners are not left with a truncated stream.
		if a.activated {
			a.activated = false
			return ResultEnd
		}
		return ResultNotActivated
	}

	switch a.typ {
	case TypePushToTalk:
		return a.processPushToTalk()
	case TypeVoiceActivity:
		return a.processVoiceActivity(samples, parent)
	case TypeInherit:
		return a.processInherit(parent)
	default:
		return ResultNotActivated
	}
}

// Reset force-clears the runtime state without emitting an end result.
// Callers are responsible for terminal packets.
func (a *Activation) Reset() {
	a.activated = false
	a.lastActivation = time.Time{}
}

func (a *Activation) processPushToTalk() Result {
	if a.held.Load() {
		a.activated = true
		a.lastActivation = a.now()
	} else if a.activated && a.now().Sub(a.lastActivation) > a.releaseHold {
		a.activated = false
		return ResultEnd
	}

	if a.activated {
		return ResultActivated
	}
	return ResultNotActivated
}

func (a *Activation) processVoiceActivity(samples []int16, parent *Result) Result {
	if parent != nil {
		switch *parent {
		case ResultActivated:
			a.activated = true
			a.lastActivation = a.now()
			return ResultActivated
		case ResultEnd:
			a.activated = false
			return ResultEnd
		}
	}

	withinHold := a.now().Sub(a.lastActivation) <= a.voiceHold
	detected := audio.ContainsMinLevel(samples, a.thresholdDB)
	if withinHold || detected {
		if detected {
			a.lastActivation = a.now()
		}
		a.activated = true
		return ResultActivated
	}

	if a.activated {
		a.activated = false
		return ResultEnd
	}
	return ResultNotActivated
}

func (a *Activation) processInherit(parent *Result) Result {
	if parent == nil {
		return ResultNotActivated
	}

	a.activated = *parent == ResultActivated
	if a.activated {
		a.lastActivation = a.now()
	}
	return *parent
}
