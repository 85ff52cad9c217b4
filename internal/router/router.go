package router

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eberran/voicemesh/internal/mute"
	"github.com/eberran/voicemesh/internal/observability"
	"github.com/eberran/voicemesh/internal/protocol"
	"github.com/eberran/voicemesh/internal/session"
)

// Position is a participant's location in a named world. Routing never
// crosses world boundaries.
type Position struct {
	World   string
	X, Y, Z float64
}

func (p Position) DistanceTo(o Position) float64 {
	dx, dy, dz := p.X-o.X, p.Y-o.Y, p.Z-o.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Locator resolves participant positions. It is provided by the
// embedding application; participants without a position receive and
// produce no proximity audio.
type Locator interface {
	Locate(participantID uuid.UUID) (Position, bool)
}

// Router fans inbound audio out to listeners in range. Payloads pass
// through opaque; only headers are read and rewritten.
type Router struct {
	sessions    *session.Manager
	sources     *Sources
	locator     Locator
	mutes       *mute.Manager
	metrics     *observability.Metrics
	activations map[uuid.UUID]protocol.ActivationInfo
	codecName   string

	// latency is set once at wiring time, before traffic.
	latency *observability.LatencyWindow

	mu             sync.RWMutex
	onSourceUpdate func(source protocol.SourceInfo)
}

func NewRouter(sessions *session.Manager, locator Locator, mutes *mute.Manager, metrics *observability.Metrics, activations []protocol.ActivationInfo, codecName string) *Router {
	byID := make(map[uuid.UUID]protocol.ActivationInfo, len(activations))
	for _, a := range activations {
		byID[protocol.ActivationID(a.Name)] = a
	}
	return &Router{
		sessions:    sessions,
		sources:     NewSources(),
		locator:     locator,
		mutes:       mutes,
		metrics:     metrics,
		activations: byID,
		codecName:   codecName,
	}
}

// SetLatencyWindow installs the sliding-window stats the control API
// serves. Must be called before traffic starts.
func (r *Router) SetLatencyWindow(w *observability.LatencyWindow) {
	r.latency = w
}

// SetSourceUpdateHook registers the callback that pushes a refreshed
// source descriptor to listeners whenever a source mutates.
func (r *Router) SetSourceUpdateHook(hook func(source protocol.SourceInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSourceUpdate = hook
}

// SourceByID exposes the descriptor for control channel info requests.
func (r *Router) SourceByID(id uuid.UUID) (protocol.SourceInfo, bool) {
	src, ok := r.sources.ByID(id)
	if !ok {
		return protocol.SourceInfo{}, false
	}
	return src.Info(), true
}

// HandleAudio routes one inbound frame. Implements session.AudioHandler.
func (r *Router) HandleAudio(conn *session.ClientConn, packet protocol.AudioData) {
	start := time.Now()
	defer r.latency.ObserveSince("route_audio", start)

	activation, ok := r.activations[packet.ActivationID]
	if !ok {
		r.metrics.FrameDrops.WithLabelValues("unknown_activation").Inc()
		return
	}
	if r.mutes != nil && r.mutes.IsMuted(context.Background(), conn.ParticipantID) {
		r.metrics.FrameDrops.WithLabelValues("muted").Inc()
		return
	}

	// The effective layout is the intersection of what the sender
	// captured and what the channel permits.
	stereo := packet.Stereo && activation.Stereo
	lineID := protocol.SourceLineID(activation.Name)
	src, created := r.sources.GetOrCreate(conn.ParticipantID, conn.Name, packet.ActivationID, lineID, r.codecName, stereo)
	if created {
		r.latency.ObserveIndicator("stream_started")
	}
	if src.SetStereo(stereo) || created {
		r.pushSourceUpdate(src)
	}

	distance := clampDistance(activation, packet.Distance)

	var senderPos Position
	ranged := len(activation.Distances) > 0
	if ranged {
		pos, ok := r.locator.Locate(conn.ParticipantID)
		if !ok {
			r.metrics.FrameDrops.WithLabelValues("no_position").Inc()
			return
		}
		senderPos = pos
	}

	out := protocol.SourceAudio{
		Sequence:    packet.Sequence,
		SourceID:    src.ID(),
		SourceState: src.State(),
		Distance:    distance,
		Payload:     packet.Payload,
	}

	var reached []uuid.UUID
	for _, listener := range r.sessions.All() {
		if listener.ParticipantID == conn.ParticipantID || !listener.Bound() {
			continue
		}
		if !src.admits(listener.ParticipantID) {
			continue
		}
		if ranged && !r.inRange(senderPos, listener.ParticipantID, distance) {
			continue
		}
		out.Secret = listener.Secret
		if err := listener.Send(out.Marshal()); err != nil {
			continue
		}
		reached = append(reached, listener.ParticipantID)
	}
	src.setListeners(reached)

	r.metrics.AudioPackets.WithLabelValues("out", "source_audio").Add(float64(len(reached)))
	r.metrics.RoutingFanout.Observe(float64(len(reached)))

	// The sender learns its own stream reached the server.
	self := protocol.SelfAudioInfo{
		Secret:   conn.Secret,
		SourceID: src.ID(),
		Sequence: packet.Sequence,
		Distance: distance,
	}
	conn.Send(self.Marshal())
}

// HandleAudioEnd closes a stream: the terminal marker goes to everyone
// who heard the most recent packet, regardless of where they have moved
// since.
func (r *Router) HandleAudioEnd(participantID uuid.UUID, end protocol.AudioEnd) {
	src, ok := r.sources.ByOwnerActivation(participantID, end.ActivationID)
	if !ok {
		return
	}
	r.endSource(src, end.Sequence)
}

// HandleDisconnect closes every live stream of a departing participant.
func (r *Router) HandleDisconnect(participantID uuid.UUID) {
	for _, src := range r.sources.RemoveOwner(participantID) {
		r.endSource(src, 0)
	}
}

func (r *Router) endSource(src *Source, sequence uint64) {
	start := time.Now()
	defer r.latency.ObserveSince("route_end", start)
	r.latency.ObserveIndicator("stream_ended")

	out := protocol.SourceAudioEnd{
		SourceID: src.ID(),
		Sequence: sequence,
	}
	var sent int
	for _, listenerID := range src.Listeners() {
		listener, ok := r.sessions.ByParticipant(listenerID)
		if !ok || !listener.Bound() {
			continue
		}
		out.Secret = listener.Secret
		if err := listener.Send(out.Marshal()); err == nil {
			sent++
		}
	}
	src.setListeners(nil)
	r.metrics.AudioPackets.WithLabelValues("out", "source_audio_end").Add(float64(sent))
}

func (r *Router) inRange(senderPos Position, listenerID uuid.UUID, distance uint16) bool {
	pos, ok := r.locator.Locate(listenerID)
	if !ok || pos.World != senderPos.World {
		return false
	}
	return senderPos.DistanceTo(pos) <= float64(distance)
}

func (r *Router) pushSourceUpdate(src *Source) {
	r.mu.RLock()
	hook := r.onSourceUpdate
	r.mu.RUnlock()
	if hook != nil {
		hook(src.Info())
	}
}

// clampDistance keeps a client-announced distance inside the channel's
// configured set, falling back to the nearest allowed value.
func clampDistance(activation protocol.ActivationInfo, distance uint16) uint16 {
	if len(activation.Distances) == 0 {
		return 0
	}
	best := activation.Distances[0]
	bestDiff := diff(best, distance)
	for _, d := range activation.Distances[1:] {
		if dd := diff(d, distance); dd < bestDiff {
			best, bestDiff = d, dd
		}
	}
	return best
}

func diff(a, b uint16) uint16 {
	if a > b {
		return a - b
	}
	return b - a
}
