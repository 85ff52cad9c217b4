package router

import (
	"errors"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/eberran/voicemesh/internal/codec"
	"github.com/eberran/voicemesh/internal/crypto"
	"github.com/eberran/voicemesh/internal/protocol"
)

// ErrStaleSourceState marks a packet whose state byte disagrees with
// the cached descriptor.
var ErrStaleSourceState = errors.New("source state stale")

// InfoRequester asks the server for a source descriptor over the
// reliable channel.
type InfoRequester interface {
	RequestSourceInfo(sourceID uuid.UUID) error
}

// Sink consumes decoded inbound audio on the client.
type Sink interface {
	Play(source protocol.SourceInfo, sequence uint64, distance uint16, samples []int16)
	StreamEnded(source protocol.SourceInfo, sequence uint64)
}

// Receiver is the client half of the audio fan-in. Packets whose state
// byte disagrees with the cached descriptor are dropped, and exactly
// one descriptor request per stale generation goes out; the stream
// resumes once the refreshed descriptor arrives.
type Receiver struct {
	requester      InfoRequester
	sink           Sink
	decoderFactory func(stereo bool) codec.Decoder

	mu           sync.Mutex
	decrypt      crypto.Encryption
	sources      map[uuid.UUID]protocol.SourceInfo
	pending      map[uuid.UUID]struct{}
	decoders     map[uuid.UUID]codec.Decoder
	lastSequence map[uuid.UUID]uint64
	onSelfAudio  func(packet protocol.SelfAudioInfo)
}

func NewReceiver(requester InfoRequester, sink Sink, decoderFactory func(stereo bool) codec.Decoder) *Receiver {
	return &Receiver{
		requester:      requester,
		sink:           sink,
		decoderFactory: decoderFactory,
		sources:        make(map[uuid.UUID]protocol.SourceInfo),
		pending:        make(map[uuid.UUID]struct{}),
		decoders:       make(map[uuid.UUID]codec.Decoder),
		lastSequence:   make(map[uuid.UUID]uint64),
	}
}

// SetEncryption installs the session payload cipher.
func (r *Receiver) SetEncryption(decrypt crypto.Encryption) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decrypt = decrypt
}

// OnSelfAudio registers the callback for reflected own-stream feedback.
func (r *Receiver) OnSelfAudio(hook func(packet protocol.SelfAudioInfo)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSelfAudio = hook
}

// UpdateSource installs a descriptor from the control channel and
// clears the outstanding request latch for that source.
func (r *Receiver) UpdateSource(info protocol.SourceInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, known := r.sources[info.ID]
	r.sources[info.ID] = info
	delete(r.pending, info.ID)

	// A layout change invalidates the decoder state.
	if known && previous.Stereo != info.Stereo {
		if dec, ok := r.decoders[info.ID]; ok {
			dec.Close()
			delete(r.decoders, info.ID)
		}
	}
}

// HandleSourceAudio implements session.Receiver.
func (r *Receiver) HandleSourceAudio(packet protocol.SourceAudio) {
	r.mu.Lock()

	info, known := r.sources[packet.SourceID]
	if !known || info.State != packet.SourceState {
		if requested := r.requestInfoLocked(packet.SourceID); requested {
			log.Printf("receiver: dropping source %s: %v", packet.SourceID, ErrStaleSourceState)
		}
		r.mu.Unlock()
		return
	}

	if last, ok := r.lastSequence[packet.SourceID]; ok && packet.Sequence <= last {
		r.mu.Unlock()
		return
	}
	r.lastSequence[packet.SourceID] = packet.Sequence

	decrypt := r.decrypt
	dec, ok := r.decoders[packet.SourceID]
	if !ok && r.decoderFactory != nil {
		dec = r.decoderFactory(info.Stereo)
		r.decoders[packet.SourceID] = dec
	}
	r.mu.Unlock()

	payload := packet.Payload
	if decrypt != nil {
		opened, err := decrypt.Decrypt(payload)
		if err != nil {
			log.Printf("receiver: decrypt from source %s failed: %v", packet.SourceID, err)
			return
		}
		payload = opened
	}

	var samples []int16
	if dec != nil {
		decoded, err := dec.Decode(payload)
		if err != nil {
			log.Printf("receiver: decode from source %s failed: %v", packet.SourceID, err)
			return
		}
		samples = decoded
	}

	if r.sink != nil {
		r.sink.Play(info, packet.Sequence, packet.Distance, samples)
	}
}

// HandleSourceAudioEnd implements session.Receiver.
func (r *Receiver) HandleSourceAudioEnd(packet protocol.SourceAudioEnd) {
	r.mu.Lock()
	info, known := r.sources[packet.SourceID]
	delete(r.lastSequence, packet.SourceID)
	if dec, ok := r.decoders[packet.SourceID]; ok {
		dec.Reset()
	}
	sink := r.sink
	r.mu.Unlock()

	if known && sink != nil {
		sink.StreamEnded(info, packet.Sequence)
	}
}

// HandleSelfAudioInfo implements session.Receiver.
func (r *Receiver) HandleSelfAudioInfo(packet protocol.SelfAudioInfo) {
	r.mu.Lock()
	hook := r.onSelfAudio
	r.mu.Unlock()
	if hook != nil {
		hook(packet)
	}
}

// Reset drops all cached descriptors and decoder state, as on
// disconnect.
func (r *Receiver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, dec := range r.decoders {
		dec.Close()
		delete(r.decoders, id)
	}
	r.sources = make(map[uuid.UUID]protocol.SourceInfo)
	r.pending = make(map[uuid.UUID]struct{})
	r.lastSequence = make(map[uuid.UUID]uint64)
}

func (r *Receiver) requestInfoLocked(sourceID uuid.UUID) bool {
	if _, inflight := r.pending[sourceID]; inflight {
		return false
	}
	r.pending[sourceID] = struct{}{}
	if r.requester != nil {
		if err := r.requester.RequestSourceInfo(sourceID); err != nil {
			// Allow a retry on the next stale packet.
			delete(r.pending, sourceID)
			log.Printf("receiver: source info request for %s failed: %v", sourceID, err)
		}
	}
	return true
}
