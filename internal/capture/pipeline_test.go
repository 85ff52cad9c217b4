package capture

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eberran/voicemesh/internal/device"
	"github.com/eberran/voicemesh/internal/protocol"
)

type sentAudio struct {
	seq      uint64
	id       uuid.UUID
	distance uint16
	stereo   bool
	payload  []byte
}

type sentEnd struct {
	seq      uint64
	id       uuid.UUID
	distance uint16
}

type recordSender struct {
	mu    sync.Mutex
	ready bool
	audio []sentAudio
	ends  []sentEnd
}

func (s *recordSender) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

func (s *recordSender) SendAudio(seq uint64, id uuid.UUID, distance uint16, stereo bool, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, sentAudio{seq: seq, id: id, distance: distance, stereo: stereo, payload: payload})
	return nil
}

func (s *recordSender) SendAudioEnd(seq uint64, id uuid.UUID, distance uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends = append(s.ends, sentEnd{seq: seq, id: id, distance: distance})
	return nil
}

func (s *recordSender) audioFor(id uuid.UUID) []sentAudio {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentAudio
	for _, a := range s.audio {
		if a.id == id {
			out = append(out, a)
		}
	}
	return out
}

func (s *recordSender) endsFor(id uuid.UUID) []sentEnd {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sentEnd
	for _, e := range s.ends {
		if e.id == id {
			out = append(out, e)
		}
	}
	return out
}

func newTestPipeline(t *testing.T, stereoCapture bool, filters ...device.Filter) (*Pipeline, *Registry, *recordSender, *device.SyntheticDevice) {
	t.Helper()
	dev := device.NewSynthetic(filters...)
	if err := dev.Open(device.Format{SampleRate: 48000, FrameSize: 960, Stereo: stereoCapture}); err != nil {
		t.Fatalf("open device: %v", err)
	}
	registry := NewRegistry()
	sender := &recordSender{ready: true}
	return NewPipeline(dev, registry, sender, stereoCapture), registry, sender, dev
}

func TestPipelineProximityStreamLifecycle(t *testing.T) {
	p, registry, sender, _ := newTestPipeline(t, false)

	prox, clock := newTestActivation(t, "proximity", TypeVoiceActivity, func(info *protocol.ActivationInfo) {
		info.Proximity = true
	})
	registry.Register(prox)

	p.processFrame(prox, loudFrame())
	p.processFrame(prox, loudFrame())
	clock.advance(time.Second)
	p.processFrame(prox, silentFrame())

	audio := sender.audioFor(prox.ID())
	if len(audio) != 3 {
		t.Fatalf("audio packets = %d, want 3 (two voiced plus final)", len(audio))
	}
	for i, a := range audio {
		if a.seq != uint64(i+1) {
			t.Fatalf("packet %d seq = %d, want %d", i, a.seq, i+1)
		}
		if a.distance != 16 {
			t.Fatalf("packet %d distance = %d, want 16", i, a.distance)
		}
		if len(a.payload) != 960*2 {
			t.Fatalf("packet %d payload = %d bytes, want raw mono frame", i, len(a.payload))
		}
	}

	ends := sender.endsFor(prox.ID())
	if len(ends) != 1 || ends[0].seq != 4 {
		t.Fatalf("ends = %+v, want one end with seq 4", ends)
	}

	// Silence after the end produces nothing.
	p.processFrame(prox, silentFrame())
	if got := sender.audioFor(prox.ID()); len(got) != 3 {
		t.Fatalf("silent frame produced audio: %d packets", len(got))
	}
}

func TestPipelineLatchSuppressesProximity(t *testing.T) {
	p, registry, sender, _ := newTestPipeline(t, false)

	prox, _ := newTestActivation(t, "proximity", TypeVoiceActivity, func(info *protocol.ActivationInfo) {
		info.Proximity = true
	})
	ptt, _ := newTestActivation(t, "whisper", TypePushToTalk)
	registry.Register(prox)
	registry.Register(ptt)

	// Proximity streams alone first.
	p.processFrame(prox, loudFrame())
	if len(sender.audioFor(prox.ID())) != 1 {
		t.Fatal("proximity did not stream before the latch")
	}

	// A non-transitive channel activates: proximity gets exactly one
	// end and stays silent while the latch holds.
	ptt.SetHeld(true)
	p.processFrame(prox, loudFrame())
	p.processFrame(prox, loudFrame())

	if ends := sender.endsFor(prox.ID()); len(ends) != 1 {
		t.Fatalf("proximity ends = %d, want exactly 1", len(ends))
	}
	pttAudio := sender.audioFor(ptt.ID())
	if len(pttAudio) != 2 {
		t.Fatalf("push-to-talk packets = %d, want 2", len(pttAudio))
	}
	if pttAudio[0].seq != 1 || pttAudio[1].seq != 2 {
		t.Fatalf("push-to-talk sequences = %d,%d; counters are per channel", pttAudio[0].seq, pttAudio[1].seq)
	}
}

func TestPipelineTransitiveChannelKeepsProximityOpen(t *testing.T) {
	p, registry, sender, _ := newTestPipeline(t, false)

	prox, _ := newTestActivation(t, "proximity", TypeVoiceActivity, func(info *protocol.ActivationInfo) {
		info.Proximity = true
	})
	group, _ := newTestActivation(t, "group", TypePushToTalk, func(info *protocol.ActivationInfo) {
		info.Transitive = true
	})
	registry.Register(prox)
	registry.Register(group)

	group.SetHeld(true)
	p.processFrame(prox, loudFrame())

	if len(sender.audioFor(group.ID())) != 1 {
		t.Fatal("transitive channel did not stream")
	}
	if len(sender.audioFor(prox.ID())) != 1 {
		t.Fatal("transitive channel suppressed proximity")
	}
	if len(sender.endsFor(prox.ID())) != 0 {
		t.Fatal("transitive channel emitted a proximity end")
	}
}

func TestPipelineStereoAndMonoEncodedOncePerFrame(t *testing.T) {
	p, registry, sender, _ := newTestPipeline(t, true, device.StereoToMonoFilter{})

	prox, _ := newTestActivation(t, "proximity", TypeVoiceActivity, func(info *protocol.ActivationInfo) {
		info.Proximity = true
	})
	music, _ := newTestActivation(t, "music", TypePushToTalk, func(info *protocol.ActivationInfo) {
		info.Stereo = true
		info.Transitive = true
	})
	registry.Register(prox)
	registry.Register(music)

	music.SetHeld(true)
	stereoSamples := make([]int16, 960*2)
	for i := range stereoSamples {
		stereoSamples[i] = 9000
	}
	p.processFrame(prox, stereoSamples)

	musicAudio := sender.audioFor(music.ID())
	if len(musicAudio) != 1 || !musicAudio[0].stereo {
		t.Fatalf("stereo channel audio = %+v, want one stereo packet", musicAudio)
	}
	if len(musicAudio[0].payload) != 960*2*2 {
		t.Fatalf("stereo payload = %d bytes, downmix filter must be skipped", len(musicAudio[0].payload))
	}

	proxAudio := sender.audioFor(prox.ID())
	if len(proxAudio) != 1 || proxAudio[0].stereo {
		t.Fatalf("proximity audio = %+v, want one mono packet", proxAudio)
	}
	if len(proxAudio[0].payload) != 960*2 {
		t.Fatalf("mono payload = %d bytes, want downmixed frame", len(proxAudio[0].payload))
	}
}

type failingEncoder struct{}

func (failingEncoder) Encode([]int16) ([]byte, error) { return nil, errors.New("boom") }
func (failingEncoder) Reset()                         {}
func (failingEncoder) Close()                         {}

func TestPipelineEncoderFailureDropsFrame(t *testing.T) {
	p, registry, sender, _ := newTestPipeline(t, false)
	p.SetEncoders(failingEncoder{}, failingEncoder{})

	prox, _ := newTestActivation(t, "proximity", TypeVoiceActivity, func(info *protocol.ActivationInfo) {
		info.Proximity = true
	})
	registry.Register(prox)

	p.processFrame(prox, loudFrame())
	if len(sender.audioFor(prox.ID())) != 0 {
		t.Fatal("dropped frame was transmitted")
	}
	if _, streaming := p.streaming[prox.ID()]; streaming {
		t.Fatal("dropped frame marked the channel streaming")
	}
}

func TestPipelineEndAllResetsEveryStream(t *testing.T) {
	p, registry, sender, _ := newTestPipeline(t, false)

	prox, _ := newTestActivation(t, "proximity", TypeVoiceActivity, func(info *protocol.ActivationInfo) {
		info.Proximity = true
	})
	ptt, _ := newTestActivation(t, "whisper", TypePushToTalk, func(info *protocol.ActivationInfo) {
		info.Transitive = true
	})
	registry.Register(prox)
	registry.Register(ptt)

	ptt.SetHeld(true)
	p.processFrame(prox, loudFrame())

	p.endAll(prox)
	if len(sender.endsFor(prox.ID())) != 1 || len(sender.endsFor(ptt.ID())) != 1 {
		t.Fatal("endAll did not terminate every active stream")
	}
	if prox.Activated() || ptt.Activated() {
		t.Fatal("endAll left activations marked active")
	}

	// Idempotent once nothing streams.
	p.endAll(prox)
	if len(sender.endsFor(prox.ID())) != 1 {
		t.Fatal("endAll re-sent an end for an idle stream")
	}
}

func TestPipelineCleanupClearsSequences(t *testing.T) {
	p, registry, sender, _ := newTestPipeline(t, false)

	prox, _ := newTestActivation(t, "proximity", TypeVoiceActivity, func(info *protocol.ActivationInfo) {
		info.Proximity = true
	})
	registry.Register(prox)

	p.processFrame(prox, loudFrame())
	if len(p.sequences) == 0 {
		t.Fatal("no sequence recorded")
	}

	p.cleanup()
	if len(p.sequences) != 0 || len(p.streaming) != 0 {
		t.Fatal("cleanup kept worker state")
	}
	if len(sender.endsFor(prox.ID())) != 1 {
		t.Fatal("cleanup did not drain the live stream")
	}

	// A new session starts counting from 1 again.
	p.processFrame(prox, loudFrame())
	audio := sender.audioFor(prox.ID())
	if got := audio[len(audio)-1].seq; got != 1 {
		t.Fatalf("sequence after cleanup = %d, want 1", got)
	}
}

func TestPipelineObserverOutcomes(t *testing.T) {
	p, _, _, _ := newTestPipeline(t, false)

	var order []string
	p.AddObserver(func([]int16) Outcome {
		order = append(order, "first")
		return OutcomeContinue
	})
	p.AddObserver(func([]int16) Outcome {
		order = append(order, "second")
		return OutcomeCancel
	})
	p.AddObserver(func([]int16) Outcome {
		order = append(order, "third")
		return OutcomeContinue
	})

	if got := p.notifyObservers(silentFrame()); got != OutcomeCancel {
		t.Fatalf("outcome = %v, want cancel", got)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("observer order = %v, first non-continue must short-circuit", order)
	}
}

func TestPipelineStartStopIdempotent(t *testing.T) {
	p, registry, sender, _ := newTestPipeline(t, false)
	sender.mu.Lock()
	sender.ready = false
	sender.mu.Unlock()

	prox, _ := newTestActivation(t, "proximity", TypeVoiceActivity, func(info *protocol.ActivationInfo) {
		info.Proximity = true
	})
	registry.Register(prox)

	p.Start()
	p.Start()
	p.Stop()
	p.Stop()
}
