package capture

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eberran/voicemesh/internal/audio"
	"github.com/eberran/voicemesh/internal/codec"
	"github.com/eberran/voicemesh/internal/crypto"
	"github.com/eberran/voicemesh/internal/device"
)

// Sender transmits capture output. Implemented by the client session;
// sequence numbers are assigned by the pipeline.
type Sender interface {
	// Ready reports whether a live unreliable session exists.
	Ready() bool
	SendAudio(sequence uint64, activationID uuid.UUID, distance uint16, stereo bool, payload []byte) error
	SendAudioEnd(sequence uint64, activationID uuid.UUID, distance uint16) error
}

// Outcome is an observer's verdict on a captured frame.
type Outcome int

const (
	OutcomeContinue Outcome = iota
	OutcomeCancel
	OutcomeForceEnd
)

// Observer is invoked synchronously before each frame is evaluated.
// Observers run in registration order; the first non-continue outcome
// short-circuits the frame.
type Observer func(samples []int16) Outcome

const (
	idleSleep    = time.Second
	noFrameSleep = 5 * time.Millisecond
)

type encoderBox struct{ enc codec.Encoder }

type cipherBox struct{ enc crypto.Encryption }

// Pipeline is the real-time capture loop. One dedicated worker owns the
// streaming set and sequence counters; encoder and encryption handles
// are swapped atomically so the worker never sees a half-built handle.
type Pipeline struct {
	device        device.InputDevice
	registry      *Registry
	sender        Sender
	stereoCapture bool

	monoEnc    atomic.Pointer[encoderBox]
	stereoEnc  atomic.Pointer[encoderBox]
	encryption atomic.Pointer[cipherBox]

	micMuted atomic.Bool

	observerMu sync.RWMutex
	observers  []Observer

	// worker-owned
	streaming map[uuid.UUID]struct{}
	sequences map[uuid.UUID]uint64

	runMu   sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func NewPipeline(dev device.InputDevice, registry *Registry, sender Sender, stereoCapture bool) *Pipeline {
	return &Pipeline{
		device:        dev,
		registry:      registry,
		sender:        sender,
		stereoCapture: stereoCapture,
		streaming:     make(map[uuid.UUID]struct{}),
		sequences:     make(map[uuid.UUID]uint64),
	}
}

// SetEncoders swaps both codec handles, e.g. on session establishment.
func (p *Pipeline) SetEncoders(mono, stereo codec.Encoder) {
	p.monoEnc.Store(&encoderBox{enc: mono})
	p.stereoEnc.Store(&encoderBox{enc: stereo})
}

// SetEncryption swaps the payload encryption handle.
func (p *Pipeline) SetEncryption(enc crypto.Encryption) {
	p.encryption.Store(&cipherBox{enc: enc})
}

// SetMicMuted forces terminal ends and suppresses transmission while set.
func (p *Pipeline) SetMicMuted(muted bool) { p.micMuted.Store(muted) }

// AddObserver appends a pre-frame observer.
func (p *Pipeline) AddObserver(obs Observer) {
	p.observerMu.Lock()
	defer p.observerMu.Unlock()
	p.observers = append(p.observers, obs)
}

// Start launches the capture worker. No-op if already running.
func (p *Pipeline) Start() {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.done = make(chan struct{})
	p.wg.Add(1)
	go p.run(p.done)
}

// Stop interrupts the worker and waits for its drain. Idempotent.
func (p *Pipeline) Stop() {
	p.runMu.Lock()
	if !p.running {
		p.runMu.Unlock()
		return
	}
	p.running = false
	done := p.done
	p.runMu.Unlock()

	close(done)
	p.wg.Wait()
}

func (p *Pipeline) run(done chan struct{}) {
	defer p.wg.Done()
	defer p.cleanup()

	for {
		select {
		case <-done:
			return
		default:
		}

		proximity, err := p.registry.Proximity()
		if err != nil || !p.device.IsOpen() || !p.sender.Ready() {
			if !sleepOrDone(done, idleSleep) {
				return
			}
			continue
		}

		if err := p.device.Start(); err != nil {
			log.Printf("capture: device start failed, shutting down: %v", err)
			return
		}
		samples, err := p.device.Read()
		if err != nil {
			log.Printf("capture: device read failed, shutting down: %v", err)
			return
		}
		if samples == nil {
			if !sleepOrDone(done, noFrameSleep) {
				return
			}
			continue
		}

		switch p.notifyObservers(samples) {
		case OutcomeCancel:
			continue
		case OutcomeForceEnd:
			p.endAll(proximity)
			continue
		}

		if p.micMuted.Load() {
			p.endAll(proximity)
			continue
		}

		p.processFrame(proximity, samples)
	}
}

// processFrame evaluates one captured frame against every channel.
// Once a non-transitive channel transmits, later channels and the
// proximity default are suppressed for the rest of the frame.
func (p *Pipeline) processFrame(proximity *Activation, samples []int16) {
	parentResult := proximity.Process(samples, nil)

	frame := &encodedFrame{}
	latched := false
	for _, activation := range p.registry.Activations() {
		if activation.Disabled() && !activation.Activated() {
			continue
		}
		if latched {
			activation.Reset()
			continue
		}

		result := activation.Process(samples, &parentResult)
		p.processActivation(activation, result, samples, frame)

		if result.transmitting() && !activation.Transitive() {
			latched = true
		}
	}

	if !latched {
		p.processActivation(proximity, parentResult, samples, frame)
	} else if _, streaming := p.streaming[proximity.ID()]; streaming {
		// Suppressed by a non-transitive channel: close the live
		// proximity stream with exactly one end.
		p.processActivation(proximity, ResultEnd, samples, frame)
	}
}

// endAll force-terminates every currently streaming channel.
func (p *Pipeline) endAll(proximity *Activation) {
	if proximity.Activated() {
		proximity.Reset()
		p.sendEnd(proximity)
	}
	for _, activation := range p.registry.Activations() {
		if activation.Activated() {
			activation.Reset()
			p.sendEnd(activation)
		}
	}
}

// encodedFrame caches at most one mono and one stereo payload per frame.
type encodedFrame struct {
	mono, stereo       []byte
	monoSet, stereoSet bool
}

func (p *Pipeline) processActivation(a *Activation, result Result, samples []int16, frame *encodedFrame) {
	if !result.transmitting() {
		return
	}

	isStereo := p.stereoCapture && a.Stereo()
	var payload []byte
	if isStereo {
		if !frame.stereoSet {
			frame.stereo = p.encode(samples, true)
			frame.stereoSet = true
		}
		payload = frame.stereo
	} else {
		if !frame.monoSet {
			frame.mono = p.encode(samples, false)
			frame.monoSet = true
		}
		payload = frame.mono
	}

	switch result {
	case ResultActivated:
		if payload == nil {
			return
		}
		seq := p.nextSequence(a.ID())
		if err := p.sender.SendAudio(seq, a.ID(), a.Distance(), isStereo, payload); err != nil {
			log.Printf("capture: send audio for %s failed: %v", a.Name(), err)
			return
		}
		p.streaming[a.ID()] = struct{}{}
	case ResultEnd:
		if payload != nil {
			seq := p.nextSequence(a.ID())
			if err := p.sender.SendAudio(seq, a.ID(), a.Distance(), isStereo, payload); err != nil {
				log.Printf("capture: send final audio for %s failed: %v", a.Name(), err)
			}
		}
		p.sendEnd(a)
	}
}

func (p *Pipeline) sendEnd(a *Activation) {
	seq := p.nextSequence(a.ID())
	if err := p.sender.SendAudioEnd(seq, a.ID(), a.Distance()); err != nil {
		log.Printf("capture: send end for %s failed: %v", a.Name(), err)
	}

	if box := p.monoEnc.Load(); box != nil && box.enc != nil {
		box.enc.Reset()
	}
	if box := p.stereoEnc.Load(); box != nil && box.enc != nil {
		box.enc.Reset()
	}
	delete(p.streaming, a.ID())
}

// encode copies the frame, runs the device filter chain (keeping the
// stereo image when a stereo payload is wanted), encodes and encrypts.
// Any failure drops the frame for this payload and logs.
func (p *Pipeline) encode(samples []int16, stereo bool) []byte {
	processed := make([]int16, len(samples))
	copy(processed, samples)

	var exclude func(device.Filter) bool
	if stereo {
		exclude = func(f device.Filter) bool {
			_, isDownmix := f.(device.StereoToMonoFilter)
			return isDownmix
		}
	}
	processed = p.device.ProcessFilters(processed, exclude)

	var encoded []byte
	box := p.monoEnc.Load()
	if stereo {
		box = p.stereoEnc.Load()
	}
	if box != nil && box.enc != nil {
		data, err := box.enc.Encode(processed)
		if err != nil {
			log.Printf("capture: encode failed: %v", err)
			return nil
		}
		encoded = data
	} else {
		encoded = audio.ShortsToBytes(processed)
	}

	if cbox := p.encryption.Load(); cbox != nil && cbox.enc != nil {
		sealed, err := cbox.enc.Encrypt(encoded)
		if err != nil {
			log.Printf("capture: encrypt failed: %v", err)
			return nil
		}
		encoded = sealed
	}
	return encoded
}

func (p *Pipeline) nextSequence(id uuid.UUID) uint64 {
	seq := p.sequences[id] + 1
	p.sequences[id] = seq
	return seq
}

func (p *Pipeline) notifyObservers(samples []int16) Outcome {
	p.observerMu.RLock()
	observers := make([]Observer, len(p.observers))
	copy(observers, p.observers)
	p.observerMu.RUnlock()

	for _, obs := range observers {
		if outcome := obs(samples); outcome != OutcomeContinue {
			return outcome
		}
	}
	return OutcomeContinue
}

// cleanup drains still-active streams, releases the device and both
// encoders, and clears the sequence counters. Safe to reach twice.
func (p *Pipeline) cleanup() {
	if proximity, err := p.registry.Proximity(); err == nil {
		p.endAll(proximity)
	} else {
		for _, activation := range p.registry.Activations() {
			if activation.Activated() {
				activation.Reset()
				p.sendEnd(activation)
			}
		}
	}

	for id := range p.sequences {
		delete(p.sequences, id)
	}
	for id := range p.streaming {
		delete(p.streaming, id)
	}

	if box := p.monoEnc.Load(); box != nil && box.enc != nil {
		box.enc.Close()
	}
	if box := p.stereoEnc.Load(); box != nil && box.enc != nil {
		box.enc.Close()
	}
	if p.device.IsOpen() {
		if err := p.device.Close(); err != nil {
			log.Printf("capture: device close failed: %v", err)
		}
	}
}

func sleepOrDone(done chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return false
	case <-time.After(d):
		return true
	}
}
