package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eberran/voicemesh/internal/audio"
	"github.com/eberran/voicemesh/internal/capture"
	"github.com/eberran/voicemesh/internal/codec"
	"github.com/eberran/voicemesh/internal/control"
	"github.com/eberran/voicemesh/internal/crypto"
	"github.com/eberran/voicemesh/internal/device"
	"github.com/eberran/voicemesh/internal/protocol"
	"github.com/eberran/voicemesh/internal/router"
	"github.com/eberran/voicemesh/internal/session"
)

type options struct {
	baseURL    string
	name       string
	world      string
	recordPath string
	duration   time.Duration
	toneHz     float64
	verbose    bool
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "voiceprobe: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var durationSec int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "voicemesh base URL")
	flag.StringVar(&cfg.name, "name", "probe", "participant name")
	flag.StringVar(&cfg.world, "world", "overworld", "world reported to the server")
	flag.IntVar(&durationSec, "seconds", 3, "how long to hold the push-to-talk channel")
	flag.StringVar(&cfg.recordPath, "record", "", "optional WAV file capturing the transmitted tone")
	flag.Float64Var(&cfg.toneHz, "tone-hz", 440, "synthetic tone frequency")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print probe progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if durationSec <= 0 {
		return options{}, fmt.Errorf("seconds must be > 0")
	}
	if cfg.toneHz <= 0 {
		return options{}, fmt.Errorf("tone-hz must be > 0")
	}
	cfg.duration = time.Duration(durationSec) * time.Second

	return cfg, nil
}

// sourceCache defers descriptor delivery until the receiver exists; the
// control client is dialed first because the receiver needs it as its
// descriptor requester.
type sourceCache struct {
	receiver atomic.Pointer[router.Receiver]
}

func (c *sourceCache) UpdateSource(info protocol.SourceInfo) {
	if r := c.receiver.Load(); r != nil {
		r.UpdateSource(info)
	}
}

// probeSender splits outbound traffic the way the transport does:
// audio rides the unreliable session, end-of-stream rides the reliable
// channel.
type probeSender struct {
	udp *session.Client
	ctl *control.Client
}

func (s *probeSender) Ready() bool { return s.udp.Ready() }

func (s *probeSender) SendAudio(sequence uint64, activationID uuid.UUID, distance uint16, stereo bool, payload []byte) error {
	return s.udp.SendAudio(sequence, activationID, distance, stereo, payload)
}

func (s *probeSender) SendAudioEnd(sequence uint64, activationID uuid.UUID, distance uint16) error {
	return s.ctl.SendAudioEnd(sequence, activationID, distance)
}

type discardSink struct{}

func (discardSink) Play(protocol.SourceInfo, uint64, uint16, []int16) {}

func (discardSink) StreamEnded(protocol.SourceInfo, uint64) {}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.duration+30*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(cfg.baseURL, "http") + "/v1/voice/ws"
	participantID := uuid.New()

	cache := &sourceCache{}
	ctl, err := control.Connect(ctx, wsURL, participantID, cfg.name, cache)
	if err != nil {
		return err
	}
	defer ctl.Close()

	capt := ctl.Capture()
	if cfg.verbose {
		fmt.Printf("voiceprobe: connected participant=%s udp=%s codec=%s rate=%d frame=%d\n",
			participantID, ctl.UDPAddr(), capt.Codec, capt.SampleRate, capt.FrameSize)
	}

	cipher, err := crypto.NewAESGCM(ctl.Secret())
	if err != nil {
		return fmt.Errorf("derive session cipher: %w", err)
	}

	params := codec.Params{SampleRate: capt.SampleRate, FrameSize: capt.FrameSize, MTU: capt.MTU}
	recv := router.NewReceiver(ctl, discardSink{}, func(stereo bool) codec.Decoder {
		p := params
		p.Stereo = stereo
		return codec.NewPCM(p)
	})
	recv.SetEncryption(cipher)
	cache.receiver.Store(recv)

	feedback := make(chan protocol.SelfAudioInfo, 64)
	recv.OnSelfAudio(func(packet protocol.SelfAudioInfo) {
		select {
		case feedback <- packet:
		default:
		}
	})

	udp, err := session.Dial(ctl.UDPAddr(), ctl.Secret(), recv, ctl.Timeouts())
	if err != nil {
		return fmt.Errorf("dial voice transport: %w", err)
	}
	defer udp.Close()

	if err := ctl.SendParticipantState(false, false, &protocol.ParticipantPosition{World: cfg.world}); err != nil {
		return fmt.Errorf("report position: %w", err)
	}

	registry := capture.NewRegistry()
	var ptt *capture.Activation
	for _, info := range ctl.Activations() {
		typ := capture.TypeVoiceActivity
		if info.Proximity {
			typ = capture.TypePushToTalk
		}
		a := capture.NewActivation(info, capture.ActivationConfig{Type: typ})
		registry.Register(a)
		if info.Proximity {
			ptt = a
		}
	}
	if ptt == nil {
		return fmt.Errorf("server advertised no proximity activation")
	}

	// The suppression stage stays dormant until a denoiser is attached,
	// matching a desktop client with RNNoise switched off.
	dev := device.NewSynthetic(device.NewNoiseSuppressionFilter(nil), device.LimiterFilter{})
	dev.SetTone(cfg.toneHz, 12000)
	if err := dev.Open(device.Format{SampleRate: capt.SampleRate, FrameSize: capt.FrameSize}); err != nil {
		return fmt.Errorf("open synthetic device: %w", err)
	}

	pipeline := capture.NewPipeline(dev, registry, &probeSender{udp: udp, ctl: ctl}, false)
	var recorded []int16
	if cfg.recordPath != "" {
		pipeline.AddObserver(func(samples []int16) capture.Outcome {
			recorded = append(recorded, samples...)
			return capture.OutcomeContinue
		})
	}
	mono := params
	stereo := params
	stereo.Stereo = true
	pipeline.SetEncoders(codec.NewPCM(mono), codec.NewPCM(stereo))
	pipeline.SetEncryption(cipher)
	pipeline.Start()
	defer pipeline.Stop()

	readyDeadline := time.Now().Add(10 * time.Second)
	for !udp.Ready() {
		if time.Now().After(readyDeadline) {
			return fmt.Errorf("voice transport never confirmed the handshake")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if cfg.verbose {
		fmt.Printf("voiceprobe: transmitting for %s on %q\n", cfg.duration, ptt.Name())
	}
	ptt.SetHeld(true)

	var delivered int
	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

hold:
	for {
		select {
		case info := <-feedback:
			delivered++
			if cfg.verbose {
				fmt.Printf("voiceprobe: delivered source=%s seq=%d distance=%d\n", info.SourceID, info.Sequence, info.Distance)
			}
		case <-timer.C:
			break hold
		case <-udp.Done():
			return fmt.Errorf("voice transport closed: %v", udp.Err())
		}
	}

	ptt.SetHeld(false)
	// Let the release hold drain so the terminal end goes out.
	time.Sleep(capture.DefaultReleaseHold + 200*time.Millisecond)
	pipeline.Stop()

	if cfg.recordPath != "" {
		if err := audio.WriteWAVFile(cfg.recordPath, audio.ShortsToBytes(recorded), capt.SampleRate, 1); err != nil {
			return fmt.Errorf("write recording: %w", err)
		}
		if cfg.verbose {
			fmt.Printf("voiceprobe: wrote %s\n", cfg.recordPath)
		}
	}

	fmt.Printf("voiceprobe: done, %d frames confirmed delivered\n", delivered)
	return nil
}
