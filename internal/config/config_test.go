package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.UDPBindAddr != ":24454" {
		t.Fatalf("UDPBindAddr = %q, want %q", cfg.UDPBindAddr, ":24454")
	}
	if cfg.SampleRate != 48000 || cfg.FrameSize() != 960 {
		t.Fatalf("SampleRate/FrameSize = %d/%d, want 48000/960", cfg.SampleRate, cfg.FrameSize())
	}
	if cfg.KeepAlivePeriod != time.Second || cfg.ConnectionTimeout != 30*time.Second {
		t.Fatalf("keepalive timings = %v/%v", cfg.KeepAlivePeriod, cfg.ConnectionTimeout)
	}
	if len(cfg.ProximityDistances) != 3 || cfg.DefaultDistance != 16 {
		t.Fatalf("distances = %v default %d", cfg.ProximityDistances, cfg.DefaultDistance)
	}
}

func TestLoadParsesDistances(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_PROXIMITY_DISTANCES", "4, 12, 48")
	t.Setenv("VOICE_DEFAULT_DISTANCE", "12")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []uint16{4, 12, 48}
	if len(cfg.ProximityDistances) != len(want) {
		t.Fatalf("distances = %v, want %v", cfg.ProximityDistances, want)
	}
	for i := range want {
		if cfg.ProximityDistances[i] != want[i] {
			t.Fatalf("distances = %v, want %v", cfg.ProximityDistances, want)
		}
	}
}

func TestLoadRejectsDefaultDistanceOutsideSet(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_DEFAULT_DISTANCE", "17")

	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted a default distance outside the configured set")
	}
}

func TestLoadRejectsBadSampleRate(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_SAMPLE_RATE", "44100")

	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted an unsupported sample rate")
	}
}

func TestLoadRejectsSoftTimeoutAboveHard(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("VOICE_SOFT_TIMEOUT", "40s")

	if _, err := Load(); err == nil {
		t.Fatal("Load() accepted a soft timeout above the hard timeout")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"VOICE_UDP_BIND_ADDR",
		"VOICE_UDP_PUBLIC_HOST",
		"VOICE_KEEPALIVE_PERIOD",
		"VOICE_SOFT_TIMEOUT",
		"VOICE_CONNECTION_TIMEOUT",
		"VOICE_JANITOR_INTERVAL",
		"VOICE_SAMPLE_RATE",
		"VOICE_MTU",
		"VOICE_CODEC",
		"VOICE_PROXIMITY_DISTANCES",
		"VOICE_DEFAULT_DISTANCE",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
