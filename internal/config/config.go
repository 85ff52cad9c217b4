package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the voice server.
type Config struct {
	BindAddr         string
	UDPBindAddr      string
	UDPPublicHost    string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	KeepAlivePeriod   time.Duration
	SoftTimeout       time.Duration
	ConnectionTimeout time.Duration
	JanitorInterval   time.Duration

	SampleRate int
	MTU        int
	Codec      string

	ProximityDistances []uint16
	DefaultDistance    uint16

	DatabaseURL string
}

// FrameSize is the per-channel samples per 20ms frame.
func (c Config) FrameSize() int {
	return c.SampleRate / 1000 * 20
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           envOrDefault("APP_BIND_ADDR", ":8080"),
		UDPBindAddr:        envOrDefault("VOICE_UDP_BIND_ADDR", ":24454"),
		UDPPublicHost:      stringsTrimSpace("VOICE_UDP_PUBLIC_HOST"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "voicemesh"),
		AllowAnyOrigin:     false,
		Codec:              envOrDefault("VOICE_CODEC", "pcm"),
		DatabaseURL:        stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:    15 * time.Second,
		KeepAlivePeriod:    time.Second,
		SoftTimeout:        7 * time.Second,
		ConnectionTimeout:  30 * time.Second,
		JanitorInterval:    5 * time.Second,
		SampleRate:         48000,
		MTU:                4096,
		ProximityDistances: []uint16{8, 16, 32},
		DefaultDistance:    16,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.KeepAlivePeriod, err = durationFromEnv("VOICE_KEEPALIVE_PERIOD", cfg.KeepAlivePeriod)
	if err != nil {
		return Config{}, err
	}
	cfg.SoftTimeout, err = durationFromEnv("VOICE_SOFT_TIMEOUT", cfg.SoftTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectionTimeout, err = durationFromEnv("VOICE_CONNECTION_TIMEOUT", cfg.ConnectionTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JanitorInterval, err = durationFromEnv("VOICE_JANITOR_INTERVAL", cfg.JanitorInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.SampleRate, err = intFromEnv("VOICE_SAMPLE_RATE", cfg.SampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.MTU, err = intFromEnv("VOICE_MTU", cfg.MTU)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.ProximityDistances, err = distancesFromEnv("VOICE_PROXIMITY_DISTANCES", cfg.ProximityDistances)
	if err != nil {
		return Config{}, err
	}
	defaultDistance, err := intFromEnv("VOICE_DEFAULT_DISTANCE", int(cfg.DefaultDistance))
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultDistance = uint16(defaultDistance)

	switch cfg.SampleRate {
	case 8000, 12000, 16000, 24000, 48000:
	default:
		return Config{}, fmt.Errorf("VOICE_SAMPLE_RATE must be one of 8000, 12000, 16000, 24000, 48000")
	}
	if cfg.MTU <= 0 {
		return Config{}, fmt.Errorf("VOICE_MTU must be positive")
	}
	if cfg.ConnectionTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("VOICE_CONNECTION_TIMEOUT must be at least 5s")
	}
	if cfg.SoftTimeout >= cfg.ConnectionTimeout {
		return Config{}, fmt.Errorf("VOICE_SOFT_TIMEOUT must be below VOICE_CONNECTION_TIMEOUT")
	}
	if len(cfg.ProximityDistances) == 0 {
		return Config{}, fmt.Errorf("VOICE_PROXIMITY_DISTANCES must not be empty")
	}
	if !containsDistance(cfg.ProximityDistances, cfg.DefaultDistance) {
		return Config{}, fmt.Errorf("VOICE_DEFAULT_DISTANCE must be one of VOICE_PROXIMITY_DISTANCES")
	}

	return cfg, nil
}

func containsDistance(distances []uint16, d uint16) bool {
	for _, v := range distances {
		if v == d {
			return true
		}
	}
	return false
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

func distancesFromEnv(key string, fallback []uint16) ([]uint16, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	parts := strings.Split(v, ",")
	out := make([]uint16, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 16)
		if err != nil {
			return nil, fmt.Errorf("%s parse error: %w", key, err)
		}
		out = append(out, uint16(n))
	}
	return out, nil
}
