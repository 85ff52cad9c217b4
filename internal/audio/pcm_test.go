package audio

import "testing"

func TestShortsBytesRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 12345}
	got := BytesToShorts(ShortsToBytes(samples))
	if len(got) != len(samples) {
		t.Fatalf("length = %d, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Fatalf("sample %d = %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestContainsMinLevelSilence(t *testing.T) {
	silence := make([]int16, 960)
	if ContainsMinLevel(silence, -60) {
		t.Fatalf("silence should not reach -60 dB")
	}
}

func TestContainsMinLevelLoudFrame(t *testing.T) {
	frame := make([]int16, 960)
	frame[480] = 20000
	if !ContainsMinLevel(frame, -30) {
		t.Fatalf("loud frame should reach -30 dB")
	}
}

func TestHighestLevelSilenceFloor(t *testing.T) {
	if got := HighestLevel(make([]int16, 16)); got != -127 {
		t.Fatalf("HighestLevel(silence) = %v, want -127", got)
	}
}

func TestDownmixToMono(t *testing.T) {
	stereo := []int16{100, 200, -100, -300}
	mono := DownmixToMono(stereo)
	if len(mono) != 2 {
		t.Fatalf("mono length = %d, want 2", len(mono))
	}
	if mono[0] != 150 || mono[1] != -200 {
		t.Fatalf("mono = %v, want [150 -200]", mono)
	}
}
