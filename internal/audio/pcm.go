package audio

import "math"

// BytesToShorts converts little-endian PCM16 bytes to samples.
// A trailing odd byte is ignored.
func BytesToShorts(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(uint16(data[i*2]) | uint16(data[i*2+1])<<8)
	}
	return samples
}

// ShortsToBytes converts samples to little-endian PCM16 bytes.
func ShortsToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(uint16(s))
		data[i*2+1] = byte(uint16(s) >> 8)
	}
	return data
}

// HighestLevel returns the loudest sample of the frame in dBFS.
// A silent frame reports -127.
func HighestLevel(samples []int16) float64 {
	highest := -127.0
	for _, s := range samples {
		level := sampleLevel(s)
		if level > highest {
			highest = level
		}
	}
	return highest
}

// ContainsMinLevel reports whether any sample of the frame reaches the
// given dBFS threshold. Used for voice-activity detection.
func ContainsMinLevel(samples []int16, thresholdDB float64) bool {
	for _, s := range samples {
		if sampleLevel(s) >= thresholdDB {
			return true
		}
	}
	return false
}

// DownmixToMono averages interleaved stereo samples into a mono frame.
// A mono frame is returned as a copy.
func DownmixToMono(samples []int16) []int16 {
	if len(samples)%2 != 0 {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}
	out := make([]int16, len(samples)/2)
	for i := range out {
		out[i] = int16((int32(samples[i*2]) + int32(samples[i*2+1])) / 2)
	}
	return out
}

func sampleLevel(s int16) float64 {
	if s == 0 {
		return -127.0
	}
	v := math.Abs(float64(s)) / 32767.0
	db := 20 * math.Log10(v)
	if db < -127 {
		return -127
	}
	return db
}
