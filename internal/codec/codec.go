// Package codec defines the pluggable audio codec capability used by the
// capture pipeline and playback path. Codec internals are out of scope;
// the package ships a PCM passthrough used when no real codec is bound.
package codec

import (
	"fmt"

	"github.com/eberran/voicemesh/internal/audio"
)

// Params identifies a codec instance configuration.
type Params struct {
	SampleRate int
	Stereo     bool
	FrameSize  int
	MTU        int
}

// Encoder turns one frame of samples into a transport payload.
// Implementations keep internal state between frames and must be
// resettable at stream boundaries.
type Encoder interface {
	Encode(samples []int16) ([]byte, error)
	Reset()
	Close()
}

// Decoder mirrors Encoder on the receiving side.
type Decoder interface {
	Decode(payload []byte) ([]int16, error)
	Reset()
	Close()
}

// EncodeError wraps a per-frame encoder failure. The frame is dropped;
// the stream continues.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string { return fmt.Sprintf("encode failed: %v", e.Err) }
func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError wraps a per-frame decoder failure.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode failed: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// PCMCodec passes samples through as little-endian PCM16. It implements
// both Encoder and Decoder and enforces the configured MTU.
type PCMCodec struct {
	params Params
	closed bool
}

func NewPCM(params Params) *PCMCodec {
	return &PCMCodec{params: params}
}

func (c *PCMCodec) Encode(samples []int16) ([]byte, error) {
	if c.closed {
		return nil, &EncodeError{Err: fmt.Errorf("codec closed")}
	}
	data := audio.ShortsToBytes(samples)
	if c.params.MTU > 0 && len(data) > c.params.MTU {
		return nil, &EncodeError{Err: fmt.Errorf("frame of %d bytes exceeds mtu %d", len(data), c.params.MTU)}
	}
	return data, nil
}

func (c *PCMCodec) Decode(payload []byte) ([]int16, error) {
	if c.closed {
		return nil, &DecodeError{Err: fmt.Errorf("codec closed")}
	}
	if len(payload)%2 != 0 {
		return nil, &DecodeError{Err: fmt.Errorf("odd payload length %d", len(payload))}
	}
	return audio.BytesToShorts(payload), nil
}

func (c *PCMCodec) Reset() {}

func (c *PCMCodec) Close() { c.closed = true }
