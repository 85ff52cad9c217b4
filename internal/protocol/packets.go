// Package protocol defines the voicemesh wire formats: a compact binary
// framing for the unreliable UDP channel and JSON envelopes for the
// reliable websocket control channel. Every packet carries an explicit
// discriminant read once before dispatch; there is no reflective routing.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const (
	// Version is the wire protocol version carried in every datagram.
	Version = 1

	magic0 = 'V'
	magic1 = 'M'

	// headerSize is magic(2) + version(1) + type(1) + secret(16).
	headerSize = 20

	// MaxDatagramSize bounds reads on both ends.
	MaxDatagramSize = 4096
)

// Datagram type discriminants.
const (
	TypeHandshake      uint8 = 0x01
	TypePing           uint8 = 0x02
	TypeAudioData      uint8 = 0x03
	TypeSourceAudio    uint8 = 0x04
	TypeSourceAudioEnd uint8 = 0x05
	TypeSelfAudioInfo  uint8 = 0x06
)

var (
	ErrShortDatagram   = errors.New("datagram too short")
	ErrBadMagic        = errors.New("bad datagram magic")
	ErrVersionMismatch = errors.New("datagram version mismatch")
	ErrUnknownType     = errors.New("unknown datagram type")
)

// Handshake is the first datagram of a session: the secret binds the
// remote address to the participant authenticated on the control channel.
type Handshake struct {
	Secret uuid.UUID
}

// Ping doubles as the liveness signal in both directions.
type Ping struct {
	Secret uuid.UUID
}

// AudioData carries one encoded, encrypted frame from a sender.
type AudioData struct {
	Secret       uuid.UUID
	Sequence     uint64
	ActivationID uuid.UUID
	Distance     uint16
	Stereo       bool
	Payload      []byte
}

// SourceAudio is the server-side relay of AudioData to a listener. The
// payload is forwarded as received; the server never decrypts it.
type SourceAudio struct {
	Secret      uuid.UUID
	Sequence    uint64
	SourceID    uuid.UUID
	SourceState byte
	Distance    uint16
	Payload     []byte
}

// SourceAudioEnd terminates a source stream on the listener side.
type SourceAudioEnd struct {
	Secret   uuid.UUID
	SourceID uuid.UUID
	Sequence uint64
}

// SelfAudioInfo reflects what was actually delivered back to the sender.
type SelfAudioInfo struct {
	Secret   uuid.UUID
	SourceID uuid.UUID
	Sequence uint64
	Distance uint16
}

func putHeader(buf []byte, pktType uint8, secret uuid.UUID) {
	buf[0] = magic0
	buf[1] = magic1
	buf[2] = Version
	buf[3] = pktType
	copy(buf[4:20], secret[:])
}

func (p Handshake) Marshal() []byte {
	buf := make([]byte, headerSize)
	putHeader(buf, TypeHandshake, p.Secret)
	return buf
}

func (p Ping) Marshal() []byte {
	buf := make([]byte, headerSize)
	putHeader(buf, TypePing, p.Secret)
	return buf
}

func (p AudioData) Marshal() []byte {
	buf := make([]byte, headerSize+8+16+2+1+len(p.Payload))
	putHeader(buf, TypeAudioData, p.Secret)
	off := headerSize
	binary.BigEndian.PutUint64(buf[off:], p.Sequence)
	off += 8
	copy(buf[off:], p.ActivationID[:])
	off += 16
	binary.BigEndian.PutUint16(buf[off:], p.Distance)
	off += 2
	if p.Stereo {
		buf[off] = 1
	}
	off++
	copy(buf[off:], p.Payload)
	return buf
}

func (p SourceAudio) Marshal() []byte {
	buf := make([]byte, headerSize+8+16+1+2+len(p.Payload))
	putHeader(buf, TypeSourceAudio, p.Secret)
	off := headerSize
	binary.BigEndian.PutUint64(buf[off:], p.Sequence)
	off += 8
	copy(buf[off:], p.SourceID[:])
	off += 16
	buf[off] = p.SourceState
	off++
	binary.BigEndian.PutUint16(buf[off:], p.Distance)
	off += 2
	copy(buf[off:], p.Payload)
	return buf
}

func (p SourceAudioEnd) Marshal() []byte {
	buf := make([]byte, headerSize+16+8)
	putHeader(buf, TypeSourceAudioEnd, p.Secret)
	copy(buf[headerSize:], p.SourceID[:])
	binary.BigEndian.PutUint64(buf[headerSize+16:], p.Sequence)
	return buf
}

func (p SelfAudioInfo) Marshal() []byte {
	buf := make([]byte, headerSize+16+8+2)
	putHeader(buf, TypeSelfAudioInfo, p.Secret)
	copy(buf[headerSize:], p.SourceID[:])
	binary.BigEndian.PutUint64(buf[headerSize+16:], p.Sequence)
	binary.BigEndian.PutUint16(buf[headerSize+24:], p.Distance)
	return buf
}

// ParseDatagram decodes one datagram into its typed packet. The payload
// slices of audio packets are copies, safe to retain after the read
// buffer is reused.
func ParseDatagram(data []byte) (any, error) {
	if len(data) < headerSize {
		return nil, ErrShortDatagram
	}
	if data[0] != magic0 || data[1] != magic1 {
		return nil, ErrBadMagic
	}
	if data[2] != Version {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, data[2], Version)
	}

	var secret uuid.UUID
	copy(secret[:], data[4:20])
	body := data[headerSize:]

	switch data[3] {
	case TypeHandshake:
		return Handshake{Secret: secret}, nil
	case TypePing:
		return Ping{Secret: secret}, nil
	case TypeAudioData:
		if len(body) < 8+16+2+1 {
			return nil, ErrShortDatagram
		}
		p := AudioData{Secret: secret}
		p.Sequence = binary.BigEndian.Uint64(body[0:8])
		copy(p.ActivationID[:], body[8:24])
		p.Distance = binary.BigEndian.Uint16(body[24:26])
		p.Stereo = body[26] == 1
		p.Payload = append([]byte(nil), body[27:]...)
		return p, nil
	case TypeSourceAudio:
		if len(body) < 8+16+1+2 {
			return nil, ErrShortDatagram
		}
		p := SourceAudio{Secret: secret}
		p.Sequence = binary.BigEndian.Uint64(body[0:8])
		copy(p.SourceID[:], body[8:24])
		p.SourceState = body[24]
		p.Distance = binary.BigEndian.Uint16(body[25:27])
		p.Payload = append([]byte(nil), body[27:]...)
		return p, nil
	case TypeSourceAudioEnd:
		if len(body) < 16+8 {
			return nil, ErrShortDatagram
		}
		p := SourceAudioEnd{Secret: secret}
		copy(p.SourceID[:], body[0:16])
		p.Sequence = binary.BigEndian.Uint64(body[16:24])
		return p, nil
	case TypeSelfAudioInfo:
		if len(body) < 16+8+2 {
			return nil, ErrShortDatagram
		}
		p := SelfAudioInfo{Secret: secret}
		copy(p.SourceID[:], body[0:16])
		p.Sequence = binary.BigEndian.Uint64(body[16:24])
		p.Distance = binary.BigEndian.Uint16(body[24:26])
		return p, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownType, data[3])
	}
}
