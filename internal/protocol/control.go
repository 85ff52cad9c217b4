package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// MessageType identifies control channel payload variants.
type MessageType string

const (
	TypeConnectRequest    MessageType = "connect_request"
	TypeConnectResponse   MessageType = "connect_response"
	TypeAudioEnd          MessageType = "audio_end"
	TypeDistanceChange    MessageType = "distance_change"
	TypeSourceInfoRequest MessageType = "source_info_request"
	TypeSourceInfo        MessageType = "source_info"
	TypeParticipantState  MessageType = "participant_state"
	TypeErrorEvent        MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ActivationInfo is a server-advertised activation definition. Clients
// derive the stable id from the name, so only the name travels.
type ActivationInfo struct {
	Name            string   `json:"name"`
	Label           string   `json:"label"`
	Distances       []uint16 `json:"distances"`
	DefaultDistance uint16   `json:"default_distance"`
	Proximity       bool     `json:"proximity"`
	Stereo          bool     `json:"stereo"`
	Transitive      bool     `json:"transitive"`
	Weight          int      `json:"weight"`
}

// CaptureInfo tells the client how to configure its capture pipeline.
type CaptureInfo struct {
	SampleRate int    `json:"sample_rate"`
	FrameSize  int    `json:"frame_size"`
	MTU        int    `json:"mtu"`
	Codec      string `json:"codec"`
}

// KeepaliveInfo tells the client how to pace its session pings and
// when to treat the server as degraded or gone. Zero values leave the
// client on its own defaults.
type KeepaliveInfo struct {
	PingPeriodMS  int `json:"ping_period_ms,omitempty"`
	SoftTimeoutMS int `json:"soft_timeout_ms,omitempty"`
	HardTimeoutMS int `json:"hard_timeout_ms,omitempty"`
}

// SourceInfo is the broadcastable source metadata listeners key on.
type SourceInfo struct {
	ID          uuid.UUID `json:"id"`
	LineID      uuid.UUID `json:"line_id"`
	OwnerID     uuid.UUID `json:"owner_id"`
	OwnerName   string    `json:"owner_name,omitempty"`
	State       byte      `json:"state"`
	Codec       string    `json:"codec"`
	Stereo      bool      `json:"stereo"`
	IconVisible bool      `json:"icon_visible"`
	Angle       int       `json:"angle"`
}

type ConnectRequest struct {
	Type            MessageType `json:"type"`
	Version         string      `json:"version"`
	ParticipantID   uuid.UUID   `json:"participant_id"`
	ParticipantName string      `json:"participant_name"`
}

type ConnectResponse struct {
	Type        MessageType      `json:"type"`
	Secret      uuid.UUID        `json:"secret"`
	UDPAddr     string           `json:"udp_addr"`
	Activations []ActivationInfo `json:"activations"`
	Capture     CaptureInfo      `json:"capture"`
	Keepalive   KeepaliveInfo    `json:"keepalive"`
}

// AudioEnd is the client's explicit end-of-stream signal, sent over the
// reliable channel so it cannot be lost.
type AudioEnd struct {
	Type         MessageType `json:"type"`
	ActivationID uuid.UUID   `json:"activation_id"`
	Sequence     uint64      `json:"sequence"`
	Distance     uint16      `json:"distance"`
}

type DistanceChange struct {
	Type         MessageType `json:"type"`
	ActivationID uuid.UUID   `json:"activation_id"`
	Distance     uint16      `json:"distance"`
}

type SourceInfoRequest struct {
	Type     MessageType `json:"type"`
	SourceID uuid.UUID   `json:"source_id"`
}

type SourceInfoMessage struct {
	Type   MessageType `json:"type"`
	Source SourceInfo  `json:"source"`
}

// ParticipantPosition is a world-relative location report. Participants
// without one are invisible to proximity routing.
type ParticipantPosition struct {
	World string  `json:"world"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Z     float64 `json:"z"`
}

// ParticipantState reports mic mute, voice-disabled and optionally the
// participant's position. The server fills ParticipantID when it
// rebroadcasts the state to other participants.
type ParticipantState struct {
	Type          MessageType          `json:"type"`
	ParticipantID uuid.UUID            `json:"participant_id,omitempty"`
	MicMuted      bool                 `json:"mic_muted"`
	VoiceDisabled bool                 `json:"voice_disabled"`
	Position      *ParticipantPosition `json:"position,omitempty"`
}

type ErrorEvent struct {
	Type   MessageType `json:"type"`
	Code   string      `json:"code"`
	Detail string      `json:"detail"`
}

// ParseClientMessage decodes a message arriving from a client on the
// control channel.
func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeConnectRequest:
		var msg ConnectRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Version == "" || msg.ParticipantID == uuid.Nil {
			return nil, errors.New("invalid connect_request")
		}
		return msg, nil
	case TypeAudioEnd:
		var msg AudioEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ActivationID == uuid.Nil {
			return nil, errors.New("invalid audio_end")
		}
		return msg, nil
	case TypeDistanceChange:
		var msg DistanceChange
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ActivationID == uuid.Nil {
			return nil, errors.New("invalid distance_change")
		}
		return msg, nil
	case TypeSourceInfoRequest:
		var msg SourceInfoRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SourceID == uuid.Nil {
			return nil, errors.New("invalid source_info_request")
		}
		return msg, nil
	case TypeParticipantState:
		var msg ParticipantState
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// ParseServerMessage decodes a message arriving from the server on the
// control channel.
func ParseServerMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeConnectResponse:
		var msg ConnectResponse
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Secret == uuid.Nil || msg.UDPAddr == "" {
			return nil, errors.New("invalid connect_response")
		}
		return msg, nil
	case TypeSourceInfo:
		var msg SourceInfoMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.Source.ID == uuid.Nil {
			return nil, errors.New("invalid source_info")
		}
		return msg, nil
	case TypeParticipantState:
		var msg ParticipantState
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.ParticipantID == uuid.Nil {
			return nil, errors.New("invalid participant_state")
		}
		return msg, nil
	case TypeErrorEvent:
		var msg ErrorEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
