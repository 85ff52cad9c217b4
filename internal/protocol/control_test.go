package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestParseClientMessageConnectRequest(t *testing.T) {
	raw, _ := json.Marshal(ConnectRequest{
		Type:            TypeConnectRequest,
		Version:         "1.2.0",
		ParticipantID:   uuid.New(),
		ParticipantName: "alice",
	})
	parsed, err := ParseClientMessage(raw)
	if err != nil {
		t.Fatalf("ParseClientMessage() error = %v", err)
	}
	msg, ok := parsed.(ConnectRequest)
	if !ok {
		t.Fatalf("parsed type = %T, want ConnectRequest", parsed)
	}
	if msg.Version != "1.2.0" || msg.ParticipantName != "alice" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestParseClientMessageRejectsMissingFields(t *testing.T) {
	raw := []byte(`{"type":"connect_request","version":""}`)
	if _, err := ParseClientMessage(raw); err == nil {
		t.Fatalf("connect_request without version should fail")
	}

	raw = []byte(`{"type":"distance_change","distance":8}`)
	if _, err := ParseClientMessage(raw); err == nil {
		t.Fatalf("distance_change without activation should fail")
	}
}

func TestParseClientMessageUnsupported(t *testing.T) {
	if _, err := ParseClientMessage([]byte(`{"type":"connect_response"}`)); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("server-only type should be unsupported for clients, got %v", err)
	}
}

func TestParseServerMessageConnectResponse(t *testing.T) {
	raw, _ := json.Marshal(ConnectResponse{
		Type:    TypeConnectResponse,
		Secret:  uuid.New(),
		UDPAddr: "127.0.0.1:25565",
		Activations: []ActivationInfo{{
			Name:            "proximity",
			Distances:       []uint16{8, 16, 32},
			DefaultDistance: 16,
			Proximity:       true,
		}},
		Capture: CaptureInfo{SampleRate: 48000, FrameSize: 960, MTU: 1024, Codec: "pcm"},
	})
	parsed, err := ParseServerMessage(raw)
	if err != nil {
		t.Fatalf("ParseServerMessage() error = %v", err)
	}
	msg := parsed.(ConnectResponse)
	if len(msg.Activations) != 1 || msg.Capture.SampleRate != 48000 {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestParseServerMessageRejectsClientTypes(t *testing.T) {
	if _, err := ParseServerMessage([]byte(`{"type":"audio_end"}`)); !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("client-only type should be unsupported for servers, got %v", err)
	}
}
