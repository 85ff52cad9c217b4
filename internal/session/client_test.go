package session

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eberran/voicemesh/internal/observability"
	"github.com/eberran/voicemesh/internal/protocol"
)

var metricsOnce sync.Once
var testMetrics *observability.Metrics

func metricsForTest() *observability.Metrics {
	// Prometheus registration is global; build the instruments once.
	metricsOnce.Do(func() {
		testMetrics = observability.NewMetrics("voicemesh_session_test")
	})
	return testMetrics
}

type capturedAudio struct {
	conn   *ClientConn
	packet protocol.AudioData
}

type captureHandler struct {
	mu      sync.Mutex
	packets []capturedAudio
}

func (h *captureHandler) HandleAudio(conn *ClientConn, packet protocol.AudioData) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.packets = append(h.packets, capturedAudio{conn: conn, packet: packet})
}

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.packets)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClientHandshakeAndAudioOverLoopback(t *testing.T) {
	manager := NewManager(time.Minute)
	handler := &captureHandler{}
	server := NewServer(manager, handler, metricsForTest())
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()

	participant := uuid.New()
	secret := manager.SecretFor(participant)
	manager.Register(NewClientConn(secret, participant, "tester", server.Socket()))

	client, err := Dial(fmt.Sprintf("127.0.0.1:%d", server.Port()), secret, nil, Timeouts{Ping: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	waitFor(t, "handshake confirmation", client.Ready)

	conn, ok := manager.BySecret(secret)
	if !ok || !conn.Bound() {
		t.Fatal("server did not bind the remote address")
	}

	activationID := protocol.ActivationID("proximity")
	payload := []byte{1, 2, 3, 4}
	if err := client.SendAudio(7, activationID, 16, false, payload); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	waitFor(t, "audio delivery", func() bool { return handler.count() > 0 })

	handler.mu.Lock()
	got := handler.packets[0]
	handler.mu.Unlock()
	if got.conn.Secret != secret {
		t.Fatal("audio attributed to the wrong connection")
	}
	if got.packet.Sequence != 7 || got.packet.ActivationID != activationID || got.packet.Distance != 16 {
		t.Fatalf("audio packet fields corrupted: %+v", got.packet)
	}
	if string(got.packet.Payload) != string(payload) {
		t.Fatal("payload corrupted in transit")
	}
}

func TestClientRejectsAudioBeforeHandshake(t *testing.T) {
	manager := NewManager(time.Minute)
	server := NewServer(manager, nil, metricsForTest())
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer server.Close()

	// The secret is never registered, so the handshake is ignored and
	// the client never becomes ready.
	client, err := Dial(fmt.Sprintf("127.0.0.1:%d", server.Port()), uuid.New(), nil, Timeouts{Ping: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if err := client.SendAudio(1, uuid.New(), 8, false, []byte{1}); err != ErrNotReady {
		t.Fatalf("send before handshake: err = %v, want ErrNotReady", err)
	}
}

func TestClientHardTimeoutClosesSession(t *testing.T) {
	manager := NewManager(time.Minute)
	server := NewServer(manager, nil, metricsForTest())
	if err := server.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen: %v", err)
	}

	participant := uuid.New()
	secret := manager.SecretFor(participant)
	manager.Register(NewClientConn(secret, participant, "tester", server.Socket()))

	client, err := Dial(fmt.Sprintf("127.0.0.1:%d", server.Port()), secret, nil, Timeouts{
		Ping: 5 * time.Millisecond,
		Soft: 20 * time.Millisecond,
		Hard: 60 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	waitFor(t, "handshake confirmation", client.Ready)

	// Kill the server so every keepalive goes unanswered.
	server.Close()

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not hit the hard timeout")
	}
	if client.Err() != ErrTimeout {
		t.Fatalf("close reason = %v, want ErrTimeout", client.Err())
	}
	if client.Ready() {
		t.Fatal("timed-out session still reports ready")
	}
}
