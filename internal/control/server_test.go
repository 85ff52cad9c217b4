package control

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eberran/voicemesh/internal/config"
	"github.com/eberran/voicemesh/internal/mute"
	"github.com/eberran/voicemesh/internal/observability"
	"github.com/eberran/voicemesh/internal/protocol"
	"github.com/eberran/voicemesh/internal/router"
	"github.com/eberran/voicemesh/internal/session"
)

var (
	testMetricsOnce sync.Once
	testMetrics     *observability.Metrics
)

func metricsForTest() *observability.Metrics {
	testMetricsOnce.Do(func() {
		testMetrics = observability.NewMetrics("voicemesh_control_test")
	})
	return testMetrics
}

func testActivations() []protocol.ActivationInfo {
	return []protocol.ActivationInfo{{
		Name:            "proximity",
		Label:           "Proximity",
		Distances:       []uint16{8, 16, 32},
		DefaultDistance: 16,
		Proximity:       true,
		Weight:          0,
	}}
}

type harness struct {
	srv      *Server
	http     *httptest.Server
	sessions *session.Manager
	routes   *router.Router
	presence *router.Presence
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.Config{
		SampleRate:         48000,
		MTU:                1024,
		Codec:              "pcm",
		ConnectionTimeout:  30 * time.Second,
		SoftTimeout:        7 * time.Second,
		KeepAlivePeriod:    time.Second,
		ProximityDistances: []uint16{8, 16, 32},
		DefaultDistance:    16,
	}
	metrics := metricsForTest()
	sessions := session.NewManager(cfg.ConnectionTimeout)

	store := mute.NewInMemoryStore()
	t.Cleanup(func() { store.Close() })
	mutes := mute.NewManager(store)

	presence := router.NewPresence()
	routes := router.NewRouter(sessions, presence, mutes, metrics, testActivations(), cfg.Codec)

	udp := session.NewServer(sessions, routes, metrics)
	if err := udp.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(udp.Close)

	srv := New(cfg, sessions, routes, udp, mutes, metrics, presence, testActivations())
	httpSrv := httptest.NewServer(srv.Router())
	t.Cleanup(httpSrv.Close)

	return &harness{srv: srv, http: httpSrv, sessions: sessions, routes: routes, presence: presence}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + "/v1/voice/ws"
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readServerMessage(t *testing.T, ws *websocket.Conn) any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	parsed, err := protocol.ParseServerMessage(data)
	if err != nil {
		t.Fatalf("parse server message: %v", err)
	}
	return parsed
}

func connect(t *testing.T, ws *websocket.Conn, participantID uuid.UUID, name string) protocol.ConnectResponse {
	t.Helper()
	err := ws.WriteJSON(protocol.ConnectRequest{
		Type:            protocol.TypeConnectRequest,
		Version:         protocol.SemanticVersion,
		ParticipantID:   participantID,
		ParticipantName: name,
	})
	if err != nil {
		t.Fatalf("write connect_request: %v", err)
	}
	resp, ok := readServerMessage(t, ws).(protocol.ConnectResponse)
	if !ok {
		t.Fatalf("expected connect_response")
	}
	return resp
}

func TestConnectHandshake(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	pid := uuid.New()
	resp := connect(t, ws, pid, "ada")

	if resp.Secret == uuid.Nil {
		t.Fatalf("expected a session secret")
	}
	if resp.UDPAddr == "" {
		t.Fatalf("expected an advertised udp endpoint")
	}
	if len(resp.Activations) != 1 || resp.Activations[0].Name != "proximity" {
		t.Fatalf("unexpected activations: %+v", resp.Activations)
	}
	if resp.Capture.SampleRate != 48000 || resp.Capture.FrameSize != 960 {
		t.Fatalf("unexpected capture info: %+v", resp.Capture)
	}
	if resp.Capture.Codec != "pcm" {
		t.Fatalf("unexpected codec %q", resp.Capture.Codec)
	}
	if resp.Keepalive.PingPeriodMS != 1000 || resp.Keepalive.SoftTimeoutMS != 7000 || resp.Keepalive.HardTimeoutMS != 30000 {
		t.Fatalf("unexpected keepalive policy: %+v", resp.Keepalive)
	}

	conn, ok := h.sessions.ByParticipant(pid)
	if !ok {
		t.Fatalf("expected a registered session")
	}
	if conn.Secret != resp.Secret {
		t.Fatalf("session secret mismatch")
	}
}

func TestConnectRejectsIncompatibleVersion(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	err := ws.WriteJSON(protocol.ConnectRequest{
		Type:            protocol.TypeConnectRequest,
		Version:         "0.9.0",
		ParticipantID:   uuid.New(),
		ParticipantName: "old",
	})
	if err != nil {
		t.Fatalf("write connect_request: %v", err)
	}

	event, ok := readServerMessage(t, ws).(protocol.ErrorEvent)
	if !ok {
		t.Fatalf("expected an error_event")
	}
	if event.Code != "protocol_mismatch" {
		t.Fatalf("code = %q, want protocol_mismatch", event.Code)
	}
}

func TestSourceInfoRequestForUnknownSource(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	connect(t, ws, uuid.New(), "ada")

	err := ws.WriteJSON(protocol.SourceInfoRequest{
		Type:     protocol.TypeSourceInfoRequest,
		SourceID: uuid.New(),
	})
	if err != nil {
		t.Fatalf("write source_info_request: %v", err)
	}

	event, ok := readServerMessage(t, ws).(protocol.ErrorEvent)
	if !ok {
		t.Fatalf("expected an error_event")
	}
	if event.Code != "unknown_source" {
		t.Fatalf("code = %q, want unknown_source", event.Code)
	}
}

func TestDuplicateConnectRequestRejected(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)
	connect(t, ws, uuid.New(), "ada")

	err := ws.WriteJSON(protocol.ConnectRequest{
		Type:            protocol.TypeConnectRequest,
		Version:         protocol.SemanticVersion,
		ParticipantID:   uuid.New(),
		ParticipantName: "ada-again",
	})
	if err != nil {
		t.Fatalf("write duplicate connect_request: %v", err)
	}

	event, ok := readServerMessage(t, ws).(protocol.ErrorEvent)
	if !ok {
		t.Fatalf("expected an error_event")
	}
	if event.Code != "already_connected" {
		t.Fatalf("code = %q, want already_connected", event.Code)
	}
}

func TestDisconnectRemovesSession(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	pid := uuid.New()
	connect(t, ws, pid, "ada")
	ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := h.sessions.ByParticipant(pid); !ok {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session still registered after websocket close")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClientConnectAndSourceInfoPush(t *testing.T) {
	h := newHarness(t)

	listenerCache := &recordCache{updated: make(chan protocol.SourceInfo, 4)}
	listener, err := Connect(context.Background(), h.wsURL(), uuid.New(), "listener", listenerCache)
	if err != nil {
		t.Fatalf("connect listener: %v", err)
	}
	defer listener.Close()

	if listener.Secret() == uuid.Nil {
		t.Fatalf("expected listener secret")
	}
	if got := listener.Capture().MTU; got != 1024 {
		t.Fatalf("mtu = %d, want 1024", got)
	}
	if got := listener.Timeouts(); got != (session.Timeouts{Ping: time.Second, Soft: 7 * time.Second, Hard: 30 * time.Second}) {
		t.Fatalf("unexpected session timeouts: %+v", got)
	}

	speakerPID := uuid.New()
	speaker, err := Connect(context.Background(), h.wsURL(), speakerPID, "speaker", nil)
	if err != nil {
		t.Fatalf("connect speaker: %v", err)
	}
	defer speaker.Close()

	h.presence.Update(speakerPID, router.Position{World: "overworld", X: 1})

	// A new source layout reaches every other control connection.
	speakerConn, ok := h.sessions.ByParticipant(speakerPID)
	if !ok {
		t.Fatalf("expected registered speaker session")
	}
	h.routes.HandleAudio(speakerConn, protocol.AudioData{
		Secret:       speaker.Secret(),
		Sequence:     1,
		ActivationID: protocol.ActivationID("proximity"),
		Distance:     16,
		Payload:      []byte{1, 2, 3},
	})

	select {
	case info := <-listenerCache.updated:
		if info.OwnerName != "speaker" {
			t.Fatalf("owner name = %q, want speaker", info.OwnerName)
		}
		if info.State != 1 {
			t.Fatalf("state = %d, want 1", info.State)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no source descriptor pushed to listener")
	}
}

func TestClientRejectedOnVersionMismatch(t *testing.T) {
	h := newHarness(t)
	ws := h.dial(t)

	// Drive the raw path the client wraps so the rejection shape stays
	// observable end to end.
	if err := ws.WriteJSON(protocol.ConnectRequest{
		Type:            protocol.TypeConnectRequest,
		Version:         "99.0.0",
		ParticipantID:   uuid.New(),
		ParticipantName: "future",
	}); err != nil {
		t.Fatalf("write connect_request: %v", err)
	}
	event, ok := readServerMessage(t, ws).(protocol.ErrorEvent)
	if !ok || event.Code != "protocol_mismatch" {
		t.Fatalf("expected protocol_mismatch, got %+v", event)
	}
}

func TestParticipantStateUpdatesPresenceAndRebroadcasts(t *testing.T) {
	h := newHarness(t)

	observerPID := uuid.New()
	observer, err := Connect(context.Background(), h.wsURL(), observerPID, "observer", nil)
	if err != nil {
		t.Fatalf("connect observer: %v", err)
	}
	defer observer.Close()

	states := make(chan protocol.ParticipantState, 4)
	observer.OnPeerState(func(state protocol.ParticipantState) { states <- state })

	moverPID := uuid.New()
	mover, err := Connect(context.Background(), h.wsURL(), moverPID, "mover", nil)
	if err != nil {
		t.Fatalf("connect mover: %v", err)
	}
	defer mover.Close()

	err = mover.SendParticipantState(true, false, &protocol.ParticipantPosition{
		World: "overworld", X: 3, Y: 64, Z: -7,
	})
	if err != nil {
		t.Fatalf("send participant_state: %v", err)
	}

	select {
	case state := <-states:
		if state.ParticipantID != moverPID {
			t.Fatalf("participant = %s, want %s", state.ParticipantID, moverPID)
		}
		if !state.MicMuted {
			t.Fatalf("expected mic_muted to survive the rebroadcast")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no participant_state rebroadcast")
	}

	pos, ok := h.presence.Locate(moverPID)
	if !ok {
		t.Fatalf("expected a recorded position")
	}
	if pos.World != "overworld" || pos.X != 3 || pos.Y != 64 || pos.Z != -7 {
		t.Fatalf("unexpected position: %+v", pos)
	}
}

func TestClientCloseAfterServerDrop(t *testing.T) {
	h := newHarness(t)

	pid := uuid.New()
	client, err := Connect(context.Background(), h.wsURL(), pid, "ada", nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	// A second connection for the same participant evicts the first,
	// closing its socket from the server side.
	replacement, err := Connect(context.Background(), h.wsURL(), pid, "ada", nil)
	if err != nil {
		t.Fatalf("connect replacement: %v", err)
	}
	defer replacement.Close()

	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client not done after server dropped the socket")
	}

	closed := make(chan struct{})
	go func() {
		client.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("Close did not return after the read loop exited")
	}
}

type recordCache struct {
	updated chan protocol.SourceInfo
}

func (c *recordCache) UpdateSource(info protocol.SourceInfo) {
	c.updated <- info
}
