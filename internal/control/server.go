// Package control implements the reliable channel: a websocket on which
// connects are negotiated, session secrets are handed out, and the
// non-audio signaling (ends, distance changes, source descriptors)
// travels.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eberran/voicemesh/internal/config"
	"github.com/eberran/voicemesh/internal/mute"
	"github.com/eberran/voicemesh/internal/observability"
	"github.com/eberran/voicemesh/internal/protocol"
	"github.com/eberran/voicemesh/internal/router"
	"github.com/eberran/voicemesh/internal/session"
)

const (
	writeTimeout    = 10 * time.Second
	connectDeadline = 15 * time.Second
	outboundBuffer  = 64
)

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	routes      *router.Router
	udp         *session.Server
	mutes       *mute.Manager
	metrics     *observability.Metrics
	presence    *router.Presence
	latency     *observability.LatencyWindow
	activations []protocol.ActivationInfo
	upgrader    websocket.Upgrader

	mu       sync.Mutex
	controls map[uuid.UUID]*controlConn
}

// controlConn is one participant's websocket with a single writer
// goroutine behind an outbound queue.
type controlConn struct {
	participantID uuid.UUID
	ws            *websocket.Conn
	outbound      chan any
	closeOnce     sync.Once
	done          chan struct{}
}

func (c *controlConn) send(msg any) bool {
	select {
	case c.outbound <- msg:
		return true
	default:
		// Writes stay single-threaded; drop when saturated.
		return false
	}
}

func (c *controlConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func New(cfg config.Config, sessions *session.Manager, routes *router.Router, udp *session.Server, mutes *mute.Manager, metrics *observability.Metrics, presence *router.Presence, activations []protocol.ActivationInfo) *Server {
	s := &Server{
		cfg:         cfg,
		sessions:    sessions,
		routes:      routes,
		udp:         udp,
		mutes:       mutes,
		metrics:     metrics,
		presence:    presence,
		activations: activations,
		controls:    make(map[uuid.UUID]*controlConn),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browser connections unless opted out;
				// non-browser clients without an Origin header pass.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
	s.latency = observability.NewLatencyWindow(512)
	routes.SetLatencyWindow(s.latency)
	routes.SetSourceUpdateHook(s.broadcastSourceInfo)
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/voice/ws", s.handleVoiceWS)
	r.Get("/v1/voice/mutes", s.handleListMutes)
	r.Get("/v1/voice/stats", s.handleStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": protocol.SemanticVersion,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleListMutes(w http.ResponseWriter, r *http.Request) {
	records, err := s.mutes.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"mutes": records})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.latency.Snapshot())
}

func (s *Server) handleVoiceWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	ws.SetReadLimit(1 << 20)
	ws.SetReadDeadline(time.Now().Add(connectDeadline))

	req, err := s.awaitConnect(ws)
	if err != nil {
		log.Printf("control: connect failed from %s: %v", r.RemoteAddr, err)
		return
	}

	if !protocol.CompatibleVersion(req.Version) {
		s.metrics.SessionEvents.WithLabelValues("version_rejected").Inc()
		s.writeNow(ws, protocol.ErrorEvent{
			Type:   protocol.TypeErrorEvent,
			Code:   "protocol_mismatch",
			Detail: fmt.Sprintf("client version %s is not compatible with server %s; install a %s.x client", req.Version, protocol.SemanticVersion, majorLabel()),
		})
		return
	}

	secret := s.sessions.SecretFor(req.ParticipantID)
	conn := session.NewClientConn(secret, req.ParticipantID, req.ParticipantName, s.udp.Socket())
	s.sessions.Register(conn)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("connected").Inc()

	control := &controlConn{
		participantID: req.ParticipantID,
		ws:            ws,
		outbound:      make(chan any, outboundBuffer),
		done:          make(chan struct{}),
	}
	s.registerControl(control)

	control.send(protocol.ConnectResponse{
		Type:        protocol.TypeConnectResponse,
		Secret:      secret,
		UDPAddr:     s.advertisedUDPAddr(r),
		Activations: s.activations,
		Capture: protocol.CaptureInfo{
			SampleRate: s.cfg.SampleRate,
			FrameSize:  s.cfg.FrameSize(),
			MTU:        s.cfg.MTU,
			Codec:      s.cfg.Codec,
		},
		Keepalive: protocol.KeepaliveInfo{
			PingPeriodMS:  int(s.cfg.KeepAlivePeriod / time.Millisecond),
			SoftTimeoutMS: int(s.cfg.SoftTimeout / time.Millisecond),
			HardTimeoutMS: int(s.cfg.ConnectionTimeout / time.Millisecond),
		},
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(control)
	}()

	s.readLoop(control, conn)

	control.close()
	<-writerDone
	s.unregisterControl(control)
	if s.presence != nil {
		s.presence.Forget(conn.ParticipantID)
	}
	s.sessions.Remove(conn)
	s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	s.metrics.SessionEvents.WithLabelValues("disconnected").Inc()
}

func (s *Server) awaitConnect(ws *websocket.Conn) (protocol.ConnectRequest, error) {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return protocol.ConnectRequest{}, err
	}
	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		return protocol.ConnectRequest{}, err
	}
	req, ok := parsed.(protocol.ConnectRequest)
	if !ok {
		return protocol.ConnectRequest{}, fmt.Errorf("first message must be connect_request")
	}
	return req, nil
}

func (s *Server) writeLoop(control *controlConn) {
	for {
		select {
		case <-control.done:
			return
		case msg := <-control.outbound:
			control.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := control.ws.WriteJSON(msg); err != nil {
				control.close()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ControlMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}
}

func (s *Server) readLoop(control *controlConn, conn *session.ClientConn) {
	ws := control.ws
	ws.SetReadDeadline(time.Now().Add(2 * s.cfg.ConnectionTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(2 * s.cfg.ConnectionTimeout))
		return nil
	})

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ws.SetReadDeadline(time.Now().Add(2 * s.cfg.ConnectionTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			control.send(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ControlMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		switch msg := parsed.(type) {
		case protocol.AudioEnd:
			s.routes.HandleAudioEnd(conn.ParticipantID, msg)
		case protocol.DistanceChange:
			// The authoritative distance rides on every audio packet;
			// the explicit change only updates presence for observers.
		case protocol.SourceInfoRequest:
			info, ok := s.routes.SourceByID(msg.SourceID)
			if !ok {
				control.send(protocol.ErrorEvent{
					Type:   protocol.TypeErrorEvent,
					Code:   "unknown_source",
					Detail: msg.SourceID.String(),
				})
				continue
			}
			control.send(protocol.SourceInfoMessage{Type: protocol.TypeSourceInfo, Source: info})
		case protocol.ParticipantState:
			if msg.Position != nil && s.presence != nil {
				s.presence.Update(conn.ParticipantID, router.Position{
					World: msg.Position.World,
					X:     msg.Position.X,
					Y:     msg.Position.Y,
					Z:     msg.Position.Z,
				})
			}
			msg.ParticipantID = conn.ParticipantID
			s.broadcastState(msg)
		case protocol.ConnectRequest:
			control.send(protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "already_connected",
				Detail: "connect_request after session establishment",
			})
		}
	}
}

// broadcastSourceInfo pushes a refreshed descriptor to every control
// connection except the source's owner.
func (s *Server) broadcastSourceInfo(info protocol.SourceInfo) {
	msg := protocol.SourceInfoMessage{Type: protocol.TypeSourceInfo, Source: info}

	s.mu.Lock()
	targets := make([]*controlConn, 0, len(s.controls))
	for _, control := range s.controls {
		if control.participantID == info.OwnerID {
			continue
		}
		targets = append(targets, control)
	}
	s.mu.Unlock()

	for _, control := range targets {
		control.send(msg)
	}
}

// broadcastState fans a participant's state report out to everyone
// else.
func (s *Server) broadcastState(state protocol.ParticipantState) {
	s.mu.Lock()
	targets := make([]*controlConn, 0, len(s.controls))
	for _, control := range s.controls {
		if control.participantID == state.ParticipantID {
			continue
		}
		targets = append(targets, control)
	}
	s.mu.Unlock()

	for _, control := range targets {
		control.send(state)
	}
}

func (s *Server) registerControl(control *controlConn) {
	s.mu.Lock()
	previous := s.controls[control.participantID]
	s.controls[control.participantID] = control
	s.mu.Unlock()
	if previous != nil {
		previous.close()
	}
}

func (s *Server) unregisterControl(control *controlConn) {
	s.mu.Lock()
	if s.controls[control.participantID] == control {
		delete(s.controls, control.participantID)
	}
	s.mu.Unlock()
}

// advertisedUDPAddr builds the endpoint clients dial: the configured
// public host, or the host the control request came in on.
func (s *Server) advertisedUDPAddr(r *http.Request) string {
	host := s.cfg.UDPPublicHost
	if host == "" {
		if h, _, err := net.SplitHostPort(r.Host); err == nil {
			host = h
		} else {
			host = r.Host
		}
	}
	return net.JoinHostPort(host, fmt.Sprintf("%d", s.udp.Port()))
}

func (s *Server) writeNow(ws *websocket.Conn, msg any) {
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	ws.WriteJSON(msg)
}

func majorLabel() string {
	version := protocol.SemanticVersion
	if i := strings.IndexByte(version, '.'); i >= 0 {
		return version[:i]
	}
	return version
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ConnectRequest:
		return m.Type, true
	case protocol.ConnectResponse:
		return m.Type, true
	case protocol.AudioEnd:
		return m.Type, true
	case protocol.DistanceChange:
		return m.Type, true
	case protocol.SourceInfoRequest:
		return m.Type, true
	case protocol.SourceInfoMessage:
		return m.Type, true
	case protocol.ParticipantState:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

// Shutdown closes every control connection; used on server stop.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	controls := make([]*controlConn, 0, len(s.controls))
	for _, control := range s.controls {
		controls = append(controls, control)
	}
	s.mu.Unlock()

	for _, control := range controls {
		control.close()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			s.mu.Lock()
			empty := len(s.controls) == 0
			s.mu.Unlock()
			if empty {
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
