package session

import (
	"errors"
	"log"
	"net"
	"sync"

	"github.com/eberran/voicemesh/internal/observability"
	"github.com/eberran/voicemesh/internal/protocol"
)

// AudioHandler consumes authenticated inbound audio traffic. The
// payload is still encrypted; the server never opens it.
type AudioHandler interface {
	HandleAudio(conn *ClientConn, packet protocol.AudioData)
}

// Server is the unreliable channel endpoint. It owns one UDP socket
// shared by all connections and binds remote addresses to secrets on
// handshake.
type Server struct {
	manager *Manager
	handler AudioHandler
	metrics *observability.Metrics

	sock      *net.UDPConn
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewServer(manager *Manager, handler AudioHandler, metrics *observability.Metrics) *Server {
	return &Server{manager: manager, handler: handler, metrics: metrics}
}

// Listen binds the UDP socket and starts the read loop.
func (s *Server) Listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	sock, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	s.sock = sock

	s.wg.Add(1)
	go s.readLoop()
	return nil
}

// Socket exposes the shared socket for ClientConn construction.
func (s *Server) Socket() *net.UDPConn { return s.sock }

// Port returns the bound UDP port, advertised in the connect response.
func (s *Server) Port() int {
	if s.sock == nil {
		return 0
	}
	return s.sock.LocalAddr().(*net.UDPAddr).Port
}

func (s *Server) Close() {
	s.closeOnce.Do(func() {
		if s.sock != nil {
			s.sock.Close()
		}
	})
	s.wg.Wait()
}

func (s *Server) readLoop() {
	defer s.wg.Done()

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, remote, err := s.sock.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Printf("udp: read failed: %v", err)
			}
			return
		}

		packet, err := protocol.ParseDatagram(buf[:n])
		if err != nil {
			s.metrics.FrameDrops.WithLabelValues("malformed").Inc()
			continue
		}
		s.handlePacket(packet, remote)
	}
}

func (s *Server) handlePacket(packet any, remote *net.UDPAddr) {
	switch p := packet.(type) {
	case protocol.Handshake:
		conn, ok := s.manager.BySecret(p.Secret)
		if !ok {
			s.metrics.FrameDrops.WithLabelValues("unknown_secret").Inc()
			return
		}
		conn.Bind(remote)
		conn.Touch()
		s.metrics.AudioPackets.WithLabelValues("in", "handshake").Inc()
		// The handshake ack doubles as the first keepalive.
		if err := conn.Send(protocol.Ping{Secret: p.Secret}.Marshal()); err != nil {
			log.Printf("udp: handshake ack to %s failed: %v", remote, err)
		}

	case protocol.Ping:
		conn, ok := s.manager.BySecret(p.Secret)
		if !ok || !conn.Bound() {
			s.metrics.FrameDrops.WithLabelValues("unknown_secret").Inc()
			return
		}
		conn.Touch()
		s.metrics.AudioPackets.WithLabelValues("in", "ping").Inc()
		conn.Send(protocol.Ping{Secret: p.Secret}.Marshal())

	case protocol.AudioData:
		conn, ok := s.manager.BySecret(p.Secret)
		if !ok || !conn.Bound() {
			s.metrics.FrameDrops.WithLabelValues("unknown_secret").Inc()
			return
		}
		conn.Touch()
		s.metrics.AudioPackets.WithLabelValues("in", "audio").Inc()
		if s.handler != nil {
			s.handler.HandleAudio(conn, p)
		}

	default:
		// Server-to-client packet types arriving inbound are dropped.
		s.metrics.FrameDrops.WithLabelValues("unexpected_type").Inc()
	}
}
