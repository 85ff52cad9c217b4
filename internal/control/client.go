package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eberran/voicemesh/internal/protocol"
	"github.com/eberran/voicemesh/internal/session"
)

var ErrRejected = errors.New("server rejected the connection")

// ProtocolMismatchError is terminal: the client build cannot talk to
// this server and retrying will not help.
type ProtocolMismatchError struct {
	Detail string
}

func (e *ProtocolMismatchError) Error() string {
	return "protocol mismatch: " + e.Detail
}

// SourceCache receives descriptor pushes from the server; implemented
// by the audio receiver.
type SourceCache interface {
	UpdateSource(info protocol.SourceInfo)
}

// Client is the client half of the reliable channel.
type Client struct {
	ws       *websocket.Conn
	cache    SourceCache
	response protocol.ConnectResponse

	writeMu sync.Mutex

	mu          sync.Mutex
	onError     func(event protocol.ErrorEvent)
	onPeerState func(state protocol.ParticipantState)

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Connect dials the control websocket, performs the connect handshake
// and starts the dispatch loop. The URL points at the /v1/voice/ws
// endpoint.
func Connect(ctx context.Context, rawURL string, participantID uuid.UUID, participantName string, cache SourceCache) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial control channel: %w", err)
	}

	c := &Client{
		ws:    ws,
		cache: cache,
		done:  make(chan struct{}),
	}

	req := protocol.ConnectRequest{
		Type:            protocol.TypeConnectRequest,
		Version:         protocol.SemanticVersion,
		ParticipantID:   participantID,
		ParticipantName: participantName,
	}
	if err := c.writeJSON(req); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send connect_request: %w", err)
	}

	response, err := c.awaitResponse()
	if err != nil {
		ws.Close()
		return nil, err
	}
	c.response = response

	c.wg.Add(1)
	go c.readLoop()
	return c, nil
}

func (c *Client) awaitResponse() (protocol.ConnectResponse, error) {
	c.ws.SetReadDeadline(time.Now().Add(connectDeadline))
	defer c.ws.SetReadDeadline(time.Time{})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return protocol.ConnectResponse{}, fmt.Errorf("await connect_response: %w", err)
		}
		parsed, err := protocol.ParseServerMessage(data)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedType) {
				continue
			}
			return protocol.ConnectResponse{}, err
		}
		switch msg := parsed.(type) {
		case protocol.ConnectResponse:
			return msg, nil
		case protocol.ErrorEvent:
			if msg.Code == "protocol_mismatch" {
				return protocol.ConnectResponse{}, &ProtocolMismatchError{Detail: msg.Detail}
			}
			return protocol.ConnectResponse{}, fmt.Errorf("%w: %s: %s", ErrRejected, msg.Code, msg.Detail)
		}
	}
}

func (c *Client) Secret() uuid.UUID { return c.response.Secret }

func (c *Client) UDPAddr() string { return c.response.UDPAddr }

func (c *Client) Activations() []protocol.ActivationInfo { return c.response.Activations }

func (c *Client) Capture() protocol.CaptureInfo { return c.response.Capture }

// Timeouts maps the server's advertised keepalive policy onto the
// unreliable channel's tuning. Unset values fall back to the session
// defaults.
func (c *Client) Timeouts() session.Timeouts {
	k := c.response.Keepalive
	return session.Timeouts{
		Ping: time.Duration(k.PingPeriodMS) * time.Millisecond,
		Soft: time.Duration(k.SoftTimeoutMS) * time.Millisecond,
		Hard: time.Duration(k.HardTimeoutMS) * time.Millisecond,
	}
}

// OnError registers a handler for server error events.
func (c *Client) OnError(hook func(event protocol.ErrorEvent)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = hook
}

// SendAudioEnd signals end-of-stream over the reliable channel so it
// survives datagram loss.
func (c *Client) SendAudioEnd(sequence uint64, activationID uuid.UUID, distance uint16) error {
	return c.writeJSON(protocol.AudioEnd{
		Type:         protocol.TypeAudioEnd,
		ActivationID: activationID,
		Sequence:     sequence,
		Distance:     distance,
	})
}

// SendDistanceChange announces a newly selected distance.
func (c *Client) SendDistanceChange(activationID uuid.UUID, distance uint16) error {
	return c.writeJSON(protocol.DistanceChange{
		Type:         protocol.TypeDistanceChange,
		ActivationID: activationID,
		Distance:     distance,
	})
}

// RequestSourceInfo implements the receiver's descriptor lookup.
func (c *Client) RequestSourceInfo(sourceID uuid.UUID) error {
	return c.writeJSON(protocol.SourceInfoRequest{
		Type:     protocol.TypeSourceInfoRequest,
		SourceID: sourceID,
	})
}

// OnPeerState registers a handler for other participants' state
// rebroadcasts.
func (c *Client) OnPeerState(hook func(state protocol.ParticipantState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPeerState = hook
}

// SendParticipantState reports mic mute, voice-disabled and, when
// position is non-nil, where this participant stands.
func (c *Client) SendParticipantState(micMuted, voiceDisabled bool, position *protocol.ParticipantPosition) error {
	return c.writeJSON(protocol.ParticipantState{
		Type:          protocol.TypeParticipantState,
		MicMuted:      micMuted,
		VoiceDisabled: voiceDisabled,
		Position:      position,
	})
}

func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears the channel down. Safe to call from any goroutine, any
// number of times.
func (c *Client) Close() {
	c.closeWith()
	c.wg.Wait()
}

// closeWith fires teardown without waiting; the read loop uses it so
// its own exit never blocks on the waitgroup it is counted in.
func (c *Client) closeWith() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *Client) writeJSON(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(msg)
}

func (c *Client) readLoop() {
	defer c.wg.Done()
	defer c.closeWith()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("control: read failed: %v", err)
			}
			return
		}

		parsed, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}

		switch msg := parsed.(type) {
		case protocol.SourceInfoMessage:
			if c.cache != nil {
				c.cache.UpdateSource(msg.Source)
			}
		case protocol.ParticipantState:
			c.mu.Lock()
			hook := c.onPeerState
			c.mu.Unlock()
			if hook != nil {
				hook(msg)
			}
		case protocol.ErrorEvent:
			c.mu.Lock()
			hook := c.onError
			c.mu.Unlock()
			if hook != nil {
				hook(msg)
			} else {
				log.Printf("control: server error %s: %s", msg.Code, msg.Detail)
			}
		}
	}
}
