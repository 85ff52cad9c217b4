package session

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/eberran/voicemesh/internal/protocol"
)

var (
	ErrTimeout  = errors.New("session timed out")
	ErrNotReady = errors.New("session not established")
)

// Receiver consumes server-to-client packets from the unreliable
// channel.
type Receiver interface {
	HandleSourceAudio(packet protocol.SourceAudio)
	HandleSourceAudioEnd(packet protocol.SourceAudioEnd)
	HandleSelfAudioInfo(packet protocol.SelfAudioInfo)
}

// Timeouts tunes the client keepalive. Zero values pick the defaults.
type Timeouts struct {
	Ping time.Duration
	Soft time.Duration
	Hard time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Ping <= 0 {
		t.Ping = time.Second
	}
	if t.Soft <= 0 {
		t.Soft = 7 * time.Second
	}
	if t.Hard <= 0 {
		t.Hard = 30 * time.Second
	}
	return t
}

// Client is the client half of the unreliable channel. It handshakes
// until the server confirms the secret binding, then keeps the NAT
// mapping alive with periodic pings and watches for silence.
type Client struct {
	secret   uuid.UUID
	conn     *net.UDPConn
	receiver Receiver
	timeouts Timeouts

	connected  atomic.Bool
	degraded   atomic.Bool
	lastPacket atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// Dial connects the unreliable channel and starts the handshake and
// keepalive loops. The returned client is not Ready until the server's
// first ping arrives.
func Dial(addr string, secret uuid.UUID, receiver Receiver, timeouts Timeouts) (*Client, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}

	c := &Client{
		secret:   secret,
		conn:     conn,
		receiver: receiver,
		timeouts: timeouts.withDefaults(),
		done:     make(chan struct{}),
	}
	c.touch()

	c.wg.Add(2)
	go c.readLoop()
	go c.keepaliveLoop()
	return c, nil
}

// Ready reports whether the server has confirmed the secret binding.
func (c *Client) Ready() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	return c.connected.Load()
}

// Degraded reports prolonged silence from the server, short of the hard
// timeout. It clears as soon as any packet arrives.
func (c *Client) Degraded() bool { return c.degraded.Load() }

// Done closes when the session ends; Err then reports why.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns nil after a local Close and ErrTimeout after a keepalive
// expiry. Only valid once Done is closed.
func (c *Client) Err() error { return c.closeErr }

// SendAudio transmits one encoded, encrypted frame.
func (c *Client) SendAudio(sequence uint64, activationID uuid.UUID, distance uint16, stereo bool, payload []byte) error {
	if !c.Ready() {
		return ErrNotReady
	}
	packet := protocol.AudioData{
		Secret:       c.secret,
		Sequence:     sequence,
		ActivationID: activationID,
		Distance:     distance,
		Stereo:       stereo,
		Payload:      payload,
	}
	_, err := c.conn.Write(packet.Marshal())
	return err
}

// Close tears the session down. Safe to call from any goroutine, any
// number of times.
func (c *Client) Close() {
	c.closeWith(nil)
	c.wg.Wait()
}

func (c *Client) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) touch() {
	c.lastPacket.Store(time.Now().UnixNano())
	c.degraded.Store(false)
}

func (c *Client) idle() time.Duration {
	return time.Since(time.Unix(0, c.lastPacket.Load()))
}

func (c *Client) keepaliveLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.timeouts.Ping)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		// Handshake until confirmed, then plain keepalive pings.
		var data []byte
		if c.connected.Load() {
			data = protocol.Ping{Secret: c.secret}.Marshal()
		} else {
			data = protocol.Handshake{Secret: c.secret}.Marshal()
		}
		if _, err := c.conn.Write(data); err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("session: keepalive write failed: %v", err)
			}
		}

		idle := c.idle()
		if idle >= c.timeouts.Hard {
			c.closeWith(ErrTimeout)
			return
		}
		c.degraded.Store(idle >= c.timeouts.Soft)
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, protocol.MaxDatagramSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.done:
			default:
				log.Printf("session: read failed: %v", err)
			}
			return
		}

		packet, err := protocol.ParseDatagram(buf[:n])
		if err != nil {
			continue
		}
		c.touch()

		switch p := packet.(type) {
		case protocol.Ping:
			c.connected.Store(true)
		case protocol.SourceAudio:
			if c.receiver != nil {
				c.receiver.HandleSourceAudio(p)
			}
		case protocol.SourceAudioEnd:
			if c.receiver != nil {
				c.receiver.HandleSourceAudioEnd(p)
			}
		case protocol.SelfAudioInfo:
			if c.receiver != nil {
				c.receiver.HandleSelfAudioInfo(p)
			}
		}
	}
}
