// Package session implements both halves of the secret-bound unreliable
// channel: the server-side connection registry and UDP endpoint, and the
// client-side session with keepalive and timeout tracking.
package session

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var ErrNotBound = errors.New("connection has no remote address yet")

// ClientConn is one participant's unreliable channel as seen by the
// server. The remote address is unknown until the first handshake
// datagram carrying the participant's secret arrives.
type ClientConn struct {
	Secret        uuid.UUID
	ParticipantID uuid.UUID
	Name          string

	mu   sync.Mutex
	addr *net.UDPAddr
	sock *net.UDPConn

	lastPacket atomic.Int64
	notified   atomic.Bool
}

func NewClientConn(secret, participantID uuid.UUID, name string, sock *net.UDPConn) *ClientConn {
	c := &ClientConn{
		Secret:        secret,
		ParticipantID: participantID,
		Name:          name,
		sock:          sock,
	}
	c.Touch()
	return c
}

// Bind records the remote address learned from a handshake.
func (c *ClientConn) Bind(addr *net.UDPAddr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = addr
}

func (c *ClientConn) Addr() *net.UDPAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Bound reports whether a handshake completed for this connection.
func (c *ClientConn) Bound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr != nil
}

// Send writes one datagram to the bound remote address.
func (c *ClientConn) Send(data []byte) error {
	c.mu.Lock()
	addr, sock := c.addr, c.sock
	c.mu.Unlock()
	if addr == nil {
		return ErrNotBound
	}
	_, err := sock.WriteToUDP(data, addr)
	return err
}

// Touch records packet arrival for the keepalive sweep.
func (c *ClientConn) Touch() {
	c.lastPacket.Store(time.Now().UnixNano())
}

func (c *ClientConn) LastPacket() time.Time {
	return time.Unix(0, c.lastPacket.Load())
}

// markNotified flips the exactly-once disconnect latch. It reports true
// for the single caller that wins.
func (c *ClientConn) markNotified() bool {
	return c.notified.CompareAndSwap(false, true)
}
