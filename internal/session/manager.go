package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("session not found")

// Manager owns the secret and connection registries. One participant
// has at most one live connection; re-registration evicts the previous
// one with exactly one disconnect notification.
type Manager struct {
	mu                  sync.RWMutex
	secretByParticipant map[uuid.UUID]uuid.UUID
	participantBySecret map[uuid.UUID]uuid.UUID
	connBySecret        map[uuid.UUID]*ClientConn
	connByParticipant   map[uuid.UUID]*ClientConn
	timeout             time.Duration
	onDisconnect        func(*ClientConn)
}

func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Manager{
		secretByParticipant: make(map[uuid.UUID]uuid.UUID),
		participantBySecret: make(map[uuid.UUID]uuid.UUID),
		connBySecret:        make(map[uuid.UUID]*ClientConn),
		connByParticipant:   make(map[uuid.UUID]*ClientConn),
		timeout:             timeout,
	}
}

// SetDisconnectHook registers the callback fired exactly once per
// removed connection, outside the manager lock.
func (m *Manager) SetDisconnectHook(hook func(*ClientConn)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDisconnect = hook
}

// SecretFor returns the participant's session secret, issuing a fresh
// one on first request. The secret stays stable until the participant
// is removed.
func (m *Manager) SecretFor(participantID uuid.UUID) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()

	if secret, ok := m.secretByParticipant[participantID]; ok {
		return secret
	}
	secret := uuid.New()
	m.secretByParticipant[participantID] = secret
	m.participantBySecret[secret] = participantID
	return secret
}

// ParticipantBySecret resolves a secret to its participant.
func (m *Manager) ParticipantBySecret(secret uuid.UUID) (uuid.UUID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.participantBySecret[secret]
	return id, ok
}

// Register installs a connection under both its keys. Any previous
// connection for the same secret or participant is evicted; the last
// writer wins.
func (m *Manager) Register(conn *ClientConn) {
	var evicted []*ClientConn

	m.mu.Lock()
	if prev, ok := m.connBySecret[conn.Secret]; ok && prev != conn {
		evicted = append(evicted, prev)
		delete(m.connByParticipant, prev.ParticipantID)
	}
	if prev, ok := m.connByParticipant[conn.ParticipantID]; ok && prev != conn {
		evicted = append(evicted, prev)
		delete(m.connBySecret, prev.Secret)
	}
	m.connBySecret[conn.Secret] = conn
	m.connByParticipant[conn.ParticipantID] = conn
	hook := m.onDisconnect
	m.mu.Unlock()

	m.notify(hook, evicted)
}

func (m *Manager) BySecret(secret uuid.UUID) (*ClientConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connBySecret[secret]
	return conn, ok
}

func (m *Manager) ByParticipant(participantID uuid.UUID) (*ClientConn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.connByParticipant[participantID]
	return conn, ok
}

// Remove drops the connection and its secret binding. Removing an
// already-removed connection is a no-op.
func (m *Manager) Remove(conn *ClientConn) {
	m.mu.Lock()
	current := m.connBySecret[conn.Secret] == conn || m.connByParticipant[conn.ParticipantID] == conn
	if m.connBySecret[conn.Secret] == conn {
		delete(m.connBySecret, conn.Secret)
	}
	if m.connByParticipant[conn.ParticipantID] == conn {
		delete(m.connByParticipant, conn.ParticipantID)
	}
	// An evicted connection must not tear down the secret its
	// replacement is still using.
	if current {
		delete(m.secretByParticipant, conn.ParticipantID)
		delete(m.participantBySecret, conn.Secret)
	}
	hook := m.onDisconnect
	m.mu.Unlock()

	m.notify(hook, []*ClientConn{conn})
}

// RemoveByParticipant removes the participant's connection if present
// and always drops the secret binding.
func (m *Manager) RemoveByParticipant(participantID uuid.UUID) {
	m.mu.RLock()
	conn, ok := m.connByParticipant[participantID]
	m.mu.RUnlock()
	if ok {
		m.Remove(conn)
		return
	}

	m.mu.Lock()
	if secret, ok := m.secretByParticipant[participantID]; ok {
		delete(m.secretByParticipant, participantID)
		delete(m.participantBySecret, secret)
	}
	m.mu.Unlock()
}

// All returns a snapshot of the live connections.
func (m *Manager) All() []*ClientConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conns := make([]*ClientConn, 0, len(m.connBySecret))
	for _, conn := range m.connBySecret {
		conns = append(conns, conn)
	}
	return conns
}

// Broadcast sends a datagram to every bound connection the filter
// accepts. A nil filter accepts everyone.
func (m *Manager) Broadcast(data []byte, filter func(*ClientConn) bool) {
	for _, conn := range m.All() {
		if filter != nil && !filter(conn) {
			continue
		}
		if conn.Bound() {
			conn.Send(data)
		}
	}
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connBySecret)
}

// StartJanitor sweeps out connections whose last packet is older than
// the hard timeout.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireStale()
			}
		}
	}()
}

func (m *Manager) expireStale() {
	now := time.Now()
	for _, conn := range m.All() {
		if now.Sub(conn.LastPacket()) >= m.timeout {
			m.Remove(conn)
		}
	}
}

func (m *Manager) notify(hook func(*ClientConn), conns []*ClientConn) {
	for _, conn := range conns {
		if conn.markNotified() && hook != nil {
			hook(conn)
		}
	}
}
