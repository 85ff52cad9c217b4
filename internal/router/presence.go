package router

import (
	"sync"

	"github.com/google/uuid"
)

// Presence is a Locator fed by participant state reports. Embedding
// applications with their own position source can inject a different
// Locator instead.
type Presence struct {
	mu        sync.RWMutex
	positions map[uuid.UUID]Position
}

func NewPresence() *Presence {
	return &Presence{positions: make(map[uuid.UUID]Position)}
}

func (p *Presence) Update(participantID uuid.UUID, pos Position) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[participantID] = pos
}

func (p *Presence) Forget(participantID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, participantID)
}

func (p *Presence) Locate(participantID uuid.UUID) (Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[participantID]
	return pos, ok
}
