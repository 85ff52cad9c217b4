package mute

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
)

// Manager wraps a Store with expiry handling.
type Manager struct {
	store Store
	now   func() time.Time
}

func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// IsMuted reports whether the participant is currently muted. Expired
// temporary mutes are removed on the way out.
func (m *Manager) IsMuted(ctx context.Context, participantID uuid.UUID) bool {
	record, err := m.store.Get(ctx, participantID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			// Fail open: a store outage must not silence everyone.
			log.Printf("mute: lookup for %s failed: %v", participantID, err)
		}
		return false
	}
	if record.Expired(m.now()) {
		if err := m.store.Delete(ctx, participantID); err != nil {
			log.Printf("mute: expiry cleanup for %s failed: %v", participantID, err)
		}
		return false
	}
	return true
}

// Mute stores a mute for the participant. A zero duration is permanent.
func (m *Manager) Mute(ctx context.Context, participantID uuid.UUID, mutedBy, reason string, duration time.Duration) error {
	record := Record{
		ParticipantID: participantID,
		MutedBy:       mutedBy,
		Reason:        reason,
		CreatedAt:     m.now().UTC(),
	}
	if duration > 0 {
		record.Until = record.CreatedAt.Add(duration)
	}
	return m.store.Put(ctx, record)
}

func (m *Manager) Unmute(ctx context.Context, participantID uuid.UUID) error {
	return m.store.Delete(ctx, participantID)
}

func (m *Manager) List(ctx context.Context) ([]Record, error) {
	return m.store.List(ctx)
}
