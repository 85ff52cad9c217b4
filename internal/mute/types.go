// Package mute persists server-side voice mutes. A muted participant's
// audio is dropped before routing; temporary mutes expire lazily.
package mute

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("mute not found")

// Record is one participant's mute entry.
type Record struct {
	ParticipantID uuid.UUID `json:"participant_id"`
	MutedBy       string    `json:"muted_by"`
	Reason        string    `json:"reason"`
	// Until is the expiry; the zero value means permanent.
	Until     time.Time `json:"until,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether a temporary mute has run out.
func (r *Record) Expired(now time.Time) bool {
	return !r.Until.IsZero() && now.After(r.Until)
}

// Store persists and retrieves mute records.
type Store interface {
	Put(ctx context.Context, record Record) error
	Get(ctx context.Context, participantID uuid.UUID) (*Record, error)
	Delete(ctx context.Context, participantID uuid.UUID) error
	List(ctx context.Context) ([]Record, error)
	Close() error
}
