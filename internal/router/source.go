// Package router implements the server-side audio fan-out: live source
// tracking, distance filtering against participant positions, and
// sender feedback. It also carries the client-side receive path that
// validates source state against cached source info.
package router

import (
	"sync"

	"github.com/google/uuid"

	"github.com/eberran/voicemesh/internal/protocol"
)

// Source is one live outbound stream: a (sender, activation) pair the
// server has seen audio from. Listeners cache its descriptor keyed by
// the state byte; any mutation bumps the state so stale caches miss.
type Source struct {
	id        uuid.UUID
	lineID    uuid.UUID
	ownerID   uuid.UUID
	ownerName string

	mu            sync.Mutex
	state         byte
	stereo        bool
	codec         string
	iconVisible   bool
	angle         int
	filter        func(listener uuid.UUID) bool
	lastListeners []uuid.UUID
}

func (s *Source) ID() uuid.UUID      { return s.id }
func (s *Source) OwnerID() uuid.UUID { return s.ownerID }

func (s *Source) State() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetStereo updates the stream layout, reporting whether it changed.
func (s *Source) SetStereo(stereo bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stereo == stereo {
		return false
	}
	s.stereo = stereo
	s.state++
	return true
}

// SetFilter installs a per-source listener predicate, e.g. for team
// channels. A nil filter admits everyone in range.
func (s *Source) SetFilter(filter func(listener uuid.UUID) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filter = filter
	s.state++
}

func (s *Source) admits(listener uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filter == nil || s.filter(listener)
}

func (s *Source) setListeners(listeners []uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastListeners = listeners
}

// Listeners returns who received this stream's most recent packet.
func (s *Source) Listeners() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, len(s.lastListeners))
	copy(out, s.lastListeners)
	return out
}

// Info snapshots the descriptor sent over the control channel.
func (s *Source) Info() protocol.SourceInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.SourceInfo{
		ID:          s.id,
		LineID:      s.lineID,
		OwnerID:     s.ownerID,
		OwnerName:   s.ownerName,
		State:       s.state,
		Codec:       s.codec,
		Stereo:      s.stereo,
		IconVisible: s.iconVisible,
		Angle:       s.angle,
	}
}

type sourceKey struct {
	owner      uuid.UUID
	activation uuid.UUID
}

// Sources indexes live sources by (owner, activation) and by id.
type Sources struct {
	mu    sync.RWMutex
	byKey map[sourceKey]*Source
	byID  map[uuid.UUID]*Source
}

func NewSources() *Sources {
	return &Sources{
		byKey: make(map[sourceKey]*Source),
		byID:  make(map[uuid.UUID]*Source),
	}
}

// GetOrCreate resolves the live source for a sender's activation,
// creating one with a fresh random id on first audio.
func (s *Sources) GetOrCreate(ownerID uuid.UUID, ownerName string, activationID, lineID uuid.UUID, codecName string, stereo bool) (*Source, bool) {
	key := sourceKey{owner: ownerID, activation: activationID}

	s.mu.RLock()
	src, ok := s.byKey[key]
	s.mu.RUnlock()
	if ok {
		return src, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if src, ok := s.byKey[key]; ok {
		return src, false
	}
	src = &Source{
		id:          uuid.New(),
		lineID:      lineID,
		ownerID:     ownerID,
		ownerName:   ownerName,
		state:       1,
		stereo:      stereo,
		codec:       codecName,
		iconVisible: true,
	}
	s.byKey[key] = src
	s.byID[src.id] = src
	return src, true
}

func (s *Sources) ByID(id uuid.UUID) (*Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.byID[id]
	return src, ok
}

func (s *Sources) ByOwnerActivation(ownerID, activationID uuid.UUID) (*Source, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.byKey[sourceKey{owner: ownerID, activation: activationID}]
	return src, ok
}

// RemoveOwner drops every source of a disconnecting sender and returns
// them so the caller can close their streams.
func (s *Sources) RemoveOwner(ownerID uuid.UUID) []*Source {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*Source
	for key, src := range s.byKey {
		if key.owner != ownerID {
			continue
		}
		delete(s.byKey, key)
		delete(s.byID, src.id)
		removed = append(removed, src)
	}
	return removed
}
