package chat

import (
	"sync/atomic"
	"time"

	"chatCore/pkg/api"
)

// PresenceSnapshot is an immutable point-in-time view of who is online.
type PresenceSnapshot struct {
	online map[string]bool
	at     time.Time
}

// IsOnline treats an absent key as offline. A nil snapshot knows nobody.
func (s *PresenceSnapshot) IsOnline(userId interface{}) bool {
	if s == nil {
		return false
	}
	return s.online[api.ToIdString(userId)]
}

func (s *PresenceSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.online)
}

func (s *PresenceSnapshot) At() time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.at
}

// Map returns a copy of the mapping.
func (s *PresenceSnapshot) Map() map[string]bool {
	out := make(map[string]bool, s.Len())
	if s == nil {
		return out
	}
	for id, online := range s.online {
		out[id] = online
	}
	return out
}

// PresenceTracker holds the latest snapshot published by an external
// producer. The chat core only reads it; Replace swaps the whole snapshot.
type PresenceTracker struct {
	current atomic.Pointer[PresenceSnapshot]
	changed chan struct{}
}

func NewPresenceTracker() *PresenceTracker {
	t := &PresenceTracker{changed: make(chan struct{}, 1)}
	t.current.Store(&PresenceSnapshot{online: map[string]bool{}})
	return t
}

// Replace implements api.PresenceSink.
func (t *PresenceTracker) Replace(online map[string]bool) {
	next := make(map[string]bool, len(online))
	for id, isOnline := range online {
		if key := api.ToIdString(id); key != "" {
			next[key] = isOnline
		}
	}
	t.current.Store(&PresenceSnapshot{online: next, at: time.Now()})

	select {
	case t.changed <- struct{}{}:
	default:
	}
}

func (t *PresenceTracker) Snapshot() *PresenceSnapshot {
	return t.current.Load()
}

func (t *PresenceTracker) IsOnline(userId interface{}) bool {
	return t.Snapshot().IsOnline(userId)
}

// Changed signals, coalesced, that a new snapshot was stored.
func (t *PresenceTracker) Changed() <-chan struct{} {
	return t.changed
}
