package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"chatCore/pkg/api"
)

func TestPresenceSnapshotsAreReplacedWholesale(t *testing.T) {
	tracker := NewPresenceTracker()
	assert.False(t, tracker.IsOnline("u1"))

	online := map[string]bool{"u1": true, " u2 ": false}
	tracker.Replace(online)
	first := tracker.Snapshot()

	online["u3"] = true
	assert.False(t, first.IsOnline("u3"), "the tracker keeps its own copy")

	tracker.Replace(map[string]bool{"u2": true})
	assert.True(t, first.IsOnline("u1"), "old snapshots never change")
	assert.False(t, tracker.IsOnline("u1"))
	assert.True(t, tracker.IsOnline(api.User{Id: "u2"}))
	assert.Equal(t, 1, tracker.Snapshot().Len())
}

func TestPresenceChangedIsCoalesced(t *testing.T) {
	tracker := NewPresenceTracker()
	tracker.Replace(map[string]bool{"u1": true})
	tracker.Replace(map[string]bool{"u1": false})

	select {
	case <-tracker.Changed():
	default:
		t.Fatal("expected a change signal")
	}
	select {
	case <-tracker.Changed():
		t.Fatal("signals must coalesce")
	default:
	}
}

func TestNilSnapshotIsOffline(t *testing.T) {
	var snapshot *PresenceSnapshot
	assert.False(t, snapshot.IsOnline("u1"))
	assert.Zero(t, snapshot.Len())
	assert.Empty(t, snapshot.Map())
}
