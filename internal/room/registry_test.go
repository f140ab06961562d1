package room

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreate_OneRoomUnderConcurrentJoiners(t *testing.T) {
	g := NewRegistry(testOptions(newFakeClock()), time.Minute)

	const n = 64
	var wg sync.WaitGroup
	got := make([]*Room, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = g.GetOrCreate("r1", nil)
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, got[0], got[i], "all concurrent joiners must observe the same room")
	}
	assert.Len(t, g.Rooms(), 1)
}

func TestGetOrCreate_RoomsAreIndependent(t *testing.T) {
	g := NewRegistry(testOptions(newFakeClock()), time.Minute)
	r1 := g.GetOrCreate("r1", nil)
	r2 := g.GetOrCreate("r2", nil)
	assert.NotSame(t, r1, r2)
	assert.Len(t, g.Rooms(), 2)
}

func TestLookup_DoesNotCreate(t *testing.T) {
	g := NewRegistry(testOptions(newFakeClock()), time.Minute)
	assert.Nil(t, g.Lookup("r1"))
	g.GetOrCreate("r1", nil)
	assert.NotNil(t, g.Lookup("r1"))
}

func TestRemoveIfEmpty_RespectsIdleGrace(t *testing.T) {
	clock := newFakeClock()
	g := NewRegistry(testOptions(clock), time.Minute)
	rm := g.GetOrCreate("r1", nil)
	rm.Join(racer("u1"), &fakeSink{})
	rm.Leave("u1")

	assert.False(t, g.RemoveIfEmpty("r1"), "empty but not yet idle past the grace window")
	require.NotNil(t, g.Lookup("r1"))

	clock.Advance(2 * time.Minute)
	assert.True(t, g.RemoveIfEmpty("r1"))
	assert.Nil(t, g.Lookup("r1"))
}

func TestRemoveIfEmpty_KeepsPopulatedRooms(t *testing.T) {
	clock := newFakeClock()
	g := NewRegistry(testOptions(clock), time.Minute)
	rm := g.GetOrCreate("r1", nil)
	rm.Join(racer("u1"), &fakeSink{})

	clock.Advance(time.Hour)
	assert.False(t, g.RemoveIfEmpty("r1"))
	assert.NotNil(t, g.Lookup("r1"))
}

func TestGetOrCreate_RestartsIdleGrace(t *testing.T) {
	clock := newFakeClock()
	g := NewRegistry(testOptions(clock), time.Minute)
	g.GetOrCreate("r1", nil)
	clock.Advance(2 * time.Minute)

	// A joiner resolves the idle empty room; the reaper's removal must now
	// lose the race, otherwise the join lands in an orphaned room.
	rm := g.GetOrCreate("r1", nil)
	assert.False(t, g.RemoveIfEmpty("r1"), "a just-resolved room must not be removable before the join lands")

	sink := &fakeSink{}
	rm.Join(racer("u1"), sink)
	assert.Same(t, rm, g.Lookup("r1"), "the joined room must still be registered")
	assert.GreaterOrEqual(t, sink.count(), 1, "join on a just-resolved room must broadcast")
	assert.Len(t, rm.Snapshot(), 1)
}

func TestRemoveThenCreate_YieldsFreshRoom(t *testing.T) {
	clock := newFakeClock()
	g := NewRegistry(testOptions(clock), time.Minute)
	old := g.GetOrCreate("r1", nil)
	clock.Advance(2 * time.Minute)
	require.True(t, g.RemoveIfEmpty("r1"))

	fresh := g.GetOrCreate("r1", nil)
	assert.NotSame(t, old, fresh)
	assert.Empty(t, fresh.Snapshot())
}
