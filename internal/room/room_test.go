package room

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yowger/fitness-race-tracking/pkg/geo"
)

type fakeSink struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *fakeSink) TrySend(b []byte) bool {
	s.mu.Lock()
	s.frames = append(s.frames, b)
	s.mu.Unlock()
	return true
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSink) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func (s *fakeSink) reset() {
	s.mu.Lock()
	s.frames = nil
	s.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testEncode(raceID string, roster []MemberSnapshot) []byte {
	b, _ := json.Marshal(roster)
	return b
}

func decodeRoster(t *testing.T, frame []byte) []MemberSnapshot {
	t.Helper()
	var out []MemberSnapshot
	require.NoError(t, json.Unmarshal(frame, &out))
	return out
}

func testOptions(clock *fakeClock) Options {
	return Options{
		FlushWindow: 40 * time.Millisecond,
		Clock:       clock.Now,
		Encode:      testEncode,
	}
}

func racer(id string) Identity {
	return Identity{ID: id, DisplayName: "name-" + id, Role: RoleRacer}
}

func TestJoinLeave_MembershipFollowsLastOperation(t *testing.T) {
	r := NewRoom("r1", nil, testOptions(newFakeClock()))
	sink := &fakeSink{}

	r.Join(racer("u1"), sink)
	assert.Len(t, r.Snapshot(), 1)

	r.Leave("u1")
	assert.Empty(t, r.Snapshot())

	r.Join(racer("u1"), sink)
	assert.Len(t, r.Snapshot(), 1)
}

func TestRejoin_ReplacesEntryAndKeepsState(t *testing.T) {
	r := NewRoom("r1", nil, testOptions(newFakeClock()))

	r.Join(racer("u1"), &fakeSink{})
	require.NoError(t, r.UpdatePosition("u1", LiveState{Lon: 10, Lat: 20, Timestamp: 100}))

	// App restart: same participant joins again on a new connection.
	snap := r.Join(racer("u1"), &fakeSink{})
	require.Len(t, snap, 1, "rejoin must not duplicate the entry")
	assert.Equal(t, [2]float64{10, 20}, snap[0].Coords, "last known position survives a rejoin")

	// The timestamp guard survives the rejoin too.
	assert.ErrorIs(t, r.UpdatePosition("u1", LiveState{Lon: 1, Lat: 1, Timestamp: 100}), ErrStaleUpdate)
}

func TestUpdatePosition_LastWriterWinsByTimestamp(t *testing.T) {
	r := NewRoom("r1", nil, testOptions(newFakeClock()))
	r.Join(racer("u1"), &fakeSink{})

	require.NoError(t, r.UpdatePosition("u1", LiveState{Lon: 2, Lat: 2, Timestamp: 200}))
	err := r.UpdatePosition("u1", LiveState{Lon: 1, Lat: 1, Timestamp: 100})
	assert.ErrorIs(t, err, ErrStaleUpdate)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, int64(200), snap[0].Timestamp)
	assert.Equal(t, [2]float64{2, 2}, snap[0].Coords, "older sample must not overwrite newer state")
}

func TestUpdatePosition_UnknownParticipant(t *testing.T) {
	r := NewRoom("r1", nil, testOptions(newFakeClock()))
	err := r.UpdatePosition("ghost", LiveState{Lon: 1, Lat: 1, Timestamp: 1})
	assert.ErrorIs(t, err, ErrNotMember)
	assert.Empty(t, r.Snapshot(), "rejected update must not create membership")
}

func TestLeave_WinsOverLateUpdates(t *testing.T) {
	r := NewRoom("r1", nil, testOptions(newFakeClock()))
	r.Join(racer("u1"), &fakeSink{})
	require.True(t, r.Leave("u1"))

	err := r.UpdatePosition("u1", LiveState{Lon: 1, Lat: 1, Timestamp: 999})
	assert.ErrorIs(t, err, ErrNotMember, "a processed leave must not be resurrected")
	assert.Empty(t, r.Snapshot())
}

func TestLeaveIfSink_IgnoresReplacedConnection(t *testing.T) {
	r := NewRoom("r1", nil, testOptions(newFakeClock()))
	oldConn := &fakeSink{}
	newConn := &fakeSink{}

	r.Join(racer("u1"), oldConn)
	r.Join(racer("u1"), newConn) // app restart rebinds the membership

	// The old connection's synthesized leave arrives late.
	assert.False(t, r.LeaveIfSink("u1", oldConn))
	assert.Len(t, r.Snapshot(), 1, "rebound membership must survive the old connection's death")

	assert.True(t, r.LeaveIfSink("u1", newConn))
	assert.Empty(t, r.Snapshot())
}

func TestJoinAndLeave_BroadcastImmediately(t *testing.T) {
	r := NewRoom("r1", nil, testOptions(newFakeClock()))
	a := &fakeSink{}
	b := &fakeSink{}

	r.Join(racer("a"), a)
	require.GreaterOrEqual(t, a.count(), 1, "join must broadcast without waiting for the flush window")
	assert.Len(t, decodeRoster(t, a.last()), 1)

	r.Join(racer("b"), b)
	roster := decodeRoster(t, a.last())
	require.Len(t, roster, 2, "existing members see the new joiner promptly")

	a.reset()
	r.Leave("b")
	require.GreaterOrEqual(t, a.count(), 1)
	roster = decodeRoster(t, a.last())
	require.Len(t, roster, 1)
	assert.Equal(t, "a", roster[0].UserID)
}

func TestBroadcast_CoalescesWithinWindow(t *testing.T) {
	r := NewRoom("r1", nil, testOptions(newFakeClock()))
	sinks := map[string]*fakeSink{"a": {}, "b": {}, "c": {}}
	for id, s := range sinks {
		r.Join(racer(id), s)
	}
	for _, s := range sinks {
		s.reset()
	}

	require.NoError(t, r.UpdatePosition("a", LiveState{Lon: 1, Lat: 1, Timestamp: 10}))
	require.NoError(t, r.UpdatePosition("b", LiveState{Lon: 2, Lat: 2, Timestamp: 10}))
	require.NoError(t, r.UpdatePosition("c", LiveState{Lon: 3, Lat: 3, Timestamp: 10}))

	time.Sleep(150 * time.Millisecond)

	for id, s := range sinks {
		assert.Equal(t, 1, s.count(), "sink %s: three updates in one window must produce one broadcast", id)
		roster := decodeRoster(t, s.last())
		require.Len(t, roster, 3)
		for _, m := range roster {
			assert.NotZero(t, m.Timestamp, "coalesced frame must carry every member's updated state")
		}
	}
}

func TestFinished_IsALatch(t *testing.T) {
	r := NewRoom("r1", nil, testOptions(newFakeClock()))
	r.Join(racer("u1"), &fakeSink{})

	require.NoError(t, r.UpdatePosition("u1", LiveState{Lon: 1, Lat: 1, Timestamp: 1, Finished: true}))
	require.NoError(t, r.UpdatePosition("u1", LiveState{Lon: 2, Lat: 2, Timestamp: 2, Finished: false}))

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Finished, "a later sample never un-finishes a member")
}

func TestFinishLine_DerivedFromProximity(t *testing.T) {
	finish := &geo.Point{Lon: 121.05, Lat: 14.65}
	opts := testOptions(newFakeClock())
	opts.FinishRadiusMeters = 25
	r := NewRoom("r1", finish, opts)
	r.Join(racer("u1"), &fakeSink{})

	// Far from the finish: not finished.
	require.NoError(t, r.UpdatePosition("u1", LiveState{Lon: 121.00, Lat: 14.60, Timestamp: 1}))
	assert.False(t, r.Snapshot()[0].Finished)

	// On the finish point: finished.
	require.NoError(t, r.UpdatePosition("u1", LiveState{Lon: 121.05, Lat: 14.65, Timestamp: 2}))
	assert.True(t, r.Snapshot()[0].Finished)
}

func TestSweep_StaleThenImplicitLeave(t *testing.T) {
	clock := newFakeClock()
	r := NewRoom("r1", nil, testOptions(clock))
	sink := &fakeSink{}
	r.Join(racer("u1"), sink)
	r.Join(racer("u2"), &fakeSink{})
	require.NoError(t, r.UpdatePosition("u2", LiveState{Lon: 1, Lat: 1, Timestamp: 1}))

	// u1 goes silent past the stale timeout; u2 keeps updating.
	clock.Advance(31 * time.Second)
	require.NoError(t, r.UpdatePosition("u2", LiveState{Lon: 1, Lat: 1, Timestamp: 2}))
	stale, evicted := r.Sweep(30*time.Second, 2*time.Minute)
	assert.Equal(t, []string{"u1"}, stale)
	assert.Empty(t, evicted)

	snap := r.Snapshot()
	require.Len(t, snap, 2, "stale members stay visible in the roster")
	assert.Equal(t, StatusStale, snap[0].Status)
	assert.Equal(t, StatusActive, snap[1].Status)
	assert.Equal(t, 1, r.ActiveCount())

	// Past the hard timeout the silence becomes an implicit leave.
	clock.Advance(2 * time.Minute)
	require.NoError(t, r.UpdatePosition("u2", LiveState{Lon: 1, Lat: 1, Timestamp: 3}))
	_, evicted = r.Sweep(30*time.Second, 2*time.Minute)
	assert.Equal(t, []string{"u1"}, evicted)

	snap = r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "u2", snap[0].UserID)
}

func TestSweep_AcceptedEventResetsLiveness(t *testing.T) {
	clock := newFakeClock()
	r := NewRoom("r1", nil, testOptions(clock))
	r.Join(racer("u1"), &fakeSink{})

	clock.Advance(31 * time.Second)
	stale, _ := r.Sweep(30*time.Second, 2*time.Minute)
	require.Equal(t, []string{"u1"}, stale)

	// Any accepted update flips the member back to active.
	require.NoError(t, r.UpdatePosition("u1", LiveState{Lon: 1, Lat: 1, Timestamp: 1}))
	assert.Equal(t, StatusActive, r.Snapshot()[0].Status)

	stale, evicted := r.Sweep(30*time.Second, 2*time.Minute)
	assert.Empty(t, stale)
	assert.Empty(t, evicted)
}

func TestScenario_TwoRacers(t *testing.T) {
	r := NewRoom("r1", nil, testOptions(newFakeClock()))
	a := &fakeSink{}
	b := &fakeSink{}

	// A joins: roster = [A].
	snap := r.Join(racer("a"), a)
	require.Len(t, snap, 1)

	// B joins: both see [A, B].
	r.Join(racer("b"), b)
	require.Len(t, decodeRoster(t, a.last()), 2)
	require.Len(t, decodeRoster(t, b.last()), 2)

	// A sends (10,20,t=100): B eventually sees A there.
	require.NoError(t, r.UpdatePosition("a", LiveState{Lon: 10, Lat: 20, Timestamp: 100}))
	time.Sleep(120 * time.Millisecond)
	roster := decodeRoster(t, b.last())
	require.Len(t, roster, 2)
	assert.Equal(t, [2]float64{10, 20}, roster[0].Coords)

	// A retries an older sample: dropped, B's view unchanged.
	b.reset()
	assert.ErrorIs(t, r.UpdatePosition("a", LiveState{Lon: 0, Lat: 0, Timestamp: 50}), ErrStaleUpdate)
	time.Sleep(120 * time.Millisecond)
	assert.Zero(t, b.count(), "a dropped update must not produce a broadcast")

	// B leaves: remaining member sees [A].
	a.reset()
	r.Leave("b")
	roster = decodeRoster(t, a.last())
	require.Len(t, roster, 1)
	assert.Equal(t, "a", roster[0].UserID)
}
