package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"log/slog"

	"github.com/yowger/fitness-race-tracking/pkg/geo"
	"github.com/yowger/fitness-race-tracking/pkg/metrics"
)

var (
	// ErrNotMember rejects updates for a participant that is not in the room.
	ErrNotMember = errors.New("not a room member")
	// ErrStaleUpdate rejects updates whose timestamp is not newer than the
	// stored one (last-writer-wins by timestamp, not arrival order).
	ErrStaleUpdate = errors.New("stale update discarded")
)

// EncodeFunc turns a roster into an outbound frame. Injected so the room
// stays transport-agnostic.
type EncodeFunc func(raceID string, roster []MemberSnapshot) []byte

// Options carries the policy knobs shared by all rooms in a registry.
type Options struct {
	FlushWindow        time.Duration
	FinishRadiusMeters float64
	Clock              func() time.Time
	Encode             EncodeFunc
	Publish            func(raceID string, frame []byte) // optional cross-instance hook
	Log                *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.FlushWindow <= 0 {
		o.FlushWindow = 300 * time.Millisecond
	}
	if o.Log == nil {
		o.Log = slog.Default()
	}
	return o
}

// Room holds the live session for one race: the member set, the latest
// state per member, and the fan-out path. All mutations are serialized on
// the room's own mutex; rooms never serialize against each other.
type Room struct {
	raceID string
	opts   Options
	finish *geo.Point // route finish point, nil when the race has none
	sched  *Scheduler

	mu           sync.Mutex
	members      map[string]*member
	createdAt    time.Time
	lastActivity time.Time
}

func NewRoom(raceID string, finish *geo.Point, opts Options) *Room {
	opts = opts.withDefaults()
	now := opts.Clock()
	r := &Room{
		raceID:       raceID,
		opts:         opts,
		finish:       finish,
		members:      map[string]*member{},
		createdAt:    now,
		lastActivity: now,
	}
	r.sched = NewScheduler(opts.FlushWindow, r.broadcast)
	return r
}

func (r *Room) RaceID() string { return r.raceID }

// Join inserts or replaces the member keyed by identity.ID and immediately
// broadcasts the full roster so every member converges on the same view.
// Rejoin is idempotent: the previous LiveState is kept so the monotonic
// timestamp guard survives an app restart.
func (r *Room) Join(id Identity, sink Sink) []MemberSnapshot {
	r.mu.Lock()
	now := r.opts.Clock()
	m := r.members[id.ID]
	if m == nil {
		m = &member{}
		r.members[id.ID] = m
	}
	m.identity = id
	m.sink = sink
	m.lastSeen = now
	m.status = StatusActive
	r.lastActivity = now
	snap := r.rosterLocked()
	r.mu.Unlock()

	r.opts.Log.Debug("room.join", "race", r.raceID, "participant", id.ID, "members", len(snap))
	r.sched.FlushNow()
	return snap
}

// UpdatePosition applies a position sample for an existing member. The
// membership check shares the room mutex with Leave, so a leave that has
// completed can never be resurrected by an in-flight update.
func (r *Room) UpdatePosition(participantID string, st LiveState) error {
	r.mu.Lock()
	m := r.members[participantID]
	if m == nil {
		r.mu.Unlock()
		metrics.UnknownUpdatesDropped.Inc()
		return ErrNotMember
	}
	if st.Timestamp <= m.state.Timestamp {
		r.mu.Unlock()
		metrics.StaleUpdatesDropped.Inc()
		return ErrStaleUpdate
	}

	// Finished is a latch: client-reported or derived from finish-line
	// proximity, never cleared by a later sample.
	st.Finished = st.Finished || m.state.Finished
	if !st.Finished && r.finish != nil && r.opts.FinishRadiusMeters > 0 {
		d := geo.DistanceMeters(geo.Point{Lon: st.Lon, Lat: st.Lat}, *r.finish)
		if d <= r.opts.FinishRadiusMeters {
			st.Finished = true
			r.opts.Log.Info("room.finish", "race", r.raceID, "participant", participantID)
		}
	}

	now := r.opts.Clock()
	m.state = st
	m.lastSeen = now
	m.status = StatusActive
	r.lastActivity = now
	r.mu.Unlock()

	r.sched.Schedule()
	return nil
}

// Leave removes the member and broadcasts the updated roster to everyone
// still in the room. Reports whether the participant was actually a member.
func (r *Room) Leave(participantID string) bool {
	r.mu.Lock()
	_, ok := r.members[participantID]
	if ok {
		delete(r.members, participantID)
		r.lastActivity = r.opts.Clock()
	}
	r.mu.Unlock()

	if ok {
		r.opts.Log.Debug("room.leave", "race", r.raceID, "participant", participantID)
		r.sched.FlushNow()
	}
	return ok
}

// Touch restarts the room's idle clock. Called by the registry under its
// own mutex when a joiner resolves the room.
func (r *Room) Touch() {
	r.mu.Lock()
	r.lastActivity = r.opts.Clock()
	r.mu.Unlock()
}

// LeaveIfSink removes the member only while it is still bound to sink.
// Used for gateway-synthesized disconnect leaves, so a dying connection
// cannot kick a membership a rejoin has already taken over.
func (r *Room) LeaveIfSink(participantID string, sink Sink) bool {
	r.mu.Lock()
	m, ok := r.members[participantID]
	if !ok || m.sink != sink {
		r.mu.Unlock()
		return false
	}
	delete(r.members, participantID)
	r.lastActivity = r.opts.Clock()
	r.mu.Unlock()

	r.opts.Log.Debug("room.leave.disconnect", "race", r.raceID, "participant", participantID)
	r.sched.FlushNow()
	return true
}

// Sweep transitions silent members to stale and evicts members past the
// hard timeout. This is the recovery path for disconnects the gateway
// never observed.
func (r *Room) Sweep(staleAfter, hardAfter time.Duration) (stale, evicted []string) {
	r.mu.Lock()
	now := r.opts.Clock()
	for id, m := range r.members {
		silent := now.Sub(m.lastSeen)
		switch {
		case silent > hardAfter:
			delete(r.members, id)
			evicted = append(evicted, id)
		case silent > staleAfter && m.status == StatusActive:
			m.status = StatusStale
			stale = append(stale, id)
		}
	}
	if len(stale)+len(evicted) > 0 {
		r.lastActivity = now
	}
	r.mu.Unlock()

	if len(stale)+len(evicted) > 0 {
		r.sched.FlushNow()
	}
	return stale, evicted
}

// Snapshot returns the current roster sorted by participant id.
func (r *Room) Snapshot() []MemberSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rosterLocked()
}

// ActiveCount reports members that are not stale.
func (r *Room) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.members {
		if m.status == StatusActive {
			n++
		}
	}
	return n
}

func (r *Room) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == 0
}

func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// ForwardFrame pushes an already-encoded frame from another instance to the
// local subscribers without touching room state.
func (r *Room) ForwardFrame(frame []byte) {
	for _, s := range r.sinks() {
		if !s.TrySend(frame) {
			metrics.FramesDropped.Inc()
		}
	}
}

// Close stops the broadcast scheduler. Called by the registry on removal.
func (r *Room) Close() { r.sched.Stop() }

func (r *Room) rosterLocked() []MemberSnapshot {
	out := make([]MemberSnapshot, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Room) sinks() []Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sink, 0, len(r.members))
	for _, m := range r.members {
		if m.sink != nil {
			out = append(out, m.sink)
		}
	}
	return out
}

// broadcast snapshots the roster, encodes one frame and fans it out.
// Encoding and delivery happen outside the room mutex so a slow consumer
// can never block the mutation path.
func (r *Room) broadcast() {
	r.mu.Lock()
	snap := r.rosterLocked()
	sinks := make([]Sink, 0, len(r.members))
	for _, m := range r.members {
		if m.sink != nil {
			sinks = append(sinks, m.sink)
		}
	}
	r.mu.Unlock()

	frame := r.opts.Encode(r.raceID, snap)
	for _, s := range sinks {
		if !s.TrySend(frame) {
			metrics.FramesDropped.Inc()
		}
	}
	metrics.BroadcastsTotal.Inc()
	if r.opts.Publish != nil {
		r.opts.Publish(r.raceID, frame)
	}
}
