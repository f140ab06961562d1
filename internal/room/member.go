package room

import "time"

// Role is the participant's role in the race roster.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleRacer Role = "racer"
	RoleGuest Role = "guest"
)

// Status tracks a member's liveness inside a room. Stale members stay in the
// roster so clients can render a last-known position; they only drop out of
// active counts and are evicted by the reaper after the hard timeout.
type Status string

const (
	StatusActive Status = "active"
	StatusStale  Status = "stale"
)

// Identity is fixed at join time from the authenticated session and the
// race roster. It never changes for the lifetime of a membership.
type Identity struct {
	ID          string
	DisplayName string
	Role        Role
	BibNumber   int // 0 = no bib assigned
}

// LiveState is the latest accepted position sample for one participant.
// Only events attributed to that participant mutate it.
type LiveState struct {
	Lon       float64
	Lat       float64
	Speed     *float64 // meters per second, nil when the client sent none
	Timestamp int64    // unix millis, strictly increasing per participant
	Finished  bool
}

// member is a roster entry plus liveness bookkeeping.
type member struct {
	identity Identity
	state    LiveState
	lastSeen time.Time // any accepted event, including join
	status   Status
	sink     Sink
}

// Sink delivers outbound frames to one member's connection. TrySend must
// never block; it reports false when the frame was dropped.
type Sink interface {
	TrySend(frame []byte) bool
}

// MemberSnapshot is the wire shape of one roster entry.
type MemberSnapshot struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	Role        Role       `json:"role"`
	BibNumber   int        `json:"bibNumber,omitempty"`
	Coords      [2]float64 `json:"coords"` // lon, lat
	Speed       *float64   `json:"speed,omitempty"`
	Timestamp   int64      `json:"timestamp"`
	Finished    bool       `json:"finished"`
	Status      Status     `json:"status"`
}

func (m *member) snapshot() MemberSnapshot {
	return MemberSnapshot{
		UserID:      m.identity.ID,
		DisplayName: m.identity.DisplayName,
		Role:        m.identity.Role,
		BibNumber:   m.identity.BibNumber,
		Coords:      [2]float64{m.state.Lon, m.state.Lat},
		Speed:       m.state.Speed,
		Timestamp:   m.state.Timestamp,
		Finished:    m.state.Finished,
		Status:      m.status,
	}
}
