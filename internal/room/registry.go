package room

import (
	"sync"
	"time"

	"log/slog"

	"github.com/yowger/fitness-race-tracking/pkg/geo"
	"github.com/yowger/fitness-race-tracking/pkg/metrics"
)

// Registry owns the raceId -> Room mapping and the room lifecycle. Creation
// and removal for the same key are serialized on the registry mutex, so
// concurrent joins observe exactly one room and removal can never race a
// re-populating GetOrCreate. Room-internal traffic never touches this lock.
type Registry struct {
	opts      Options
	idleGrace time.Duration
	log       *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*Room
}

func NewRegistry(opts Options, idleGrace time.Duration) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		opts:      opts,
		idleGrace: idleGrace,
		log:       opts.Log,
		rooms:     map[string]*Room{},
	}
}

// GetOrCreate returns the live room for raceID, creating it on first join.
// finish only applies when the room is created.
func (g *Registry) GetOrCreate(raceID string, finish *geo.Point) *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	rm := g.rooms[raceID]
	if rm == nil {
		rm = NewRoom(raceID, finish, g.opts)
		g.rooms[raceID] = rm
		metrics.ActiveRooms.Set(float64(len(g.rooms)))
		g.log.Info("registry.room.created", "race", raceID)
	}
	// Restart the idle clock while still holding the registry mutex: a
	// joiner that just resolved an idle empty room must not lose it to a
	// concurrent RemoveIfEmpty before its Join lands.
	rm.Touch()
	return rm
}

// Lookup returns the room for raceID without creating one. Read-locked so
// the hot update path never serializes against unrelated rooms.
func (g *Registry) Lookup(raceID string) *Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rooms[raceID]
}

// RemoveIfEmpty destroys the room once its member set is empty and it has
// been idle past the grace window.
func (g *Registry) RemoveIfEmpty(raceID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rm := g.rooms[raceID]
	if rm == nil || !rm.Empty() {
		return false
	}
	if g.opts.Clock().Sub(rm.LastActivity()) < g.idleGrace {
		return false
	}
	delete(g.rooms, raceID)
	rm.Close()
	metrics.ActiveRooms.Set(float64(len(g.rooms)))
	g.log.Info("registry.room.removed", "race", raceID)
	return true
}

// Rooms snapshots the current room set for the reaper sweep.
func (g *Registry) Rooms() []*Room {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Room, 0, len(g.rooms))
	for _, rm := range g.rooms {
		out = append(out, rm)
	}
	return out
}
