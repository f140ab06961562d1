package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"log/slog"

	"github.com/yowger/fitness-race-tracking/internal/admission"
	"github.com/yowger/fitness-race-tracking/internal/room"
	"github.com/yowger/fitness-race-tracking/pkg/auth"
	"github.com/yowger/fitness-race-tracking/pkg/metrics"
	"github.com/yowger/fitness-race-tracking/pkg/ratelimit"
)

// Gateway accepts real-time connections, authenticates the bearer token
// and dispatches inbound events to the room layer. One connection's events
// are processed in receipt order; connections run concurrently.
type Gateway struct {
	log       *slog.Logger
	jwt       *auth.JWT
	adm       *admission.Policy
	reg       *room.Registry
	bus       *RedisBus          // nil = single-instance deployment
	joinLimit *ratelimit.Limiter // per-user join attempts, nil disables
}

func NewGateway(log *slog.Logger, jwt *auth.JWT, adm *admission.Policy, reg *room.Registry, bus *RedisBus, joinLimit *ratelimit.Limiter) *Gateway {
	return &Gateway{log: log, jwt: jwt, adm: adm, reg: reg, bus: bus, joinLimit: joinLimit}
}

// Run forwards roster frames published by other instances to local
// subscribers until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) {
	if g.bus != nil {
		go g.bus.Subscribe(ctx, func(raceID string, payload []byte) {
			if rm := g.reg.Lookup(raceID); rm != nil {
				rm.ForwardFrame(payload)
			}
		})
	}
	<-ctx.Done()
}

// ServeWS handles a new /ws connection. A bad token closes the connection
// before the upgrade with no room side effects.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	claims, err := g.jwt.Verify(auth.BearerToken(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := Accept(w, r)
	if err != nil {
		g.log.Error("ws.accept", "err", err)
		return
	}

	ctx := r.Context()
	c := NewConn(conn, claims)
	g.log.Debug("ws.open", "user", claims.UserID)

	// Outbound writer
	go c.WriteLoop(ctx)

	// Inbound reader, one event at a time in receipt order
	for {
		payload, ok := c.Read(ctx)
		if !ok {
			break
		}
		g.dispatch(ctx, c, payload)
	}

	// Abrupt disconnect: synthesize a leave for every race this
	// connection had joined, so membership never leaks a dead socket.
	for _, raceID := range c.joinedRaces() {
		if rm := g.reg.Lookup(raceID); rm != nil {
			rm.LeaveIfSink(claims.UserID, c)
		}
		g.reg.RemoveIfEmpty(raceID)
	}
	g.log.Debug("ws.close", "user", claims.UserID)
	_ = c.Close()
}

func (g *Gateway) dispatch(ctx context.Context, c *Conn, payload []byte) {
	var ev ClientEvent
	if err := json.Unmarshal(payload, &ev); err != nil || ev.RaceID == "" {
		g.log.Debug("ws.event.malformed", "user", c.claims.UserID, "err", err)
		return
	}
	switch ev.Type {
	case EventJoinRace:
		g.handleJoin(ctx, c, ev)
	case EventParticipantUpdate:
		g.handleUpdate(c, ev)
	case EventLeaveRace:
		g.handleLeave(c, ev.RaceID)
	default:
		g.log.Debug("ws.event.unknown", "type", ev.Type, "user", c.claims.UserID)
	}
}

func (g *Gateway) handleJoin(ctx context.Context, c *Conn, ev ClientEvent) {
	uid := c.claims.UserID
	// Identity comes from the verified token; a payload claiming someone
	// else is an attempted spoof.
	if ev.UserID != "" && ev.UserID != uid {
		c.TrySend(encodeNotAllowed(ev.RaceID, "identity_mismatch"))
		return
	}
	if g.joinLimit != nil && !g.joinLimit.Allow(uid) {
		c.TrySend(encodeNotAllowed(ev.RaceID, "too_many_attempts"))
		return
	}

	// External authorization happens before any room is resolved, so no
	// room-level lock is ever held across this network call.
	dec := g.adm.Authorize(ctx, uid, ev.RaceID)
	if !dec.Allow {
		c.TrySend(encodeNotAllowed(ev.RaceID, dec.Reason))
		return
	}

	id := dec.Identity
	if id.DisplayName == "" {
		id.DisplayName = c.claims.DisplayName
	}
	rm := g.reg.GetOrCreate(ev.RaceID, dec.Finish)
	rm.Join(id, c)
	c.track(ev.RaceID)
	metrics.JoinsTotal.Inc()
}

func (g *Gateway) handleUpdate(c *Conn, ev ClientEvent) {
	uid := c.claims.UserID
	if ev.UserID != "" && ev.UserID != uid {
		g.log.Debug("ws.update.spoofed", "user", uid, "claimed", ev.UserID)
		return
	}
	if len(ev.Coords) != 2 || !c.hasJoined(ev.RaceID) {
		g.log.Debug("ws.update.dropped", "user", uid, "race", ev.RaceID)
		return
	}
	rm := g.reg.Lookup(ev.RaceID)
	if rm == nil {
		return
	}

	st := room.LiveState{
		Lon:       ev.Coords[0],
		Lat:       ev.Coords[1],
		Timestamp: ev.Timestamp,
		Finished:  ev.Finished,
	}
	if ev.Speed != nil && *ev.Speed >= 0 {
		st.Speed = ev.Speed
	}
	if err := rm.UpdatePosition(uid, st); err != nil {
		// Stale or post-leave updates are dropped silently, logged only.
		g.log.Debug("ws.update.rejected", "user", uid, "race", ev.RaceID, "err", err)
	}
}

func (g *Gateway) handleLeave(c *Conn, raceID string) {
	if rm := g.reg.Lookup(raceID); rm != nil {
		rm.Leave(c.claims.UserID)
	}
	c.untrack(raceID)
	g.reg.RemoveIfEmpty(raceID)
}
