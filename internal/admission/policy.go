package admission

import (
	"context"
	"errors"

	"log/slog"

	"github.com/yowger/fitness-race-tracking/internal/raceapi"
	"github.com/yowger/fitness-race-tracking/internal/room"
	"github.com/yowger/fitness-race-tracking/pkg/geo"
	"github.com/yowger/fitness-race-tracking/pkg/metrics"
)

// Denial reasons, surfaced in notAllowed payloads and metrics labels.
const (
	ReasonRaceNotFound    = "race_not_found"
	ReasonRaceUnavailable = "race_unavailable"
	ReasonNotJoinable     = "race_not_joinable"
	ReasonNotRegistered   = "not_registered"
)

// Decision is the outcome of a join authorization. On allow it carries the
// member identity resolved from the race roster and the route finish point.
type Decision struct {
	Allow    bool
	Reason   string
	Identity room.Identity
	Finish   *geo.Point
}

// RaceDirectory is the slice of the race-management collaborator the
// policy consumes.
type RaceDirectory interface {
	GetRace(ctx context.Context, raceID string) (raceapi.Race, error)
}

// Policy decides room admission. Checked at join time only: position
// updates trust the established membership, which keeps the external
// dependency out of the hot path.
type Policy struct {
	races    RaceDirectory
	joinable map[string]struct{}
	log      *slog.Logger
}

func NewPolicy(races RaceDirectory, joinableStatuses []string, log *slog.Logger) *Policy {
	j := make(map[string]struct{}, len(joinableStatuses))
	for _, s := range joinableStatuses {
		j[s] = struct{}{}
	}
	return &Policy{races: races, joinable: j, log: log}
}

// Authorize consults the race API and fails closed: any collaborator
// failure denies the join.
func (p *Policy) Authorize(ctx context.Context, userID, raceID string) Decision {
	race, err := p.races.GetRace(ctx, raceID)
	if err != nil {
		reason := ReasonRaceUnavailable
		if errors.Is(err, raceapi.ErrRaceNotFound) {
			reason = ReasonRaceNotFound
		}
		p.log.Warn("admission.deny", "race", raceID, "user", userID, "reason", reason, "err", err)
		return p.deny(reason)
	}

	var entry *raceapi.Participant
	for i := range race.Participants {
		if race.Participants[i].UserID == userID {
			entry = &race.Participants[i]
			break
		}
	}

	// Admins and organizers may always join, regardless of race status.
	if entry != nil && isOrganizer(entry.Role) {
		return p.allow(*entry, race.Finish)
	}

	if _, ok := p.joinable[race.Status]; !ok {
		p.log.Info("admission.deny", "race", raceID, "user", userID, "reason", ReasonNotJoinable, "status", race.Status)
		return p.deny(ReasonNotJoinable)
	}
	if entry == nil {
		p.log.Info("admission.deny", "race", raceID, "user", userID, "reason", ReasonNotRegistered)
		return p.deny(ReasonNotRegistered)
	}
	return p.allow(*entry, race.Finish)
}

func (p *Policy) allow(entry raceapi.Participant, finish *geo.Point) Decision {
	return Decision{
		Allow: true,
		Identity: room.Identity{
			ID:          entry.UserID,
			DisplayName: entry.DisplayName,
			Role:        roleOf(entry.Role),
			BibNumber:   entry.BibNumber,
		},
		Finish: finish,
	}
}

func (p *Policy) deny(reason string) Decision {
	metrics.DenialsTotal.WithLabelValues(reason).Inc()
	return Decision{Reason: reason}
}

func isOrganizer(role string) bool {
	return role == "admin" || role == "organizer"
}

func roleOf(role string) room.Role {
	switch role {
	case "admin", "organizer":
		return room.RoleAdmin
	case "guest":
		return room.RoleGuest
	default:
		return room.RoleRacer
	}
}
