package ws

import (
	"encoding/json"

	"github.com/yowger/fitness-race-tracking/internal/room"
)

// Event names on the real-time channel. The older unauthorized scheme
// (roomParticipants/locationUpdate) is superseded and not accepted.
const (
	EventJoinRace          = "joinRace"
	EventParticipantUpdate = "participantUpdate"
	EventLeaveRace         = "leaveRace"
	EventNotAllowed        = "notAllowed"
)

// ClientEvent is the inbound envelope for all client->server events.
type ClientEvent struct {
	Type      string    `json:"type"`
	RaceID    string    `json:"raceId"`
	UserID    string    `json:"userId,omitempty"`
	Coords    []float64 `json:"coords,omitempty"` // [lon, lat]
	Timestamp int64     `json:"timestamp,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Finished  bool      `json:"finished,omitempty"`
}

type rosterEvent struct {
	Type         string                `json:"type"`
	RaceID       string                `json:"raceId"`
	Participants []room.MemberSnapshot `json:"participants"`
}

type notAllowedEvent struct {
	Type   string `json:"type"`
	RaceID string `json:"raceId"`
	Reason string `json:"reason,omitempty"`
}

// EncodeRoster builds the outbound participantUpdate frame. Wired into the
// room registry so rooms stay transport-agnostic.
func EncodeRoster(raceID string, roster []room.MemberSnapshot) []byte {
	if roster == nil {
		roster = []room.MemberSnapshot{}
	}
	b, _ := json.Marshal(rosterEvent{Type: EventParticipantUpdate, RaceID: raceID, Participants: roster})
	return b
}

func encodeNotAllowed(raceID, reason string) []byte {
	b, _ := json.Marshal(notAllowedEvent{Type: EventNotAllowed, RaceID: raceID, Reason: reason})
	return b
}
