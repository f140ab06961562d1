package raceapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"log/slog"

	"github.com/yowger/fitness-race-tracking/pkg/geo"
)

// ErrRaceNotFound means the race id is unknown to the race-management service.
var ErrRaceNotFound = errors.New("race not found")

type Participant struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
	BibNumber   int    `json:"bibNumber"`
}

type Race struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	Participants []Participant `json:"participants"`
	Finish       *geo.Point    `json:"finish,omitempty"` // route finish point, if the race has one
}

type cached struct {
	race Race
	at   time.Time
}

// Client queries the external race-management service. Successful lookups
// are cached for a short TTL to bound load under join storms.
type Client struct {
	base string
	hc   *http.Client
	log  *slog.Logger

	ttl   time.Duration
	mu    sync.Mutex
	cache map[string]cached
}

func New(baseURL string, timeout, cacheTTL time.Duration, log *slog.Logger) *Client {
	return &Client{
		base:  baseURL,
		hc:    &http.Client{Timeout: timeout},
		log:   log,
		ttl:   cacheTTL,
		cache: map[string]cached{},
	}
}

// GetRace fetches race status + roster, serving from cache when fresh
func (c *Client) GetRace(ctx context.Context, raceID string) (Race, error) {
	c.mu.Lock()
	if e, ok := c.cache[raceID]; ok && time.Since(e.at) < c.ttl {
		c.mu.Unlock()
		return e.race, nil
	}
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/api/races/"+raceID, nil)
	if err != nil {
		return Race{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return Race{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Race{}, ErrRaceNotFound
	case resp.StatusCode != http.StatusOK:
		return Race{}, fmt.Errorf("race api status %d", resp.StatusCode)
	}

	var r Race
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Race{}, err
	}
	if r.ID == "" {
		r.ID = raceID
	}

	c.mu.Lock()
	c.cache[raceID] = cached{race: r, at: time.Now()}
	c.mu.Unlock()
	return r, nil
}
