package ws

import (
	"context"
	"encoding/json"

	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/yowger/fitness-race-tracking/internal/app"
)

// BusMessage carries one encoded roster frame across instances. Origin is
// the publishing instance id, used to suppress self-echo.
type BusMessage struct {
	EventID string `json:"eventId"`
	Origin  string `json:"origin"`
	RaceID  string `json:"raceId"`
	Payload []byte `json:"payload"`
}

// RedisBus fans roster frames out to other instances serving the same race.
type RedisBus struct {
	rdb    *redis.Client
	log    *slog.Logger
	origin string
}

// NewRedisBus connects to redis and verifies connectivity
func NewRedisBus(ctx context.Context, cfg app.Config, log *slog.Logger) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: cfg.RedisAddr,
		DB:   cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisBus{rdb: rdb, log: log, origin: uuid.NewString()}, nil
}

// Publish sends a roster frame to the redis channel for a race
func (b *RedisBus) Publish(ctx context.Context, raceID string, payload []byte) error {
	raw, _ := json.Marshal(BusMessage{
		EventID: uuid.NewString(),
		Origin:  b.origin,
		RaceID:  raceID,
		Payload: payload,
	})
	return b.rdb.Publish(ctx, channel(raceID), raw).Err()
}

// Subscribe listens to all race channels and invokes fn for each frame
// published by another instance
func (b *RedisBus) Subscribe(ctx context.Context, fn func(raceID string, payload []byte)) {
	pubsub := b.rdb.PSubscribe(ctx, channel("*"))
	defer pubsub.Close()
	b.consume(ctx, pubsub.Channel(), fn)
}

// consume drains bus messages until ctx is cancelled or the channel closes
// (go-redis closes it when the connection is lost for good).
func (b *RedisBus) consume(ctx context.Context, ch <-chan *redis.Message, fn func(raceID string, payload []byte)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				b.log.Warn("bus.subscribe.closed")
				return
			}
			var bm BusMessage
			_ = json.Unmarshal([]byte(msg.Payload), &bm)
			if bm.RaceID == "" || bm.Origin == b.origin {
				continue
			}
			fn(bm.RaceID, bm.Payload)
		}
	}
}

// Close shuts down the redis connection
func (b *RedisBus) Close() { _ = b.rdb.Close() }

// channel namespacing for race pub/sub
func channel(raceID string) string { return "race:" + raceID }
