// Package relay bridges collaboration rooms across server instances over
// Redis pub/sub. Each room maps to one channel; every instance subscribes to
// the channels of its live rooms and republishes local frames. Frames carry
// the origin instance ID so an instance never re-delivers its own traffic.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "collab:"

type wireFrame struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Redis is a room relay backed by a shared Redis. Safe for concurrent use.
type Redis struct {
	rdb        *redis.Client
	instanceID string
	logger     *log.Logger
}

// New connects to Redis and pings it, matching how the sync server treats an
// unreachable broker as a startup failure rather than a runtime surprise.
func New(ctx context.Context, addr string, logger *log.Logger) (*Redis, error) {
	if logger == nil {
		logger = log.Default()
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("relay: ping redis at %s: %w", addr, err)
	}
	return &Redis{
		rdb:        rdb,
		instanceID: uuid.NewString(),
		logger:     logger,
	}, nil
}

// Publish sends a frame to the room's channel, tagged with this instance.
func (r *Redis) Publish(ctx context.Context, roomID string, frame []byte) error {
	payload, err := json.Marshal(wireFrame{Origin: r.instanceID, Frame: frame})
	if err != nil {
		return fmt.Errorf("relay: marshal frame: %w", err)
	}
	if err := r.rdb.Publish(ctx, channelPrefix+roomID, payload).Err(); err != nil {
		return fmt.Errorf("relay: publish to %s: %w", roomID, err)
	}
	return nil
}

// Subscribe forwards remote-origin frames for roomID to fn until the returned
// cancel function is called.
func (r *Redis) Subscribe(roomID string, fn func(frame []byte)) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := r.rdb.Subscribe(ctx, channelPrefix+roomID)
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("relay: subscribe to %s: %w", roomID, err)
	}

	ch := pubsub.Channel()
	go func() {
		for msg := range ch {
			var wf wireFrame
			if err := json.Unmarshal([]byte(msg.Payload), &wf); err != nil {
				r.logger.Printf("relay: dropping malformed payload on %s: %v", msg.Channel, err)
				continue
			}
			if wf.Origin == r.instanceID {
				continue
			}
			fn(wf.Frame)
		}
	}()

	return func() {
		cancel()
		pubsub.Close()
	}, nil
}

// Close releases the Redis connection.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
