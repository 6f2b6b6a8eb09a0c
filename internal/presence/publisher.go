package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Publisher pushes presence transitions onto a Redis channel so the web
// layer can stream live status to browsers. Publish failures are logged
// and dropped; presence in the store stays authoritative.
type Publisher struct {
	client  *redis.Client
	channel string
}

type presenceEvent struct {
	Extension string    `json:"extension"`
	Status    string    `json:"status"`
	At        time.Time `json:"at"`
}

// NewPublisher connects to Redis and verifies the connection.
func NewPublisher(addr, password string, db int, channel string) (*Publisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Presence] Connected to Redis at %s", addr)

	return &Publisher{client: rdb, channel: channel}, nil
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}

// Notify publishes one presence transition.
func (p *Publisher) Notify(ctx context.Context, extension, status string) {
	data, err := json.Marshal(presenceEvent{
		Extension: extension,
		Status:    status,
		At:        time.Now().UTC(),
	})
	if err != nil {
		log.Printf("[Presence] Warning: failed to marshal presence event: %v", err)
		return
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		log.Printf("[Presence] Warning: failed to publish presence for %s: %v", extension, err)
	}
}
