// Package bus implements the cross-instance fan-out relay (SPEC_FULL.md §3):
// when more than one resourced process fronts the same database, a write
// committed on one process is republished here so every other process's
// local subscribers see it as an ordinary resource update. Modelled on the
// teacher's pkg/database.Redis client wrapper, extended with Pub/Sub since
// the teacher only used Redis for raft snapshot storage (keys, not channels).
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/syncmesh/resourced/internal/logger"
)

// Config mirrors database.RedisConfig's shape; resourced only ever needs the
// single-node fields, not the pool-tuning knobs the teacher exposes for its
// Raft snapshot store.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Bus wraps a Redis client used purely as a Pub/Sub relay.
type Bus struct {
	client *redis.Client
	log    *logger.Logger
}

// New dials Redis and verifies connectivity, the same Ping-on-construct
// pattern as the teacher's database.NewRedis.
func New(ctx context.Context, cfg Config, log *logger.Logger) (*Bus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("bus: connect to redis: %w", err)
	}
	return &Bus{client: client, log: log}, nil
}

// Close releases the underlying Redis connection pool.
func (b *Bus) Close() error {
	return b.client.Close()
}

// Client returns the underlying Redis client, so a Leader can be built
// against the same connection pool as the Bus that shares its process.
func (b *Bus) Client() *redis.Client {
	return b.client
}

// Message is one resource update relayed between processes. It carries the
// same shape as resources.Update, duplicated here rather than imported so
// that internal/bus never needs to import internal/resources (the manager
// depends on the bus, not the other way around).
type Message struct {
	Origin   string    `json:"origin"`
	Revision int64     `json:"revision"`
	Error    bool      `json:"error,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Elements []Element `json:"elements,omitempty"`
}

// Element mirrors resources.Element.
type Element struct {
	Ident    string          `json:"ident"`
	Value    json.RawMessage `json:"value,omitempty"`
	Deleted  bool            `json:"deleted,omitempty"`
	Revision int64           `json:"revision"`
}

func channelName(spec string) string {
	return "resourced:updates:" + spec
}

// Publish relays msg to every other process subscribed on spec.
func (b *Bus) Publish(ctx context.Context, spec string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal message for %q: %w", spec, err)
	}
	return b.client.Publish(ctx, channelName(spec), payload).Err()
}

// Subscription is a live Pub/Sub subscription on one resource spec's channel.
type Subscription struct {
	spec   string
	pubsub *redis.PubSub
	out    chan Message
	log    *logger.Logger
}

// Subscribe starts relaying every Message published on spec by any process
// (including, harmlessly, this one — callers compare Origin to ignore their
// own echo) until the Subscription is closed.
func (b *Bus) Subscribe(ctx context.Context, spec string) *Subscription {
	pubsub := b.client.Subscribe(ctx, channelName(spec))
	sub := &Subscription{
		spec:   spec,
		pubsub: pubsub,
		out:    make(chan Message, 16),
		log:    b.log,
	}
	go sub.pump(ctx)
	return sub
}

func (s *Subscription) pump(ctx context.Context) {
	defer close(s.out)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-ch:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				if s.log != nil {
					s.log.Warn("bus: discarding malformed update on %q: %v", s.spec, err)
				}
				continue
			}
			select {
			case s.out <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// C returns the channel of relayed messages for spec.
func (s *Subscription) C() <-chan Message {
	return s.out
}

// Close stops relaying and releases the underlying Pub/Sub connection.
func (s *Subscription) Close() error {
	return s.pubsub.Close()
}
