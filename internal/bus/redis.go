package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mconf/bbb-livekit-stt/internal/observability"
	"github.com/mconf/bbb-livekit-stt/internal/resilience"
)

// Options configures the Redis bus connection
type Options struct {
	Addr        string
	Password    string
	MaxFailures int
	ResetAfter  time.Duration
	Reconnect   *resilience.ReconnectConfig
}

// Manager owns the two Redis connections: one for publishing transcript
// updates, one for subscribing to apps server commands.
type Manager struct {
	opts    Options
	pub     *redis.Client
	sub     *redis.Client
	breaker *resilience.CircuitBreaker
	log     zerolog.Logger
}

// NewManager creates a bus manager. Connect must be called before use.
func NewManager(opts Options) *Manager {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.ResetAfter <= 0 {
		opts.ResetAfter = 30 * time.Second
	}
	return &Manager{
		opts:    opts,
		breaker: resilience.NewCircuitBreaker("redis-publish", opts.MaxFailures, opts.ResetAfter),
		log:     observability.GetLogger().With().Str("component", "bus").Logger(),
	}
}

// Connect establishes and verifies both Redis connections, retrying with
// backoff on transient failures
func (m *Manager) Connect(ctx context.Context) error {
	return resilience.Reconnect(ctx, "redis", func() error {
		pub := redis.NewClient(&redis.Options{Addr: m.opts.Addr, Password: m.opts.Password})
		sub := redis.NewClient(&redis.Options{Addr: m.opts.Addr, Password: m.opts.Password})

		if err := pub.Ping(ctx).Err(); err != nil {
			pub.Close()
			sub.Close()
			return fmt.Errorf("redis ping failed: %w", err)
		}
		if err := sub.Ping(ctx).Err(); err != nil {
			pub.Close()
			sub.Close()
			return fmt.Errorf("redis ping failed: %w", err)
		}

		m.pub = pub
		m.sub = sub
		m.log.Info().Str("addr", m.opts.Addr).Msg("Connected to Redis")
		return nil
	}, m.opts.Reconnect)
}

// Handler processes one raw message payload from the command channel
type Handler func(ctx context.Context, payload []byte)

// Listen subscribes to the apps server command channel and invokes the
// handler for every message. It blocks until the context is cancelled.
func (m *Manager) Listen(ctx context.Context, handler Handler) error {
	if m.sub == nil {
		return fmt.Errorf("bus not connected")
	}

	pubsub := m.sub.Subscribe(ctx, FromAkkaAppsChannel)
	defer pubsub.Close()

	// Force the subscription before consuming so startup failures surface
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", FromAkkaAppsChannel, err)
	}
	m.log.Info().Str("channel", FromAkkaAppsChannel).Msg("Subscribed to command channel")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("Command listener stopped")
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("command channel closed")
			}
			handler(ctx, []byte(msg.Payload))
		}
	}
}

// Publish sends a JSON payload to the apps server channel through the
// circuit breaker
func (m *Manager) Publish(ctx context.Context, message any) error {
	if m.pub == nil {
		return fmt.Errorf("bus not connected")
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to encode bus message: %w", err)
	}

	start := time.Now()
	err = m.breaker.Call(func() error {
		return m.pub.Publish(ctx, ToAkkaAppsChannel, payload).Err()
	})
	observability.BusPublish(err, time.Since(start))

	if err != nil {
		m.log.Error().Err(err).Msg("Failed to publish to Redis")
		return err
	}
	return nil
}

// Close releases both Redis connections
func (m *Manager) Close() error {
	var firstErr error
	if m.pub != nil {
		if err := m.pub.Close(); err != nil {
			firstErr = err
		}
	}
	if m.sub != nil {
		if err := m.sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.log.Info().Msg("Redis connection closed")
	return firstErr
}

// Ping verifies the publish connection is alive, for readiness checks
func (m *Manager) Ping(ctx context.Context) error {
	if m.pub == nil {
		return fmt.Errorf("bus not connected")
	}
	return m.pub.Ping(ctx).Err()
}
