package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/netintent/netintent/pkg/orchestrator"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	// DefaultStream is the Redis stream carrying dispatch hints.
	DefaultStream = "netintent:dispatch"

	// DefaultGroup is the consumer group shared by all schedulers.
	DefaultGroup = "schedulers"

	streamMaxLen = 10000
)

// RedisConfig configures the Redis Streams notifier.
type RedisConfig struct {
	URL      string
	Stream   string
	Group    string
	Consumer string

	// Block is how long one XREADGROUP call waits for new entries.
	Block time.Duration
}

// Redis publishes and consumes dispatch hints through a Redis stream.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	logger zerolog.Logger
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig, logger zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}
	if cfg.Consumer == "" {
		return nil, fmt.Errorf("redis consumer name is required")
	}
	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Redis{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "dispatch-queue").Str("stream", cfg.Stream).Logger(),
	}, nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Notify appends a hint to the stream.
func (r *Redis) Notify(ctx context.Context, sig orchestrator.DispatchSignal) error {
	if sig.At.IsZero() {
		sig.At = time.Now()
	}
	err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: r.cfg.Stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"run_id": sig.RunID,
			"scope":  sig.Scope,
			"reason": sig.Reason,
			"at":     sig.At.UTC().Format(time.RFC3339Nano),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to publish dispatch hint for run %s: %w", sig.RunID, err)
	}
	return nil
}

// Subscribe joins the consumer group and streams hints until ctx ends.
func (r *Redis) Subscribe(ctx context.Context) (<-chan orchestrator.DispatchSignal, error) {
	err := r.client.XGroupCreateMkStream(ctx, r.cfg.Stream, r.cfg.Group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group %s: %w", r.cfg.Group, err)
	}

	ch := make(chan orchestrator.DispatchSignal, 16)
	go r.consume(ctx, ch)
	return ch, nil
}

func (r *Redis) consume(ctx context.Context, ch chan<- orchestrator.DispatchSignal) {
	defer close(ch)

	for ctx.Err() == nil {
		streams, err := r.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			Streams:  []string{r.cfg.Stream, ">"},
			Count:    32,
			Block:    r.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn().Err(err).Msg("Failed to read dispatch hints")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				sig := parseSignal(msg.Values)
				// Hints are acknowledged on receipt.
				if err := r.client.XAck(ctx, r.cfg.Stream, r.cfg.Group, msg.ID).Err(); err != nil && ctx.Err() == nil {
					r.logger.Warn().Err(err).Str("message_id", msg.ID).Msg("Failed to acknowledge dispatch hint")
				}
				select {
				case ch <- sig:
				case <-ctx.Done():
					return
				default:
					// The scheduler already has hints pending.
				}
			}
		}
	}
}

func parseSignal(values map[string]interface{}) orchestrator.DispatchSignal {
	var sig orchestrator.DispatchSignal
	if v, ok := values["run_id"].(string); ok {
		sig.RunID = v
	}
	if v, ok := values["scope"].(string); ok {
		sig.Scope = v
	}
	if v, ok := values["reason"].(string); ok {
		sig.Reason = v
	}
	if v, ok := values["at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			sig.At = t
		}
	}
	return sig
}
