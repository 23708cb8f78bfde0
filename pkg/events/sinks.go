package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leasekeeper/leasekeeper/pkg/telemetry"
)

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger *telemetry.Logger
}

// NewLogSink creates a sink that logs through logger.
func NewLogSink(logger *telemetry.Logger) *LogSink {
	return &LogSink{logger: logger.NewComponentLogger("event-log")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(_ context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}
	s.logger.WithFields(map[string]interface{}{
		"event_id":   event.ID,
		"event_type": string(event.Type),
		"dedup_key":  event.DedupKey,
		"payload":    string(payload),
	}).Info("event published")
	return nil
}

// RedisStreamSink appends events to a Redis stream.
//
// Each entry carries id, type, source, dedup_key, timestamp and the JSON
// payload as separate fields.
type RedisStreamSink struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// RedisConfig holds Redis connection settings for the stream sink.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"min=0"`
	Stream   string `mapstructure:"stream" validate:"required"`
	// MaxLen trims the stream approximately; zero keeps every entry.
	MaxLen int64 `mapstructure:"max_len" validate:"min=0"`
}

// NewRedisStreamSink writes to stream through an existing client.
func NewRedisStreamSink(client redis.UniversalClient, stream string, maxLen int64) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// DialRedisStreamSink connects to Redis and checks the connection.
func DialRedisStreamSink(ctx context.Context, cfg RedisConfig) (*RedisStreamSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisStreamSink(client, cfg.Stream, cfg.MaxLen), nil
}

func (s *RedisStreamSink) Name() string { return "redis" }

func (s *RedisStreamSink) Write(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		ID:     "*",
		Values: map[string]interface{}{
			"id":        event.ID,
			"type":      string(event.Type),
			"source":    event.Source,
			"dedup_key": event.DedupKey,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
			"payload":   string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to append event to stream %s: %w", s.stream, err)
	}
	return nil
}

// Close closes the underlying client.
func (s *RedisStreamSink) Close() error {
	return s.client.Close()
}

// MemorySink keeps events in memory. It can be told to reject events, which
// makes it useful for exercising delivery failures.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
	reject func(Event) error
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// RejectWhen makes Write fail with the error fn returns. A nil fn accepts everything.
func (s *MemorySink) RejectWhen(fn func(Event) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = fn
}

func (s *MemorySink) Name() string { return "memory" }

func (s *MemorySink) Write(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject != nil {
		if err := s.reject(event); err != nil {
			return err
		}
	}
	s.events = append(s.events, event)
	return nil
}

// Events returns the accepted events in order.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Payloads returns the accepted payloads in order.
func (s *MemorySink) Payloads() []Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Payload, len(s.events))
	for i, e := range s.events {
		out[i] = e.Payload
	}
	return out
}
