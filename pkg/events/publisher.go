package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"

	"github.com/leasekeeper/leasekeeper/pkg/telemetry"
)

// ErrPublisherStopped is returned by Publish after Shutdown.
var ErrPublisherStopped = errors.New("event publisher stopped")

// ErrBufferFull is returned by an async Publish when the buffer has no room.
var ErrBufferFull = errors.New("event buffer full, event dropped")

// Event is the envelope delivered to sinks and subscribers.
type Event struct {
	// ID is unique per publish; redeliveries of the same signal share DedupKey instead.
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	Source    string    `json:"source"`
	DedupKey  string    `json:"dedupKey"`
	Payload   Payload   `json:"payload"`
}

// Bus accepts events for delivery.
type Bus interface {
	Publish(ctx context.Context, payload Payload) error
}

// SyncBus is a Bus that can also deliver an event before returning,
// whatever mode it runs in.
type SyncBus interface {
	Bus
	PublishSync(ctx context.Context, payload Payload) error
}

// Sink is an external destination for events.
type Sink interface {
	Name() string
	Write(ctx context.Context, event Event) error
}

// Subscriber handles events in-process.
type Subscriber func(ctx context.Context, event Event) error

// Filter determines if an event should be processed.
type Filter func(event Event) bool

// Config configures a Publisher.
type Config struct {
	// Source is stamped on every event.
	Source string

	// Async queues events and delivers them on a background goroutine.
	// Publish then only reports whether the event was queued.
	Async bool

	// BufferSize is the async queue length.
	BufferSize int
}

// Publisher delivers events to sinks and subscribers.
//
// In synchronous mode Publish returns the joined sink errors, so a caller
// knows whether the event left the process.
type Publisher struct {
	config      Config
	sinks       []Sink
	subscribers []subscriberEntry
	filters     []Filter
	clock       quartz.Clock
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics

	buffer  chan Event
	wg      sync.WaitGroup
	mu      sync.RWMutex
	stopped bool
}

type subscriberEntry struct {
	name       string
	subscriber Subscriber
	filter     Filter
}

// NewPublisher creates a publisher that writes to sinks.
func NewPublisher(cfg Config, tel *telemetry.Telemetry, clock quartz.Clock, sinks ...Sink) *Publisher {
	if tel == nil {
		tel = telemetry.NewNop()
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	if cfg.Source == "" {
		cfg.Source = "leasekeeper"
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}

	p := &Publisher{
		config:  cfg,
		sinks:   sinks,
		clock:   clock,
		logger:  tel.Logger.NewComponentLogger("events"),
		metrics: tel.Metrics,
	}

	if cfg.Async {
		p.buffer = make(chan Event, cfg.BufferSize)
		p.wg.Add(1)
		go p.processEvents()
	}
	return p
}

// Publish wraps payload in an Event and delivers it. In async mode it only
// reports whether the event was queued.
func (p *Publisher) Publish(ctx context.Context, payload Payload) error {
	return p.publish(ctx, payload, p.config.Async)
}

// PublishSync delivers the event on the calling goroutine and returns the
// sink errors, even when the publisher is async.
func (p *Publisher) PublishSync(ctx context.Context, payload Payload) error {
	return p.publish(ctx, payload, false)
}

func (p *Publisher) publish(ctx context.Context, payload Payload, async bool) error {
	if payload == nil {
		return fmt.Errorf("event payload is required")
	}

	event := Event{
		ID:        uuid.New().String(),
		Timestamp: p.clock.Now().UTC(),
		Type:      payload.EventType(),
		Source:    p.config.Source,
		DedupKey:  payload.DedupKey(),
		Payload:   payload,
	}

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPublisherStopped
	}
	for _, filter := range p.filters {
		if !filter(event) {
			p.mu.RUnlock()
			return nil
		}
	}

	if async {
		defer p.mu.RUnlock()
		select {
		case p.buffer <- event:
			return nil
		default:
			p.metrics.RecordEventFailure(string(event.Type), "buffer")
			return ErrBufferFull
		}
	}

	subscribers := p.subscribers
	p.mu.RUnlock()
	return p.deliver(ctx, event, subscribers)
}

// Subscribe registers an in-process handler. filter may be nil.
func (p *Publisher) Subscribe(name string, subscriber Subscriber, filter Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subscribers = append(p.subscribers, subscriberEntry{
		name:       name,
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (p *Publisher) AddFilter(filter Filter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filters = append(p.filters, filter)
}

// processEvents delivers queued events until the buffer is closed.
func (p *Publisher) processEvents() {
	defer p.wg.Done()
	for event := range p.buffer {
		p.mu.RLock()
		subscribers := p.subscribers
		p.mu.RUnlock()

		if err := p.deliver(context.Background(), event, subscribers); err != nil {
			p.logger.WithError(err).WithField("event_type", string(event.Type)).
				Error("async event delivery failed")
		}
	}
}

// deliver writes the event to every sink then runs matching subscribers.
func (p *Publisher) deliver(ctx context.Context, event Event, subscribers []subscriberEntry) error {
	var errs []error
	for _, sink := range p.sinks {
		if err := sink.Write(ctx, event); err != nil {
			p.metrics.RecordEventFailure(string(event.Type), sink.Name())
			errs = append(errs, fmt.Errorf("sink %s: %w", sink.Name(), err))
			continue
		}
		p.metrics.RecordEventPublished(string(event.Type), sink.Name())
	}

	for _, entry := range subscribers {
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		if err := entry.subscriber(ctx, event); err != nil {
			p.logger.WithError(err).WithFields(map[string]interface{}{
				"subscriber": entry.name,
				"event_type": string(event.Type),
				"dedup_key":  event.DedupKey,
			}).Warn("event subscriber failed")
		}
	}

	return errors.Join(errs...)
}

// Shutdown stops accepting events and waits for queued ones to be delivered.
func (p *Publisher) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	if p.buffer != nil {
		close(p.buffer)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...Type) Filter {
	typeSet := make(map[Type]bool)
	for _, t := range types {
		typeSet[t] = true
	}
	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

var _ Bus = (*Publisher)(nil)
