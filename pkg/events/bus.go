// pkg/events/bus.go
package events

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// SecurityEventType defines the type of security event carried on the bus.
type SecurityEventType string

const (
	EventWindowScored       SecurityEventType = "window_scored"
	EventStateTransition    SecurityEventType = "state_transition"
	EventEscalation         SecurityEventType = "escalation"
	EventSourceDisconnected SecurityEventType = "source_disconnected"
	EventLateEventsDropped  SecurityEventType = "late_events_dropped"
	EventActionFailed       SecurityEventType = "action_failed"
)

// SecurityEvent represents a detection-pipeline event distributed on the bus.
type SecurityEvent struct {
	ID          string                 `json:"id"`
	Type        SecurityEventType      `json:"type"`
	Source      string                 `json:"source"` // which pipeline/path generated this
	Severity    string                 `json:"severity"`
	Timestamp   time.Time              `json:"timestamp"`
	Description string                 `json:"description"`
	Data        map[string]interface{} `json:"data"`
}

// Handler defines the interface for event handlers.
type Handler interface {
	Handle(ctx context.Context, event SecurityEvent) error
	EventTypes() []SecurityEventType
}

// Bus decouples the scoring loop from its side effects. Publishing is
// non-blocking: when the buffer is full the event is dropped and counted, so
// a slow handler (e.g. a responder action shelling out to iptables) can never
// stall window flushing.
type Bus struct {
	handlers map[SecurityEventType][]Handler
	buffer   chan SecurityEvent
	limiters map[string]*rate.Limiter // per-source publish limits
	limit    rate.Limit
	burst    int
	logger   zerolog.Logger
	mu       sync.RWMutex
	metrics  BusMetrics
	running  bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// BusMetrics tracks bus throughput for the status API.
type BusMetrics struct {
	EventsPublished int64            `json:"events_published"`
	EventsProcessed int64            `json:"events_processed"`
	EventsDropped   int64            `json:"events_dropped"`
	EventsRateLimit int64            `json:"events_rate_limited"`
	EventsByType    map[string]int64 `json:"events_by_type"`
	HandlerErrors   int64            `json:"handler_errors"`
}

// NewBus creates a new event bus. eventsPerMin bounds how fast any single
// source may publish; zero disables rate limiting.
func NewBus(logger zerolog.Logger, bufferSize int, eventsPerMin float64, burst int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if burst <= 0 {
		burst = 1
	}

	var limit rate.Limit
	if eventsPerMin > 0 {
		limit = rate.Every(time.Duration(float64(time.Minute) / eventsPerMin))
	} else {
		limit = rate.Inf
	}

	return &Bus{
		handlers: make(map[SecurityEventType][]Handler),
		buffer:   make(chan SecurityEvent, bufferSize),
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
		logger:   logger.With().Str("component", "event_bus").Logger(),
		stop:     make(chan struct{}),
		metrics: BusMetrics{
			EventsByType: make(map[string]int64),
		},
	}
}

// Subscribe registers an event handler for the types it declares.
func (b *Bus) Subscribe(handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, eventType := range handler.EventTypes() {
		b.handlers[eventType] = append(b.handlers[eventType], handler)
		b.logger.Info().
			Str("event_type", string(eventType)).
			Msg("Handler subscribed to event type")
	}
}

// Publish sends an event to all registered handlers. It never blocks.
func (b *Bus) Publish(ctx context.Context, event SecurityEvent) error {
	if event.ID == "" {
		event.ID = generateEventID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !b.allow(event.Source) {
		b.mu.Lock()
		b.metrics.EventsRateLimit++
		b.mu.Unlock()
		return ErrBusRateLimited
	}

	select {
	case b.buffer <- event:
		b.mu.Lock()
		b.metrics.EventsPublished++
		b.metrics.EventsByType[string(event.Type)]++
		b.mu.Unlock()
		return nil
	default:
		b.mu.Lock()
		b.metrics.EventsDropped++
		b.mu.Unlock()
		b.logger.Error().
			Str("event_id", event.ID).
			Str("type", string(event.Type)).
			Msg("Event bus buffer full, dropping event")
		return ErrBusBufferFull
	}
}

// allow checks the per-source rate limiter, creating one on first use.
func (b *Bus) allow(source string) bool {
	b.mu.Lock()
	limiter, exists := b.limiters[source]
	if !exists {
		limiter = rate.NewLimiter(b.limit, b.burst)
		b.limiters[source] = limiter
	}
	b.mu.Unlock()
	return limiter.Allow()
}

// Start begins processing events from the buffer.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	// Stop closed the previous channel; every Start gets a fresh one so the
	// bus can be restarted.
	b.stop = make(chan struct{})
	stop := b.stop
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case event := <-b.buffer:
				b.processEvent(ctx, event)
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()
}

// Stop drains nothing further and shuts the dispatch goroutine down.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	b.mu.Unlock()

	close(b.stop)
	b.wg.Wait()
}

func (b *Bus) processEvent(ctx context.Context, event SecurityEvent) {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	errorCount := 0
	for _, handler := range handlers {
		if err := handler.Handle(ctx, event); err != nil {
			errorCount++
			b.logger.Error().
				Err(err).
				Str("event_id", event.ID).
				Str("event_type", string(event.Type)).
				Msg("Handler error processing event")
		}
	}

	b.mu.Lock()
	b.metrics.EventsProcessed++
	b.metrics.HandlerErrors += int64(errorCount)
	b.mu.Unlock()
}

// Metrics returns a copy of the current bus metrics.
func (b *Bus) Metrics() BusMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := BusMetrics{
		EventsPublished: b.metrics.EventsPublished,
		EventsProcessed: b.metrics.EventsProcessed,
		EventsDropped:   b.metrics.EventsDropped,
		EventsRateLimit: b.metrics.EventsRateLimit,
		HandlerErrors:   b.metrics.HandlerErrors,
		EventsByType:    make(map[string]int64, len(b.metrics.EventsByType)),
	}
	for k, v := range b.metrics.EventsByType {
		out.EventsByType[k] = v
	}
	return out
}

// generateEventID creates a unique event ID.
func generateEventID() string {
	timestamp := time.Now().Format("20060102_150405")
	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return fmt.Sprintf("evt_%s_%d", timestamp, time.Now().UnixNano()%10000)
	}
	return fmt.Sprintf("evt_%s_%s", timestamp, hex.EncodeToString(randomBytes))
}

// Errors
var (
	ErrBusBufferFull  = fmt.Errorf("event bus buffer is full")
	ErrBusRateLimited = fmt.Errorf("event bus rate limit exceeded for source")
)
