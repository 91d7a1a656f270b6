// Package alerting fans ED events (raised alerts, acknowledgements, visit
// transitions) out to external consumers: the websocket hub, a Redis stream,
// an MQTT topic and an outbound webhook. Delivery is asynchronous and
// best-effort; a slow or failing sink never blocks the caller.
package alerting

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event types published by the emergency domain.
const (
	EventAlertRaised        = "alert.raised"
	EventAlertAcknowledged  = "alert.acknowledged"
	EventVisitCreated       = "visit.created"
	EventVisitStatusChanged = "visit.status_changed"
	EventVisitRetriaged     = "visit.retriaged"
)

// Topics used when routing events to websocket subscribers.
const (
	TopicAlerts = "ed.alerts"
	TopicVisits = "ed.visits"
)

// Event is the envelope delivered to every sink.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	VisitID   string          `json:"visitId,omitempty"`
	Severity  string          `json:"severity,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Sink delivers events to one downstream system.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(e Event) bool
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) bool { return true }

// Dispatcher queues events and delivers them to its sinks from a fixed
// pool of workers.
type Dispatcher struct {
	logger      zerolog.Logger
	sinks       []Sink
	workers     int
	queue       chan Event
	sinkTimeout time.Duration
	wg          sync.WaitGroup
	mu          sync.RWMutex
	closed      bool
	cancel      context.CancelFunc
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithSinkTimeout bounds each Deliver call. Default 5s.
func WithSinkTimeout(d time.Duration) DispatcherOption {
	return func(disp *Dispatcher) { disp.sinkTimeout = d }
}

// NewDispatcher creates a dispatcher; call Start before publishing.
func NewDispatcher(logger zerolog.Logger, workers, queueSize int, sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		logger:      logger.With().Str("component", "alert-dispatcher").Logger(),
		sinks:       sinks,
		workers:     workers,
		queue:       make(chan Event, queueSize),
		sinkTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the workers. Cancelling ctx aborts in-flight deliveries.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for e := range d.queue {
		d.deliver(ctx, e)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, e Event) {
	for _, s := range d.sinks {
		if ctx.Err() != nil {
			return
		}
		sctx, cancel := context.WithTimeout(ctx, d.sinkTimeout)
		err := s.Deliver(sctx, e)
		cancel()
		if err != nil {
			d.logger.Warn().Err(err).
				Str("sink", s.Name()).
				Str("event_type", e.Type).
				Str("event_id", e.ID).
				Msg("event delivery failed")
		}
	}
}

// Publish enqueues e. It returns false when the queue is full or the
// dispatcher is closed; the event is dropped in that case.
func (d *Dispatcher) Publish(e Event) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- e:
		return true
	default:
		d.logger.Warn().Str("event_type", e.Type).Str("event_id", e.ID).Msg("dispatch queue full, dropping event")
		return false
	}
}

// Close stops accepting events, drains the queue and waits for workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
}

// SinkNames lists the configured sinks, for startup logging.
func (d *Dispatcher) SinkNames() []string {
	names := make([]string, 0, len(d.sinks))
	for _, s := range d.sinks {
		names = append(names, s.Name())
	}
	return names
}
