package emergency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/edtracker/internal/platform/alerting"
)

// DefaultPersistenceTimeout bounds every repository call made by the
// registry, status log and notifier.
const DefaultPersistenceTimeout = 5 * time.Second

type settings struct {
	now       func() time.Time
	timeout   time.Duration
	logger    zerolog.Logger
	publisher alerting.Publisher
}

func defaultSettings() settings {
	return settings{
		now:       time.Now,
		timeout:   DefaultPersistenceTimeout,
		logger:    zerolog.Nop(),
		publisher: alerting.NopPublisher{},
	}
}

// Option customizes a Registry, StatusLog or Notifier.
type Option func(*settings)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// WithPersistenceTimeout overrides DefaultPersistenceTimeout. Zero disables it.
func WithPersistenceTimeout(d time.Duration) Option {
	return func(s *settings) { s.timeout = d }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithPublisher sets where domain events are fanned out.
func WithPublisher(p alerting.Publisher) Option {
	return func(s *settings) {
		if p != nil {
			s.publisher = p
		}
	}
}

func applyOptions(opts []Option) settings {
	s := defaultSettings()
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s settings) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// stamp returns the current time at the precision the stores keep.
func (s settings) stamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func (s settings) publish(typ, topic string, visitID uuid.UUID, severity string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", typ).Msg("marshal event payload")
		data = nil
	}
	s.publisher.Publish(alerting.Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Topic:     topic,
		VisitID:   visitID.String(),
		Severity:  severity,
		Timestamp: s.stamp(),
		Data:      data,
	})
}
