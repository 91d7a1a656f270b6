package emergency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/edtracker/internal/platform/alerting"
)

// DefaultAlertLevels is the threshold set used when none is configured.
var DefaultAlertLevels = []TriageLevel{TriageCritical}

// Notifier raises at most one open CriticalAlert per visit whose triage
// level is in its threshold set.
type Notifier struct {
	alerts     AlertRepository
	thresholds map[TriageLevel]bool
	locks      *keyedMutex
	settings
}

func NewNotifier(alerts AlertRepository, levels []TriageLevel, opts ...Option) *Notifier {
	if len(levels) == 0 {
		levels = DefaultAlertLevels
	}
	thresholds := make(map[TriageLevel]bool, len(levels))
	for _, l := range levels {
		thresholds[l] = true
	}
	return &Notifier{
		alerts:     alerts,
		thresholds: thresholds,
		locks:      newKeyedMutex(),
		settings:   applyOptions(opts),
	}
}

// ParseAlertLevels parses a comma separated list such as "CRITICAL,HIGH".
func ParseAlertLevels(raw []string) ([]TriageLevel, error) {
	var levels []TriageLevel
	for _, item := range raw {
		for _, part := range strings.Split(item, ",") {
			part = strings.ToUpper(strings.TrimSpace(part))
			if part == "" {
				continue
			}
			l := TriageLevel(part)
			if !l.Valid() {
				return nil, fmt.Errorf("unknown triage level %q", part)
			}
			levels = append(levels, l)
		}
	}
	return levels, nil
}

// Meets reports whether l is in the threshold set.
func (n *Notifier) Meets(l TriageLevel) bool { return n.thresholds[l] }

// Evaluate raises an alert for v when its triage level meets the threshold
// and no unacknowledged alert exists for it. Failures are logged, never
// returned.
func (n *Notifier) Evaluate(ctx context.Context, v *Visit) {
	if v == nil || v.Status.Terminal() || !n.Meets(v.TriageLevel) {
		return
	}
	a, err := n.raise(ctx, v)
	if err != nil {
		n.logger.Error().Err(err).
			Str("visit_id", v.ID.String()).
			Str("triage_level", string(v.TriageLevel)).
			Msg("alert evaluation failed")
		return
	}
	if a == nil {
		return
	}
	n.logger.Warn().
		Str("alert_id", a.ID.String()).
		Str("visit_id", v.ID.String()).
		Str("alert_type", string(a.AlertType)).
		Msg("critical alert raised")
	n.publish(alerting.EventAlertRaised, alerting.TopicAlerts, v.ID, string(a.AlertType), a)
}

func (n *Notifier) raise(ctx context.Context, v *Visit) (*CriticalAlert, error) {
	unlock := n.locks.Lock(v.ID)
	defer unlock()

	ctx, cancel := n.withTimeout(ctx)
	defer cancel()

	_, err := n.alerts.FindOpenAlert(ctx, v.ID)
	switch {
	case err == nil:
		return nil, nil
	case !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("find open alert: %w", err)
	}

	a := &CriticalAlert{
		ID:        uuid.New(),
		VisitID:   v.ID,
		AlertType: AlertTypeFor(v.TriageLevel),
		Message:   fmt.Sprintf("%s triage: patient %s, %s", v.TriageLevel, v.PatientID, v.Complaint),
		Timestamp: n.stamp(),
	}
	created, err := n.alerts.CreateAlert(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("create alert: %w", err)
	}
	if !created {
		return nil, nil
	}
	return a, nil
}

// Acknowledge marks an alert acknowledged by actor. Acknowledging an
// already acknowledged alert returns the stored alert together with a
// KindAlreadyAcknowledged error; transports treat that as success.
func (n *Notifier) Acknowledge(ctx context.Context, id uuid.UUID, actor string) (*CriticalAlert, error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, validationError("actor is required")
	}
	if len(actor) > maxActorLen {
		return nil, validationError("actor must be at most %d characters", maxActorLen)
	}

	ctx, cancel := n.withTimeout(ctx)
	defer cancel()

	flipped, err := n.alerts.Acknowledge(ctx, id, actor, n.stamp())
	if err != nil {
		return nil, lookupError("alert", err)
	}
	a, err := n.alerts.GetAlert(ctx, id)
	if err != nil {
		return nil, lookupError("alert", err)
	}
	if !flipped {
		return a, &Error{Kind: KindAlreadyAcknowledged, Message: "alert already acknowledged"}
	}

	n.logger.Info().
		Str("alert_id", a.ID.String()).
		Str("visit_id", a.VisitID.String()).
		Str("actor", actor).
		Msg("alert acknowledged")
	n.publish(alerting.EventAlertAcknowledged, alerting.TopicAlerts, a.VisitID, string(a.AlertType), a)
	return a, nil
}

// GetAlert returns a single alert.
func (n *Notifier) GetAlert(ctx context.Context, id uuid.UUID) (*CriticalAlert, error) {
	ctx, cancel := n.withTimeout(ctx)
	defer cancel()
	a, err := n.alerts.GetAlert(ctx, id)
	if err != nil {
		return nil, lookupError("alert", err)
	}
	return a, nil
}

// ListAlerts returns alerts newest first.
func (n *Notifier) ListAlerts(ctx context.Context, f AlertFilter) ([]*CriticalAlert, error) {
	ctx, cancel := n.withTimeout(ctx)
	defer cancel()
	alerts, err := n.alerts.ListAlerts(ctx, f)
	if err != nil {
		return nil, persistenceError("list alerts", err)
	}
	return alerts, nil
}
