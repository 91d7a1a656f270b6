package emergency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/edtracker/internal/platform/alerting"
)

func TestNotifier_EvaluateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v := env.createVisit(t, TriageCritical)

	env.notifier.Evaluate(ctx, v)
	env.notifier.Evaluate(ctx, v)

	alerts, err := env.notifier.ListAlerts(ctx, AlertFilter{VisitID: &v.ID})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	if alerts[0].Message == "" || alerts[0].Timestamp.IsZero() {
		t.Errorf("alert missing message or timestamp: %+v", alerts[0])
	}
}

func TestNotifier_EvaluateSkips(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.notifier.Evaluate(ctx, nil)
	env.notifier.Evaluate(ctx, &Visit{ID: uuid.New(), TriageLevel: TriageCritical, Status: StatusDischarged})
	env.notifier.Evaluate(ctx, &Visit{ID: uuid.New(), TriageLevel: TriageModerate, Status: StatusActive})

	alerts, _ := env.notifier.ListAlerts(ctx, AlertFilter{})
	if len(alerts) != 0 {
		t.Errorf("expected no alerts, got %d", len(alerts))
	}
}

func TestNotifier_AcknowledgeAndReraise(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	v := env.createVisit(t, TriageCritical)

	alerts, _ := env.notifier.ListAlerts(ctx, AlertFilter{VisitID: &v.ID})
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	first := alerts[0]

	acked, err := env.notifier.Acknowledge(ctx, first.ID, "dr.lee")
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if !acked.Acknowledged || acked.AcknowledgedBy == nil || *acked.AcknowledgedBy != "dr.lee" || acked.AcknowledgedAt == nil {
		t.Errorf("unexpected acknowledged alert %+v", acked)
	}

	again, err := env.notifier.Acknowledge(ctx, first.ID, "rn.kim")
	assertKind(t, err, KindAlreadyAcknowledged)
	if again == nil || *again.AcknowledgedBy != "dr.lee" {
		t.Errorf("repeat acknowledgement must return the stored alert unchanged, got %+v", again)
	}

	env.notifier.Evaluate(ctx, v)
	open := false
	pending, _ := env.notifier.ListAlerts(ctx, AlertFilter{VisitID: &v.ID, Acknowledged: &open})
	if len(pending) != 1 || pending[0].ID == first.ID {
		t.Errorf("expected a fresh open alert after acknowledgement, got %d", len(pending))
	}

	all, _ := env.notifier.ListAlerts(ctx, AlertFilter{VisitID: &v.ID})
	if len(all) != 2 {
		t.Errorf("expected two alerts in total, got %d", len(all))
	}
}

func TestNotifier_AcknowledgeErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.notifier.Acknowledge(ctx, uuid.New(), "dr.lee")
	assertKind(t, err, KindNotFound)

	v := env.createVisit(t, TriageCritical)
	alerts, _ := env.notifier.ListAlerts(ctx, AlertFilter{VisitID: &v.ID})
	_, err = env.notifier.Acknowledge(ctx, alerts[0].ID, "   ")
	assertKind(t, err, KindValidation)
}

func TestNotifier_ConfiguredThresholds(t *testing.T) {
	store := NewMemoryStore()
	n := NewNotifier(store, []TriageLevel{TriageCritical, TriageHigh})
	ctx := context.Background()

	n.Evaluate(ctx, &Visit{ID: uuid.New(), PatientID: "P1", TriageLevel: TriageHigh, Status: StatusActive, Complaint: "c"})
	n.Evaluate(ctx, &Visit{ID: uuid.New(), PatientID: "P2", TriageLevel: TriageModerate, Status: StatusActive, Complaint: "c"})

	alerts, _ := n.ListAlerts(ctx, AlertFilter{})
	if len(alerts) != 1 {
		t.Fatalf("expected one alert, got %d", len(alerts))
	}
	if alerts[0].AlertType != AlertUrgent {
		t.Errorf("expected urgent alert for HIGH, got %s", alerts[0].AlertType)
	}
}

func TestNotifier_ConcurrentEvaluate(t *testing.T) {
	env := newTestEnv(t)
	v := &Visit{ID: uuid.New(), PatientID: "P1", TriageLevel: TriageCritical, Status: StatusActive, Complaint: "c"}

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.notifier.Evaluate(context.Background(), v)
		}()
	}
	wg.Wait()

	alerts, _ := env.notifier.ListAlerts(context.Background(), AlertFilter{VisitID: &v.ID})
	if len(alerts) != 1 {
		t.Errorf("expected exactly one alert, got %d", len(alerts))
	}
	raised := 0
	for _, typ := range env.events.types() {
		if typ == alerting.EventAlertRaised {
			raised++
		}
	}
	if raised != 1 {
		t.Errorf("expected one alert.raised event, got %d", raised)
	}
}

type brokenAlerts struct{ *MemoryStore }

func (brokenAlerts) FindOpenAlert(context.Context, uuid.UUID) (*CriticalAlert, error) {
	return nil, errors.New("redis: connection pool timeout")
}

func TestNotifier_EvaluateFailureDoesNotFailVisit(t *testing.T) {
	env := newTestEnvWithStore(t, NewMemoryStore(), brokenAlerts{NewMemoryStore()})

	v, err := env.registry.CreateVisit(context.Background(), CreateVisitInput{
		PatientID: "P1", TriageLevel: TriageCritical, Complaint: "cardiac arrest",
	})
	if err != nil {
		t.Fatalf("visit creation must succeed when alerting fails: %v", err)
	}
	if v.Status != StatusActive {
		t.Errorf("expected ACTIVE, got %s", v.Status)
	}
}

func TestNotifier_EvaluateIgnoresCallerCancellation(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())

	v, err := env.registry.CreateVisit(ctx, CreateVisitInput{
		PatientID: "P1", TriageLevel: TriageCritical, Complaint: "stroke symptoms",
	})
	cancel()
	if err != nil {
		t.Fatalf("CreateVisit: %v", err)
	}
	alerts, _ := env.notifier.ListAlerts(context.Background(), AlertFilter{VisitID: &v.ID})
	if len(alerts) != 1 {
		t.Errorf("expected alert, got %d", len(alerts))
	}
}

func TestParseAlertLevels(t *testing.T) {
	levels, err := ParseAlertLevels([]string{"critical, high", "", "LOW"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []TriageLevel{TriageCritical, TriageHigh, TriageLow}
	if len(levels) != len(want) {
		t.Fatalf("got %v, want %v", levels, want)
	}
	for i := range want {
		if levels[i] != want[i] {
			t.Errorf("levels[%d] = %s, want %s", i, levels[i], want[i])
		}
	}

	if _, err := ParseAlertLevels([]string{"CRITICAL,SEVERE"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestAlertTypeFor(t *testing.T) {
	tests := map[TriageLevel]AlertType{
		TriageCritical: AlertCritical,
		TriageHigh:     AlertUrgent,
		TriageModerate: AlertWarning,
		TriageLow:      AlertWarning,
	}
	for level, want := range tests {
		if got := AlertTypeFor(level); got != want {
			t.Errorf("AlertTypeFor(%s) = %s, want %s", level, got, want)
		}
	}
}

func TestNotifier_AcknowledgeTimestampUsesClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, WithClock(func() time.Time { return at }))
	v := env.createVisit(t, TriageCritical)
	alerts, _ := env.notifier.ListAlerts(context.Background(), AlertFilter{VisitID: &v.ID})

	a, err := env.notifier.Acknowledge(context.Background(), alerts[0].ID, "dr.lee")
	if err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	if !a.AcknowledgedAt.Equal(at) {
		t.Errorf("acknowledgedAt = %v, want %v", a.AcknowledgedAt, at)
	}
}
