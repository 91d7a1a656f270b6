package emergency

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// VisitRepository is the persistence capability used by the registry and
// the status log. Implementations must make Create and UpdateStatus atomic:
// either the visit row and its log entry are both written or neither is.
type VisitRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Visit, error)
	Create(ctx context.Context, v *Visit, intake *StatusLogEntry) error
	// UpdateStatus moves the visit from `from` to entry.Status and appends
	// entry. It returns ErrStatusConflict when the stored status is no
	// longer `from`, and ErrNotFound when the visit does not exist.
	UpdateStatus(ctx context.Context, id uuid.UUID, from VisitStatus, entry *StatusLogEntry) error
	// UpdateTriage changes the triage level of a non-terminal visit and
	// returns ErrStatusConflict if the visit became terminal.
	UpdateTriage(ctx context.Context, id uuid.UUID, level TriageLevel, at time.Time) error
	AppendLog(ctx context.Context, entry *StatusLogEntry) error
	ListByFilter(ctx context.Context, f QueueFilter) ([]*Visit, error)
	ListLog(ctx context.Context, visitID uuid.UUID) ([]*StatusLogEntry, error)
	// LastLogAt returns the newest entry timestamp, or the zero time.
	LastLogAt(ctx context.Context, visitID uuid.UUID) (time.Time, error)
}

// AlertRepository persists CriticalAlerts.
type AlertRepository interface {
	// CreateAlert inserts a unless an unacknowledged alert already exists
	// for a.VisitID, in which case it returns false.
	CreateAlert(ctx context.Context, a *CriticalAlert) (bool, error)
	GetAlert(ctx context.Context, id uuid.UUID) (*CriticalAlert, error)
	FindOpenAlert(ctx context.Context, visitID uuid.UUID) (*CriticalAlert, error)
	// Acknowledge flips acknowledged false->true and reports whether it did.
	Acknowledge(ctx context.Context, id uuid.UUID, actor string, at time.Time) (bool, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]*CriticalAlert, error)
}
