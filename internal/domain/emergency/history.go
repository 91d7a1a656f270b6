package emergency

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// StatusLog is the append-only per-visit transition record.
type StatusLog struct {
	visits VisitRepository
	locks  *keyedMutex
	settings
}

func NewStatusLog(visits VisitRepository, opts ...Option) *StatusLog {
	return &StatusLog{
		visits:   visits,
		locks:    newKeyedMutex(),
		settings: applyOptions(opts),
	}
}

// AppendInput is the payload of StatusLog.Append.
type AppendInput struct {
	VisitID  uuid.UUID
	Status   VisitStatus
	Location string
	Actor    string
	Notes    *string
}

func (in *AppendInput) normalize() error {
	in.Location = strings.TrimSpace(in.Location)
	in.Actor = strings.TrimSpace(in.Actor)
	if in.VisitID == uuid.Nil {
		return validationError("visitId is required")
	}
	if !in.Status.Valid() {
		return validationError("status %q is not one of ACTIVE, IN_TREATMENT, DISCHARGED, ADMITTED", in.Status)
	}
	if in.Actor == "" {
		return validationError("actor is required")
	}
	if len(in.Actor) > maxActorLen {
		return validationError("actor must be at most %d characters", maxActorLen)
	}
	if in.Location == "" {
		in.Location = defaultLocation(in.Status)
	}
	if len(in.Location) > maxLocationLen {
		return validationError("location must be at most %d characters", maxLocationLen)
	}
	return validateNotes(in.Notes)
}

// Append records a location move or note for an existing visit. The entry
// must carry the visit's current status; status changes go through
// Registry.UpdateStatus. The entry timestamp is strictly after every earlier
// entry of the same visit.
func (l *StatusLog) Append(ctx context.Context, in AppendInput) (*StatusLogEntry, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	unlock := l.locks.Lock(in.VisitID)
	defer unlock()

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()

	v, err := l.visits.FindByID(ctx, in.VisitID)
	if err != nil {
		return nil, lookupError("visit", err)
	}
	if in.Status != v.Status {
		return nil, &Error{
			Kind:    KindInvalidTransition,
			Message: fmt.Sprintf("visit is %s; use a status update to move it to %s", v.Status, in.Status),
		}
	}
	entry, err := l.nextEntry(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := l.visits.AppendLog(ctx, entry); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFoundError("visit")
		}
		return nil, persistenceError("append status log entry", err)
	}
	return entry, nil
}

// nextEntry builds an entry stamped after the visit's newest entry. The
// caller must hold the visit lock.
func (l *StatusLog) nextEntry(ctx context.Context, in AppendInput) (*StatusLogEntry, error) {
	last, err := l.visits.LastLogAt(ctx, in.VisitID)
	if err != nil {
		return nil, persistenceError("read status log", err)
	}
	return &StatusLogEntry{
		ID:         uuid.New(),
		VisitID:    in.VisitID,
		Timestamp:  monotonicAfter(l.stamp(), last),
		Status:     in.Status,
		Location:   in.Location,
		RecordedBy: in.Actor,
		Notes:      in.Notes,
	}, nil
}

// History returns the visit's entries in timestamp order. Unknown visits
// fail immediately; otherwise the store is read each time the sequence is
// ranged over.
func (l *StatusLog) History(ctx context.Context, visitID uuid.UUID) (iter.Seq2[*StatusLogEntry, error], error) {
	tctx, cancel := l.withTimeout(ctx)
	_, err := l.visits.FindByID(tctx, visitID)
	cancel()
	if err != nil {
		return nil, lookupError("visit", err)
	}

	return func(yield func(*StatusLogEntry, error) bool) {
		tctx, cancel := l.withTimeout(ctx)
		entries, err := l.visits.ListLog(tctx, visitID)
		cancel()
		if err != nil {
			yield(nil, persistenceError("read status history", err))
			return
		}
		sort.SliceStable(entries, func(i, j int) bool {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		})
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}, nil
}

// CollectHistory drains a History sequence into a slice.
func CollectHistory(seq iter.Seq2[*StatusLogEntry, error]) ([]*StatusLogEntry, error) {
	out := []*StatusLogEntry{}
	for e, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func monotonicAfter(now, last time.Time) time.Time {
	if now.After(last) {
		return now
	}
	return last.Add(time.Microsecond)
}

func defaultLocation(s VisitStatus) string {
	switch s {
	case StatusActive:
		return "triage"
	case StatusInTreatment:
		return "treatment"
	case StatusAdmitted:
		return "inpatient"
	case StatusDischarged:
		return "discharged"
	}
	return ""
}

// lookupError converts a repository read failure into NotFound or
// PersistenceError.
func lookupError(what string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return notFoundError(what)
	}
	return persistenceError("load "+what, err)
}
