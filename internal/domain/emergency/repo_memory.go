package emergency

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process VisitRepository and AlertRepository used
// by tests and by `STORE_DRIVER=memory` development servers. Values are
// copied on the way in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	visits map[uuid.UUID]*Visit
	logs   map[uuid.UUID][]*StatusLogEntry
	alerts map[uuid.UUID]*CriticalAlert
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		visits: make(map[uuid.UUID]*Visit),
		logs:   make(map[uuid.UUID][]*StatusLogEntry),
		alerts: make(map[uuid.UUID]*CriticalAlert),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemoryStore) FindByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.visits[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyVisit(v), nil
}

func (m *MemoryStore) Create(ctx context.Context, v *Visit, intake *StatusLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visits[v.ID] = copyVisit(v)
	m.logs[v.ID] = []*StatusLogEntry{copyEntry(intake)}
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id uuid.UUID, from VisitStatus, entry *StatusLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[id]
	if !ok {
		return ErrNotFound
	}
	if v.Status != from {
		return ErrStatusConflict
	}
	v.Status = entry.Status
	v.UpdatedAt = entry.Timestamp
	m.logs[id] = append(m.logs[id], copyEntry(entry))
	return nil
}

func (m *MemoryStore) UpdateTriage(ctx context.Context, id uuid.UUID, level TriageLevel, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.visits[id]
	if !ok {
		return ErrNotFound
	}
	if v.Status.Terminal() {
		return ErrStatusConflict
	}
	v.TriageLevel = level
	v.UpdatedAt = at
	return nil
}

func (m *MemoryStore) AppendLog(ctx context.Context, entry *StatusLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.visits[entry.VisitID]; !ok {
		return ErrNotFound
	}
	m.logs[entry.VisitID] = append(m.logs[entry.VisitID], copyEntry(entry))
	return nil
}

func (m *MemoryStore) ListByFilter(ctx context.Context, f QueueFilter) ([]*Visit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Visit, 0, len(m.visits))
	for _, v := range m.visits {
		if f.Status != nil && v.Status != *f.Status {
			continue
		}
		if f.TriageLevel != nil && v.TriageLevel != *f.TriageLevel {
			continue
		}
		out = append(out, copyVisit(v))
	}
	SortQueue(out)
	return out, nil
}

func (m *MemoryStore) ListLog(ctx context.Context, visitID uuid.UUID) ([]*StatusLogEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := m.logs[visitID]
	out := make([]*StatusLogEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, copyEntry(e))
	}
	return out, nil
}

func (m *MemoryStore) LastLogAt(ctx context.Context, visitID uuid.UUID) (time.Time, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var last time.Time
	for _, e := range m.logs[visitID] {
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}
	return last, nil
}

func (m *MemoryStore) CreateAlert(ctx context.Context, a *CriticalAlert) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.alerts {
		if existing.VisitID == a.VisitID && !existing.Acknowledged {
			return false, nil
		}
	}
	m.alerts[a.ID] = copyAlert(a)
	return true, nil
}

func (m *MemoryStore) GetAlert(ctx context.Context, id uuid.UUID) (*CriticalAlert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAlert(a), nil
}

func (m *MemoryStore) FindOpenAlert(ctx context.Context, visitID uuid.UUID) (*CriticalAlert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.alerts {
		if a.VisitID == visitID && !a.Acknowledged {
			return copyAlert(a), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Acknowledge(ctx context.Context, id uuid.UUID, actor string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return false, ErrNotFound
	}
	if a.Acknowledged {
		return false, nil
	}
	a.Acknowledged = true
	a.AcknowledgedBy = &actor
	a.AcknowledgedAt = &at
	return true, nil
}

func (m *MemoryStore) ListAlerts(ctx context.Context, f AlertFilter) ([]*CriticalAlert, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*CriticalAlert, 0)
	for _, a := range m.alerts {
		if f.VisitID != nil && a.VisitID != *f.VisitID {
			continue
		}
		if f.Acknowledged != nil && a.Acknowledged != *f.Acknowledged {
			continue
		}
		out = append(out, copyAlert(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func copyVisit(v *Visit) *Visit {
	c := *v
	if v.VitalSigns != nil {
		vs := *v.VitalSigns
		c.VitalSigns = &vs
	}
	return &c
}

func copyEntry(e *StatusLogEntry) *StatusLogEntry {
	c := *e
	if e.Notes != nil {
		n := *e.Notes
		c.Notes = &n
	}
	return &c
}

func copyAlert(a *CriticalAlert) *CriticalAlert {
	c := *a
	if a.AcknowledgedBy != nil {
		by := *a.AcknowledgedBy
		c.AcknowledgedBy = &by
	}
	if a.AcknowledgedAt != nil {
		at := *a.AcknowledgedAt
		c.AcknowledgedAt = &at
	}
	return &c
}
