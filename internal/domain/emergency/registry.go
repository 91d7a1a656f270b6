package emergency

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ehr/edtracker/internal/platform/alerting"
)

const (
	maxComplaintLen = 1000
	maxNotesLen     = 2000
	maxActorLen     = 128
	maxLocationLen  = 100
	systemActor     = "system"
)

var patientIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,63}$`)

// Registry creates visits, guards the status state machine and serves the
// prioritized queue.
type Registry struct {
	visits   VisitRepository
	log      *StatusLog
	notifier *Notifier
	settings
}

// NewRegistry wires a registry to its log and notifier. The registry takes
// the log's per-visit locks so Append and UpdateStatus never interleave.
func NewRegistry(visits VisitRepository, log *StatusLog, notifier *Notifier, opts ...Option) *Registry {
	return &Registry{
		visits:   visits,
		log:      log,
		notifier: notifier,
		settings: applyOptions(opts),
	}
}

// CreateVisitInput is the intake payload.
type CreateVisitInput struct {
	PatientID   string      `json:"patientId"`
	TriageLevel TriageLevel `json:"triageLevel"`
	Complaint   string      `json:"complaint"`
	VitalSigns  *VitalSigns `json:"vitalSigns,omitempty"`
	Location    string      `json:"location,omitempty"`
	Actor       string      `json:"actor,omitempty"`
}

func (in *CreateVisitInput) normalize() error {
	in.PatientID = strings.TrimSpace(in.PatientID)
	in.Complaint = strings.TrimSpace(in.Complaint)
	in.Location = strings.TrimSpace(in.Location)
	in.Actor = strings.TrimSpace(in.Actor)
	in.TriageLevel = TriageLevel(strings.ToUpper(strings.TrimSpace(string(in.TriageLevel))))

	if in.PatientID == "" {
		return validationError("patientId is required")
	}
	if !patientIDPattern.MatchString(in.PatientID) {
		return validationError("patientId is malformed")
	}
	if in.TriageLevel == "" {
		return validationError("triageLevel is required")
	}
	if !in.TriageLevel.Valid() {
		return validationError("triageLevel %q is not one of CRITICAL, HIGH, MODERATE, LOW", in.TriageLevel)
	}
	if in.Complaint == "" {
		return validationError("complaint is required")
	}
	if utf8.RuneCountInString(in.Complaint) > maxComplaintLen {
		return validationError("complaint must be at most %d characters", maxComplaintLen)
	}
	if in.Actor == "" {
		in.Actor = systemActor
	}
	if len(in.Actor) > maxActorLen {
		return validationError("actor must be at most %d characters", maxActorLen)
	}
	if in.Location == "" {
		in.Location = defaultLocation(StatusActive)
	}
	if len(in.Location) > maxLocationLen {
		return validationError("location must be at most %d characters", maxLocationLen)
	}
	return in.VitalSigns.validate()
}

// CreateVisit stores a new ACTIVE visit together with its intake log entry,
// then runs the alert evaluation.
func (r *Registry) CreateVisit(ctx context.Context, in CreateVisitInput) (*Visit, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	now := r.stamp()
	v := &Visit{
		ID:          uuid.New(),
		PatientID:   in.PatientID,
		TriageLevel: in.TriageLevel,
		Complaint:   in.Complaint,
		Status:      StatusActive,
		VitalSigns:  in.VitalSigns,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	intake := &StatusLogEntry{
		ID:         uuid.New(),
		VisitID:    v.ID,
		Timestamp:  now,
		Status:     StatusActive,
		Location:   in.Location,
		RecordedBy: in.Actor,
	}

	tctx, cancel := r.withTimeout(ctx)
	err := r.visits.Create(tctx, v, intake)
	cancel()
	if err != nil {
		return nil, persistenceError("create visit", err)
	}

	r.logger.Info().
		Str("visit_id", v.ID.String()).
		Str("triage_level", string(v.TriageLevel)).
		Msg("visit created")
	r.publish(alerting.EventVisitCreated, alerting.TopicVisits, v.ID, string(v.TriageLevel), v)
	r.notifier.Evaluate(context.WithoutCancel(ctx), v)
	return v, nil
}

// UpdateStatusInput is the payload of a status transition.
type UpdateStatusInput struct {
	Status   VisitStatus `json:"status"`
	Actor    string      `json:"actor"`
	Location string      `json:"location,omitempty"`
	Notes    *string     `json:"notes,omitempty"`
}

// UpdateStatus moves a visit along the lifecycle graph. The read, the
// transition check and the status+log write happen under the visit lock;
// alert evaluation runs after the lock is released.
func (r *Registry) UpdateStatus(ctx context.Context, id uuid.UUID, in UpdateStatusInput) (*Visit, error) {
	in.Status = VisitStatus(strings.ToUpper(strings.TrimSpace(string(in.Status))))
	if in.Status == "" {
		return nil, validationError("status is required")
	}
	appendIn := AppendInput{VisitID: id, Status: in.Status, Location: in.Location, Actor: in.Actor, Notes: in.Notes}
	if err := appendIn.normalize(); err != nil {
		return nil, err
	}

	v, from, err := r.transition(ctx, appendIn)
	if err != nil {
		return nil, err
	}

	r.logger.Info().
		Str("visit_id", v.ID.String()).
		Str("from", string(from)).
		Str("to", string(v.Status)).
		Str("actor", appendIn.Actor).
		Msg("visit status changed")
	r.publish(alerting.EventVisitStatusChanged, alerting.TopicVisits, v.ID, string(v.TriageLevel), v)
	if !v.Status.Terminal() {
		r.notifier.Evaluate(context.WithoutCancel(ctx), v)
	}
	return v, nil
}

func (r *Registry) transition(ctx context.Context, in AppendInput) (*Visit, VisitStatus, error) {
	unlock := r.log.locks.Lock(in.VisitID)
	defer unlock()

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	v, err := r.visits.FindByID(ctx, in.VisitID)
	if err != nil {
		return nil, "", lookupError("visit", err)
	}
	from := v.Status
	if !from.CanTransitionTo(in.Status) {
		return nil, "", transitionError(from, in.Status)
	}

	entry, err := r.log.nextEntry(ctx, in)
	if err != nil {
		return nil, "", err
	}
	if err := r.visits.UpdateStatus(ctx, v.ID, from, entry); err != nil {
		switch {
		case errors.Is(err, ErrStatusConflict):
			return nil, "", &Error{Kind: KindInvalidTransition, Message: "visit status changed concurrently", Err: err}
		case errors.Is(err, ErrNotFound):
			return nil, "", notFoundError("visit")
		}
		return nil, "", persistenceError("update visit status", err)
	}

	v.Status = in.Status
	v.UpdatedAt = entry.Timestamp
	return v, from, nil
}

// RetriageInput is the payload of a triage level change.
type RetriageInput struct {
	TriageLevel TriageLevel `json:"triageLevel"`
	Actor       string      `json:"actor"`
}

// Retriage changes the triage level of a visit that is still in the
// department. It does not write a status log entry.
func (r *Registry) Retriage(ctx context.Context, id uuid.UUID, in RetriageInput) (*Visit, error) {
	in.TriageLevel = TriageLevel(strings.ToUpper(strings.TrimSpace(string(in.TriageLevel))))
	in.Actor = strings.TrimSpace(in.Actor)
	if !in.TriageLevel.Valid() {
		return nil, validationError("triageLevel %q is not one of CRITICAL, HIGH, MODERATE, LOW", in.TriageLevel)
	}
	if in.Actor == "" {
		return nil, validationError("actor is required")
	}

	v, previous, err := r.retriage(ctx, id, in.TriageLevel)
	if err != nil {
		return nil, err
	}
	if previous != v.TriageLevel {
		r.logger.Info().
			Str("visit_id", v.ID.String()).
			Str("from", string(previous)).
			Str("to", string(v.TriageLevel)).
			Str("actor", in.Actor).
			Msg("visit retriaged")
		r.publish(alerting.EventVisitRetriaged, alerting.TopicVisits, v.ID, string(v.TriageLevel), v)
	}
	r.notifier.Evaluate(context.WithoutCancel(ctx), v)
	return v, nil
}

func (r *Registry) retriage(ctx context.Context, id uuid.UUID, level TriageLevel) (*Visit, TriageLevel, error) {
	unlock := r.log.locks.Lock(id)
	defer unlock()

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	v, err := r.visits.FindByID(ctx, id)
	if err != nil {
		return nil, "", lookupError("visit", err)
	}
	if v.Status.Terminal() {
		return nil, "", &Error{Kind: KindInvalidTransition, Message: "cannot retriage a " + string(v.Status) + " visit"}
	}
	previous := v.TriageLevel
	if previous == level {
		return v, previous, nil
	}

	now := r.stamp()
	if err := r.visits.UpdateTriage(ctx, id, level, now); err != nil {
		switch {
		case errors.Is(err, ErrStatusConflict):
			return nil, "", &Error{Kind: KindInvalidTransition, Message: "visit left the department concurrently", Err: err}
		case errors.Is(err, ErrNotFound):
			return nil, "", notFoundError("visit")
		}
		return nil, "", persistenceError("update triage level", err)
	}
	v.TriageLevel = level
	v.UpdatedAt = now
	return v, previous, nil
}

// GetVisit returns a single visit.
func (r *Registry) GetVisit(ctx context.Context, id uuid.UUID) (*Visit, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	v, err := r.visits.FindByID(ctx, id)
	if err != nil {
		return nil, lookupError("visit", err)
	}
	return v, nil
}

// GetQueue returns matching visits ordered by triage urgency, then arrival.
// Without a status filter only visits still in the department are listed.
func (r *Registry) GetQueue(ctx context.Context, f QueueFilter) ([]*Visit, error) {
	if f.Status != nil && !f.Status.Valid() {
		return nil, validationError("status %q is not a visit status", *f.Status)
	}
	if f.TriageLevel != nil && !f.TriageLevel.Valid() {
		return nil, validationError("triageLevel %q is not a triage level", *f.TriageLevel)
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	visits, err := r.visits.ListByFilter(ctx, f)
	if err != nil {
		return nil, persistenceError("list visits", err)
	}
	if f.Status == nil {
		visits = activeOnly(visits)
	}
	SortQueue(visits)
	return visits, nil
}

// SortQueue orders visits by (triage rank, createdAt, id) ascending.
func SortQueue(visits []*Visit) {
	sort.SliceStable(visits, func(i, j int) bool {
		a, b := visits[i], visits[j]
		if ra, rb := a.TriageLevel.Rank(), b.TriageLevel.Rank(); ra != rb {
			return ra < rb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

func activeOnly(visits []*Visit) []*Visit {
	out := visits[:0]
	for _, v := range visits {
		if !v.Status.Terminal() {
			out = append(out, v)
		}
	}
	return out
}

func validateNotes(notes *string) error {
	if notes != nil && utf8.RuneCountInString(*notes) > maxNotesLen {
		return validationError("notes must be at most %d characters", maxNotesLen)
	}
	return nil
}

func (vs *VitalSigns) validate() error {
	if vs == nil {
		return nil
	}
	checks := []struct {
		name     string
		value    *int
		min, max int
	}{
		{"heartRate", vs.HeartRate, 0, 300},
		{"bloodPressureSys", vs.BloodPressureSys, 0, 300},
		{"bloodPressureDia", vs.BloodPressureDia, 0, 200},
		{"respiratoryRate", vs.RespiratoryRate, 0, 80},
		{"oxygenSaturation", vs.OxygenSaturation, 0, 100},
		{"glasgowComaScore", vs.GlasgowComaScore, 3, 15},
		{"painScale", vs.PainScale, 0, 10},
	}
	for _, c := range checks {
		if c.value != nil && (*c.value < c.min || *c.value > c.max) {
			return validationError("vitalSigns.%s must be between %d and %d", c.name, c.min, c.max)
		}
	}
	if vs.Temperature != nil && (*vs.Temperature < 25 || *vs.Temperature > 45) {
		return validationError("vitalSigns.temperature must be between 25 and 45 degrees Celsius")
	}
	return nil
}
