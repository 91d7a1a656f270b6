package emergency

import (
	"time"

	"github.com/google/uuid"
)

// TriageLevel is the ordinal urgency assigned at intake.
type TriageLevel string

const (
	TriageCritical TriageLevel = "CRITICAL"
	TriageHigh     TriageLevel = "HIGH"
	TriageModerate TriageLevel = "MODERATE"
	TriageLow      TriageLevel = "LOW"
)

// Rank orders triage levels by urgency, 1 being the most urgent. Unknown
// levels sort after every known one.
func (l TriageLevel) Rank() int {
	switch l {
	case TriageCritical:
		return 1
	case TriageHigh:
		return 2
	case TriageModerate:
		return 3
	case TriageLow:
		return 4
	}
	return 5
}

func (l TriageLevel) Valid() bool { return l.Rank() <= 4 }

// VisitStatus is the lifecycle state of a visit.
type VisitStatus string

const (
	StatusActive      VisitStatus = "ACTIVE"
	StatusInTreatment VisitStatus = "IN_TREATMENT"
	StatusDischarged  VisitStatus = "DISCHARGED"
	StatusAdmitted    VisitStatus = "ADMITTED"
)

var transitions = map[VisitStatus][]VisitStatus{
	StatusActive:      {StatusInTreatment, StatusDischarged, StatusAdmitted},
	StatusInTreatment: {StatusDischarged, StatusAdmitted},
}

func (s VisitStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInTreatment, StatusDischarged, StatusAdmitted:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s VisitStatus) Terminal() bool {
	return s == StatusDischarged || s == StatusAdmitted
}

// CanTransitionTo reports whether next is a permitted edge from s.
func (s VisitStatus) CanTransitionTo(next VisitStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AlertType is the severity class of a CriticalAlert.
type AlertType string

const (
	AlertCritical AlertType = "critical"
	AlertUrgent   AlertType = "urgent"
	AlertWarning  AlertType = "warning"
)

// AlertTypeFor maps a triage level to the alert type raised for it.
func AlertTypeFor(l TriageLevel) AlertType {
	switch l {
	case TriageCritical:
		return AlertCritical
	case TriageHigh:
		return AlertUrgent
	}
	return AlertWarning
}

// VitalSigns captured at intake. All fields are optional.
type VitalSigns struct {
	HeartRate        *int     `json:"heartRate,omitempty"`
	BloodPressureSys *int     `json:"bloodPressureSys,omitempty"`
	BloodPressureDia *int     `json:"bloodPressureDia,omitempty"`
	RespiratoryRate  *int     `json:"respiratoryRate,omitempty"`
	OxygenSaturation *int     `json:"oxygenSaturation,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	GlasgowComaScore *int     `json:"glasgowComaScore,omitempty"`
	PainScale        *int     `json:"painScale,omitempty"`
}

// Visit maps to the ed_visit table.
type Visit struct {
	ID          uuid.UUID   `db:"id" json:"id"`
	PatientID   string      `db:"patient_id" json:"patientId"`
	TriageLevel TriageLevel `db:"triage_level" json:"triageLevel"`
	Complaint   string      `db:"complaint" json:"complaint"`
	Status      VisitStatus `db:"status" json:"status"`
	VitalSigns  *VitalSigns `db:"vital_signs" json:"vitalSigns,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updatedAt"`
}

// StatusLogEntry maps to the ed_status_log table. Rows are never updated.
type StatusLogEntry struct {
	ID         uuid.UUID   `db:"id" json:"id"`
	VisitID    uuid.UUID   `db:"visit_id" json:"visitId"`
	Timestamp  time.Time   `db:"logged_at" json:"timestamp"`
	Status     VisitStatus `db:"status" json:"status"`
	Location   string      `db:"location" json:"location"`
	RecordedBy string      `db:"recorded_by" json:"recordedBy"`
	Notes      *string     `db:"notes" json:"notes,omitempty"`
}

// CriticalAlert maps to the ed_alert table. VisitID is a weak reference: the
// alert outlives the visit for audit.
type CriticalAlert struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	VisitID        uuid.UUID  `db:"visit_id" json:"visitId"`
	AlertType      AlertType  `db:"alert_type" json:"alertType"`
	Message        string     `db:"message" json:"message"`
	Timestamp      time.Time  `db:"raised_at" json:"timestamp"`
	Acknowledged   bool       `db:"acknowledged" json:"acknowledged"`
	AcknowledgedBy *string    `db:"acknowledged_by" json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `db:"acknowledged_at" json:"acknowledgedAt,omitempty"`
}

// QueueFilter narrows GetQueue. A nil Status means every non-terminal visit.
type QueueFilter struct {
	Status      *VisitStatus
	TriageLevel *TriageLevel
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	VisitID      *uuid.UUID
	Acknowledged *bool
}
