package models

import "time"

// Status is the canonical employment status stored on an employee document.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusLeft     Status = "left"
)

// Valid reports whether s is one of the three canonical statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusLeft:
		return true
	}
	return false
}

// DeltaType is a streamed single-employee status transition.
type DeltaType string

const (
	DeltaLeft        DeltaType = "left"
	DeltaInactive    DeltaType = "inactive"
	DeltaReactivated DeltaType = "reactivated"
)

// Valid reports whether d is a known delta type.
func (d DeltaType) Valid() bool {
	switch d {
	case DeltaLeft, DeltaInactive, DeltaReactivated:
		return true
	}
	return false
}

// Transition returns the status and presentInLatest value the delta applies.
// ok is false for unknown delta types.
func (d DeltaType) Transition() (status Status, present bool, ok bool) {
	switch d {
	case DeltaLeft:
		return StatusLeft, false, true
	case DeltaInactive:
		return StatusInactive, false, true
	case DeltaReactivated:
		return StatusActive, true, true
	}
	return "", false, false
}

// Provenance tags recorded on employee documents. Downstream consumers rely on
// the literal channel:kind form, so these strings never change.
const (
	SourceEmailUpsert = "email:upsert"
	SourceEmailDelta  = "email:delta"
	SourceKafkaUpsert = "kafka:upsert"
	SourceKafkaDelta  = "kafka:delta"
)

// Organization is the per-tenant root document. The document id is the orgId;
// it is not stored inside the document.
type Organization struct {
	CurrentEpoch       int64     `firestore:"currentEpoch" json:"currentEpoch"`
	LastFinalizedEpoch int64     `firestore:"lastFinalizedEpoch" json:"lastFinalizedEpoch"`
	Name               string    `firestore:"name,omitempty" json:"name,omitempty"`
	UpdatedAt          time.Time `firestore:"updatedAt" json:"updatedAt"`
}

// Employee is a child document of an organization. The document id is opaque
// and system-assigned; the logical key is the normalized email.
type Employee struct {
	Email           string    `firestore:"email" json:"email"`
	StatusInOrg     Status    `firestore:"statusInOrg" json:"statusInOrg"`
	PresentInLatest bool      `firestore:"presentInLatest" json:"presentInLatest"`
	LastSeenEpoch   int64     `firestore:"lastSeenEpoch" json:"lastSeenEpoch"`
	UpdatedAt       time.Time `firestore:"updatedAt" json:"updatedAt"`
	Source          string    `firestore:"source,omitempty" json:"source,omitempty"`
	LastEventID     string    `firestore:"lastEventId,omitempty" json:"lastEventId,omitempty"`
}

// EmployeeDoc pairs an employee with its document id.
type EmployeeDoc struct {
	ID string `json:"id"`
	Employee
}

// UpsertRow is one inbound roster row before reconciliation. StatusInOrg is
// the raw upstream string; normalization happens in the reconciler.
type UpsertRow struct {
	Email       string `json:"email"`
	StatusInOrg string `json:"statusInOrg"`
	EventID     string `json:"eventId,omitempty"`
}

// UpsertEvent is the source-stream message shape: one event's rows, possibly
// split across several messages with the same eventId.
type UpsertEvent struct {
	OrgID   string      `json:"orgId"`
	EventID string      `json:"eventId"`
	Rows    []UpsertRow `json:"rows"`
}

// DeltaMessage is one streamed status transition for a single employee.
type DeltaMessage struct {
	Email     string    `json:"email"`
	DeltaType DeltaType `json:"deltaType"`
	EventID   string    `json:"eventId,omitempty"`
}

// DeltaEvent is the source-stream delta shape.
type DeltaEvent struct {
	OrgID     string    `json:"orgId"`
	Email     string    `json:"email"`
	DeltaType DeltaType `json:"deltaType"`
	EventID   string    `json:"eventId,omitempty"`
}

// EmployeeWrite is one prepared upsert destined for an atomic store batch.
type EmployeeWrite struct {
	DocID         string
	Create        bool
	Email         string
	Status        Status
	LastSeenEpoch int64
	Source        string
	EventID       string
}
