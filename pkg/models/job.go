// Package models contains the domain types shared across portalwatch.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	OutcomeMatched  = "matched"
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// JobSnapshot is a job as listed by the portal at one point in time.
type JobSnapshot struct {
	Ref             string     `json:"ref"`
	Language        string     `json:"language"`
	AppointmentDate string     `json:"appointment_date"`
	AppointmentTime string     `json:"appointment_time"`
	Duration        string     `json:"duration"`
	JobType         string     `json:"job_type"`
	Status          string     `json:"status"`
	SubmittedAt     *time.Time `json:"submitted_at,omitempty"`
}

// Observe stamps the snapshot with the time it was scraped.
func (s JobSnapshot) Observe(scrapedAt time.Time) JobObservation {
	return JobObservation{
		JobRef:          s.Ref,
		Language:        s.Language,
		AppointmentDate: s.AppointmentDate,
		AppointmentTime: s.AppointmentTime,
		Duration:        s.Duration,
		JobType:         s.JobType,
		PortalStatus:    s.Status,
		SubmittedAt:     s.SubmittedAt,
		ScrapedAt:       scrapedAt,
	}
}

// JobObservation is the first-seen record of a job in the ledger. Only
// ScrapedAt moves after it is recorded.
type JobObservation struct {
	JobRef          string     `db:"job_ref"          json:"job_ref"`
	Language        string     `db:"language"         json:"language"`
	AppointmentDate string     `db:"appointment_date" json:"appointment_date"`
	AppointmentTime string     `db:"appointment_time" json:"appointment_time"`
	Duration        string     `db:"duration"         json:"duration"`
	JobType         string     `db:"job_type"         json:"job_type"`
	PortalStatus    string     `db:"portal_status"    json:"portal_status,omitempty"`
	SubmittedAt     *time.Time `db:"submitted_at"     json:"submitted_at,omitempty"`
	ScrapedAt       time.Time  `db:"scraped_at"       json:"scraped_at"`
}

// Field returns the named attribute, or "" for unknown names. Accepts both
// the long names and the short ones used in portal exports.
func (o JobObservation) Field(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "ref", "job_ref":
		return o.JobRef
	case "language":
		return o.Language
	case "appt_date", "appointment_date":
		return o.AppointmentDate
	case "appt_time", "appointment_time":
		return o.AppointmentTime
	case "duration":
		return o.Duration
	case "type", "job_type":
		return o.JobType
	case "status":
		return o.PortalStatus
	case "submitted", "submitted_at":
		if o.SubmittedAt == nil {
			return ""
		}
		return o.SubmittedAt.Format(time.RFC3339)
	}
	return ""
}

// AppointmentHour parses the hour out of AppointmentTime ("14:30", "9:05 AM").
// Returns false when the value cannot be read.
func (o JobObservation) AppointmentHour() (int, bool) {
	v := strings.ToUpper(strings.TrimSpace(o.AppointmentTime))
	if v == "" {
		return 0, false
	}
	for _, layout := range []string{"15:04", "15:04:05", "3:04 PM", "3:04PM", "03:04 PM"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Hour(), true
		}
	}
	return 0, false
}

// JobOutcome is the decision state of a recorded job.
type JobOutcome struct {
	JobRef          string     `db:"job_ref"          json:"job_ref"`
	Status          string     `db:"status"           json:"status"`
	RejectionReason string     `db:"rejection_reason" json:"rejection_reason,omitempty"`
	DecidedAt       *time.Time `db:"decided_at"       json:"decided_at,omitempty"`
	// ChangedAt is the ledger stamp of the last write to this job. Strictly
	// increasing across the ledger, so it doubles as a read cursor.
	ChangedAt time.Time `db:"-" json:"changed_at"`
}

// IsTerminal reports whether no further transition is allowed.
func (o JobOutcome) IsTerminal() bool {
	return o.Status == OutcomeAccepted || o.Status == OutcomeRejected
}

// JobRecord pairs an observation with its outcome. It is the unit handed to
// reporters and persisted by the store.
type JobRecord struct {
	ID          uuid.UUID      `db:"id"         json:"id"`
	SessionID   uuid.UUID      `db:"session_id" json:"session_id"`
	Observation JobObservation `json:"observation"`
	Outcome     JobOutcome     `json:"outcome"`
}
