package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ReportResults    = "results"
	ReportRejections = "rejections"
	ReportQuickCheck = "quick_check"
)

// Report is the envelope every periodic report is published in. Exactly one
// of the payload pointers is set, matching Kind.
type Report struct {
	Kind        string            `json:"kind"`
	GeneratedAt time.Time         `json:"generated_at"`
	Results     *ResultsReport    `json:"results,omitempty"`
	Rejections  *RejectionReport  `json:"rejections,omitempty"`
	QuickCheck  *QuickCheckReport `json:"quick_check,omitempty"`
}

// ReportedJob is the compact form of a job inside a report.
type ReportedJob struct {
	Ref             string     `json:"ref"`
	Language        string     `json:"language"`
	AppointmentDate string     `json:"appointment_date,omitempty"`
	AppointmentTime string     `json:"appointment_time,omitempty"`
	Duration        string     `json:"duration,omitempty"`
	Reason          string     `json:"reason,omitempty"`
	DecidedAt       *time.Time `json:"decided_at,omitempty"`
}

type ResultsReport struct {
	SessionID              uuid.UUID      `json:"session_id"`
	SessionStatus          string         `json:"session_status"`
	LoginStatus            string         `json:"login_status"`
	SessionDurationSeconds int64          `json:"session_duration_seconds"`
	CheckCycles            int64          `json:"check_cycles"`
	TotalAccepted          int            `json:"total_accepted"`
	TotalRejected          int            `json:"total_rejected"`
	AcceptedSinceLast      []ReportedJob  `json:"accepted_since_last"`
	RejectedSinceLast      int            `json:"rejected_since_last"`
	Languages              map[string]int `json:"languages"`
	TimePeriods            map[string]int `json:"time_periods"`
	AveragePerHour         float64        `json:"average_per_hour"`
	Since                  time.Time      `json:"since"`
	Until                  time.Time      `json:"until"`
}

type ReasonCount struct {
	Reason string   `json:"reason"`
	Count  int      `json:"count"`
	Refs   []string `json:"refs"`
}

type RejectionReport struct {
	Total   int           `json:"total"`
	Reasons []ReasonCount `json:"reasons"`
	Jobs    []ReportedJob `json:"jobs"`
	Since   time.Time     `json:"since"`
	Until   time.Time     `json:"until"`
}

type QuickCheckReport struct {
	Category string   `json:"category"`
	Found    int      `json:"found"`
	New      int      `json:"new"`
	Refs     []string `json:"refs"`
}

// TaskStatus is the scheduler's view of one periodic task.
type TaskStatus struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	Runs         int64         `json:"runs"`
	Overruns     int64         `json:"overruns"`
	Skipped      int64         `json:"skipped"`
	Failures     int64         `json:"failures"`
	LastRunAt    *time.Time    `json:"last_run_at,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
}
