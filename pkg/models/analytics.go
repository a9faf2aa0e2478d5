package models

import (
	"time"

	"github.com/google/uuid"
)

// AnalyticsWindow is a closed, fixed-width aggregation period.
// AcceptanceRate is Accepted/TotalProcessed in [0,1], 0 when nothing was processed.
type AnalyticsWindow struct {
	ID                 uuid.UUID `db:"id"                   json:"id"`
	SessionID          uuid.UUID `db:"session_id"           json:"session_id"`
	PeriodStart        time.Time `db:"period_start"         json:"period_start"`
	PeriodEnd          time.Time `db:"period_end"           json:"period_end"`
	TotalProcessed     int       `db:"total_processed"      json:"total_processed"`
	Accepted           int       `db:"accepted"             json:"accepted"`
	Rejected           int       `db:"rejected"             json:"rejected"`
	AcceptanceRate     float64   `db:"acceptance_rate"      json:"acceptance_rate"`
	MostCommonLanguage string    `db:"most_common_language" json:"most_common_language,omitempty"`
	PeakHour           *int      `db:"peak_hour"            json:"peak_hour,omitempty"`
	UptimeSeconds      int64     `db:"uptime_seconds"       json:"uptime_seconds"`
	CreatedAt          time.Time `db:"created_at"           json:"created_at"`
}
