package models

import (
	"time"

	"github.com/google/uuid"
)

// SystemLog is an operator-facing activity entry: session transitions,
// accept/reject decisions and task failures.
type SystemLog struct {
	ID        uuid.UUID      `db:"id"         json:"id"`
	SessionID uuid.UUID      `db:"session_id" json:"session_id"`
	Level     string         `db:"level"      json:"level"`
	Message   string         `db:"message"    json:"message"`
	Component string         `db:"component"  json:"component"`
	Details   map[string]any `db:"details"    json:"details,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}
