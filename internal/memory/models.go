package memory

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Outcome records how a build ended.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeFailed    Outcome = "failed"
)

// ProjectRecord summarises a past build. Records are append-only: they are
// never mutated after write, only superseded by newer records.
type ProjectRecord struct {
	ID             string    `json:"id"`
	RequestSummary string    `json:"request_summary"`
	AppType        string    `json:"app_type"`
	Outcome        Outcome   `json:"outcome"`
	CreatedAt      time.Time `json:"created_at"`

	// Similarity is populated by FindSimilar, 0 elsewhere.
	Similarity float64 `json:"similarity,omitempty"`
}

// Lesson is a free-text insight extracted from a past build.
type Lesson struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	InsightText string    `json:"insight_text"`
	CreatedAt   time.Time `json:"created_at"`
}

// Pattern is a recurring structural signature detected across records.
type Pattern struct {
	ID              string    `json:"id"`
	Signature       string    `json:"signature"`
	OccurrenceCount int       `json:"occurrence_count"`
	LastSeen        time.Time `json:"last_seen"`
}
