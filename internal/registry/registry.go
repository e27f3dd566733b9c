// Package registry describes the optional Postgres-backed store for reference
// data and the per-question audit trail.
package registry

import (
	"context"
	"time"
)

// QuestionAudit is one answered question as recorded for later review.
type QuestionAudit struct {
	SessionID    string
	OwnerID      string
	Question     string
	Status       string
	FinalSQL     string
	Attempts     int
	ErrorMessage string
	RowCount     int
	Duration     time.Duration
	CreatedAt    time.Time
}

type Auditor interface {
	RecordQuestion(ctx context.Context, record QuestionAudit) error
}
