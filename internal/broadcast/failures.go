package broadcast

import (
	"context"
	"time"
)

// FailedRun is forwarded when a run leaves undelivered recipients, so they
// can be inspected or retried out of band.
type FailedRun struct {
	RunID    string         `json:"run_id"`
	Kind     RunKind        `json:"kind"`
	Mode     string         `json:"mode,omitempty"`
	Day      string         `json:"day"`
	Failures []FailedTarget `json:"failures"`
	At       time.Time      `json:"at"`
}

// FailureSink receives failed runs.
type FailureSink interface {
	Publish(ctx context.Context, run FailedRun) error
}
