package checkpoint

import (
	"context"
	"time"

	"trustgate/pkg/verification"
)

// Recorder observes finished checkpoint and event calls. Implementations
// must not block for long and must not panic.
type Recorder interface {
	RecordCheckpoint(ctx context.Context, rec CheckpointRecord)
	RecordEvent(ctx context.Context, rec EventRecord)
}

type CheckpointRecord struct {
	Name                   string
	SessionID              string
	UserID                 string
	IP                     string
	PreviousVerificationID string
	Result                 verification.CheckpointResult
	Duration               time.Duration
	At                     time.Time
}

type EventRecord struct {
	Name      string
	SessionID string
	UserID    string
	Attempts  int
	Result    verification.EventResult
	At        time.Time
}

// Recorders fans out to every non-nil recorder.
type Recorders []Recorder

func (rs Recorders) RecordCheckpoint(ctx context.Context, rec CheckpointRecord) {
	for _, r := range rs {
		if r != nil {
			r.RecordCheckpoint(ctx, rec)
		}
	}
}

func (rs Recorders) RecordEvent(ctx context.Context, rec EventRecord) {
	for _, r := range rs {
		if r != nil {
			r.RecordEvent(ctx, rec)
		}
	}
}
