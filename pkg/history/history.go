// Package history records the outcome of every backup run in a persistent,
// append-only log.
package history

import (
	"context"
	"fmt"
	"time"
)

// TimestampLayout is the layout of Entry timestamps as stored and displayed.
const TimestampLayout = "2006-01-02 15:04:05"

// Outcome is the status of a finished backup run.
type Outcome string

const (
	Success           Outcome = "Success"
	PartialSuccess    Outcome = "PartialSuccess"
	SourceNotFound    Outcome = "SourceNotFound"
	InsufficientSpace Outcome = "InsufficientSpace"
)

// ParseOutcome converts a stored status string into an Outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch o := Outcome(s); o {
	case Success, PartialSuccess, SourceNotFound, InsufficientSpace:
		return o, nil
	default:
		return "", fmt.Errorf("invalid outcome: %q", s)
	}
}

func (o Outcome) String() string { return string(o) }

// Entry is one immutable history record.
type Entry struct {
	ID          int64     `json:"id"`
	RunID       string    `json:"runId"`
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source"`
	Destination string    `json:"destination"`
	Status      Outcome   `json:"status"`
	FailedFiles int64     `json:"failedFiles"`
	Detail      string    `json:"detail"`
}

// Store persists history entries. Implementations must be safe for concurrent use.
type Store interface {
	// Append stores e and returns it with its assigned ID. A zero Timestamp is
	// replaced with the current time.
	Append(ctx context.Context, e Entry) (Entry, error)
	// ListAll returns every entry, newest first.
	ListAll(ctx context.Context) ([]Entry, error)
	// ClearAll removes every entry.
	ClearAll(ctx context.Context) error
	Close() error
}

// NoopStore discards all entries. It is used when history is disabled.
type NoopStore struct{}

func (NoopStore) Append(ctx context.Context, e Entry) (Entry, error) { return e, nil }
func (NoopStore) ListAll(ctx context.Context) ([]Entry, error)       { return nil, nil }
func (NoopStore) ClearAll(ctx context.Context) error                 { return nil }
func (NoopStore) Close() error                                       { return nil }

var _ Store = NoopStore{}
