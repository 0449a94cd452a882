package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Job states recorded in the journal.
const (
	StateCompleted = "completed"
	StateRetrying  = "retrying"
	StateFailed    = "failed"
)

// Record is one job outcome. The journal keeps every record; lookups return
// the latest one per job.
type Record struct {
	JobID    string    `json:"job_id"`
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Store is the journal persistence API.
type Store interface {
	Append(ctx context.Context, r Record) error
	// Last returns the latest record for jobID.
	Last(ctx context.Context, jobID string) (Record, bool, error)
	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]Record, error)
	// Prune drops records older than before and reports how many went.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}
