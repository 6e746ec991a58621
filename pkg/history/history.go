// Package history defines the execution history store every Coordinator
// session writes to: one record per code submission, independent of
// whether it was streamed or run via Execute. The interface and its two
// implementations (memory, postgres) are adapted from this codebase's
// transport.ResponseStore and its storage/{memory,postgres} backends,
// generalized from "one LLM response" to "one code execution record".
package history

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors, mirrored from pkg/storage's.
var (
	ErrNotFound = errors.New("execution record not found")
	ErrConflict = errors.New("execution record already exists")
)

// Record is the persisted outcome of one Coordinator.Stream or
// Coordinator.Execute call.
type Record struct {
	ID         string
	SessionID  string
	Code       string
	Text       string
	Images     []string
	ErrorKind  string
	ErrorMsg   string
	PausedTotal time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
}

// ListOptions page through a session's execution history, oldest or
// newest first.
type ListOptions struct {
	SessionID string
	After     string
	Limit     int
	Desc      bool
}

// RecordList is one page of execution records.
type RecordList struct {
	Data    []*Record
	HasMore bool
}

// Store persists and retrieves execution records. Implementations:
// memory.Store (dev/single-process) and postgres.Store (durable,
// multi-tenant).
type Store interface {
	SaveExecution(ctx context.Context, rec *Record) error
	GetExecution(ctx context.Context, id string) (*Record, error)
	ListExecutions(ctx context.Context, opts ListOptions) (*RecordList, error)
	HealthCheck(ctx context.Context) error
	Close() error
}
