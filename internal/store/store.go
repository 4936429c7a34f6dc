// Package store persists resolution runs and their per-feature reports so
// unresolved buildings can be followed up across runs.
package store

import (
	"context"
	"time"

	"github.com/saeidz70/urban-energy-simulation-backend/internal/resolver"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

// Run statuses.
const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one invocation of the resolver over an input collection.
type Run struct {
	ID        string    `json:"id"`
	Input     string    `json:"input"`
	Features  []string  `json:"features"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status       RunStatus `json:"status,omitempty"`
	Input        string    `json:"input,omitempty"`
	CreatedAfter time.Time `json:"created_after,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
}

// Store defines the persistence interface for resolution runs.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, input string, features []string) (*Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status RunStatus) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)

	// Reports
	SaveReport(ctx context.Context, runID string, rep *resolver.Report) error
	ListReports(ctx context.Context, runID string) ([]resolver.Report, error)
	ListUnresolved(ctx context.Context, runID, feature string) ([]string, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

const defaultListLimit = 100
