// Package storage persists pipeline runs, stage outcomes, and agent session
// transcripts in a local SQLite database. Every method on a nil *Store is a
// no-op, so callers can wire the store unconditionally and treat "no
// database" as an empty one.
package storage

import (
	"errors"
	"time"

	"github.com/haasonsaas/drover/internal/agent"
	"github.com/haasonsaas/drover/internal/pipeline"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// StatusRunning marks a run that has begun but not finished. Finished runs
// carry the status the engine ended with.
const StatusRunning = pipeline.Status("RUNNING")

// Run is one recorded pipeline run.
type Run struct {
	ID         string
	Name       string
	Goal       string
	Label      string
	LogsRoot   string
	Status     pipeline.Status
	StartedAt  time.Time
	FinishedAt time.Time // zero while the run is in progress
}

// Stage is one recorded node completion within a run. Stage indexes restart
// from zero after a loop_restart, so rows are ordered by insertion, not index.
type Stage struct {
	RunID         string
	NodeID        string
	NodeType      string
	StageIndex    int
	Attempts      int
	Status        pipeline.Status
	FailureReason string
	Notes         string
	StartedAt     time.Time
	FinishedAt    time.Time
}

// Transcript is a saved agent conversation. RunID links transcripts produced
// by pipeline stages back to their run; standalone sessions leave it empty.
type Transcript struct {
	SessionID string
	RunID     string
	Turns     []agent.Turn
	SavedAt   time.Time
}
