// Package api is the operator status surface: a JSON API plus a WebSocket
// event stream. It is read-only; nothing here can steer the trading loop.
package api

import (
	"context"
	"time"

	"marketbot/pkg/types"
)

// Event is one notification broadcast to stream listeners: a state-machine
// transition, a sealed cycle summary, or a fresh resource snapshot.
type Event struct {
	Type      string            `json:"type"` // "state" | "cycle" | "snapshot"
	Timestamp time.Time         `json:"timestamp"`
	State     string            `json:"state,omitempty"`
	CycleID   string            `json:"cycle_id,omitempty"`
	Detail    map[string]string `json:"detail,omitempty"`
	Data      any               `json:"data,omitempty"`
}

// Status is the /api/status payload.
type Status struct {
	State             string                  `json:"state"`
	DryRun            bool                    `json:"dry_run"`
	ConsecutiveErrors int                     `json:"consecutive_errors"`
	CyclesCompleted   int                     `json:"cycles_completed"`
	CyclesFailed      int                     `json:"cycles_failed"`
	LastCycleID       string                  `json:"last_cycle_id,omitempty"`
	LastSnapshot      *types.ResourceSnapshot `json:"last_snapshot,omitempty"`
	StartedAt         time.Time               `json:"started_at"`
	Now               time.Time               `json:"now"`
}

// StatusProvider is the orchestrator's read side.
type StatusProvider interface {
	Status() Status
	Events() <-chan Event
}

// CycleSource serves recent sealed cycle records. *store.Store satisfies it.
type CycleSource interface {
	RecentCycles(ctx context.Context, limit int) ([]types.CycleRecord, error)
}
