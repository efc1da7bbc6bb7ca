// Package audit persists run outcomes for operational review.
//
// A repository records one row per run in etl_runs and one row per warning in
// etl_run_warnings. Backends register themselves from init() in their own
// package (sqlite, postgres, mssql); "none" is built in and discards
// everything, so a run with no audit configured costs nothing.
package audit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Config selects and configures an audit backend.
type Config struct {
	Kind string
	DSN  string
}

// RunRecord is the etl_runs row. Begin writes the identity fields with a
// "running" outcome; Finish fills in the terminal state and counters.
type RunRecord struct {
	RunID       string
	SIS         string
	SchoolYear  int
	StartedAt   time.Time
	FinishedAt  time.Time
	Outcome     string
	RowsWritten int
	RowsDropped int
	Warnings    int
}

// WarningRecord is one etl_run_warnings row.
type WarningRecord struct {
	Seq    int
	Kind   string
	Stage  string
	Entity string
	File   string
	Line   int
	Key    string
	Detail string
}

// Repository is the sink a run reports into. Implementations must tolerate
// Finish being called without RecordWarnings and must be safe to Close once.
type Repository interface {
	Begin(ctx context.Context, rec RunRecord) error
	RecordWarnings(ctx context.Context, runID string, warnings []WarningRecord) error
	Finish(ctx context.Context, rec RunRecord) error
	Close()
}

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind. Called from init() in backend
// packages.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("audit: Register called with empty kind")
	}
	if f == nil {
		panic("audit: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("audit: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// Open constructs a repository for the configured kind. An empty kind or
// "none" yields the discarding repository. An unknown kind is an error
// listing what is registered.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" || cfg.Kind == "none" {
		return Nop{}, nil
	}

	mu.RLock()
	f := factories[cfg.Kind]
	kinds := make([]string, 0, len(factories))
	for k := range factories {
		kinds = append(kinds, k)
	}
	mu.RUnlock()

	if f == nil {
		sort.Strings(kinds)
		return nil, fmt.Errorf("audit: unsupported kind=%q (registered: %s)", cfg.Kind, strings.Join(kinds, ", "))
	}
	return f(ctx, cfg)
}

// Nop discards every record. Used when auditing is disabled.
type Nop struct{}

func (Nop) Begin(context.Context, RunRecord) error { return nil }

func (Nop) RecordWarnings(context.Context, string, []WarningRecord) error { return nil }

func (Nop) Finish(context.Context, RunRecord) error { return nil }

func (Nop) Close() {}
