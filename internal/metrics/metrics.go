// Package metrics is the thin seam between the pipeline and whatever metrics
// system a deployment uses. The core depends only on Backend; the datadog
// subpackage is the one real implementation, Nop is the default.
package metrics

import (
	"context"
	"time"
)

// Metric names emitted by a run. Tags: sis:<name>, table:<entity>,
// outcome:<ok|failed>.
const (
	RunDuration  = "gdetl.run.duration"
	RunWarnings  = "gdetl.run.warnings"
	TableRows    = "gdetl.table.rows_written"
	TableDropped = "gdetl.table.rows_dropped"
)

// Backend receives pipeline measurements. Implementations buffer internally;
// Flush pushes anything buffered, Stop halts background submission. Both are
// called once at the end of a run.
type Backend interface {
	Count(name string, value float64, tags []string)
	Timing(name string, d time.Duration, tags []string)
	Flush(ctx context.Context) error
	Stop()
}

// Nop discards every measurement. Used when metrics are disabled.
type Nop struct{}

func (Nop) Count(string, float64, []string) {}

func (Nop) Timing(string, time.Duration, []string) {}

func (Nop) Flush(context.Context) error { return nil }

func (Nop) Stop() {}
