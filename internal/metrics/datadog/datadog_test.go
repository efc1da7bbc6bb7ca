package datadog

import (
	"context"
	"net/http"
	"reflect"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"gdetl/internal/metrics"
)

// fakeSubmitter captures payloads submitted by Backend.Flush.
type fakeSubmitter struct {
	mu       sync.Mutex
	payloads []datadogV2.MetricPayload
	err      error
}

func (f *fakeSubmitter) SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, body)
	return datadogV2.IntakePayloadAccepted{}, nil, f.err
}

func (f *fakeSubmitter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakeSubmitter) last() (datadogV2.MetricPayload, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.payloads) == 0 {
		return datadogV2.MetricPayload{}, false
	}
	return f.payloads[len(f.payloads)-1], true
}

// quietBackend builds a backend whose ticker never fires, so tests drive
// Flush explicitly.
func quietBackend(fs *fakeSubmitter, tags ...string) *Backend {
	return New(Options{
		Tags:      tags,
		submitter: fs,
		now:       func() time.Time { return time.Unix(1000, 0) },
		newTicker: func(time.Duration) *time.Ticker { return time.NewTicker(24 * time.Hour) },
	})
}

func TestSeriesKeyRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		metric   string
		tags     []string
		wantTags []string
	}{
		{name: "no_tags", metric: metrics.RunWarnings, tags: nil, wantTags: nil},
		{name: "tags_sorted", metric: metrics.TableRows, tags: []string{"table:Students", "sis:myedbc"}, wantTags: []string{"sis:myedbc", "table:Students"}},
		{name: "single", metric: metrics.RunDuration, tags: []string{"outcome:ok"}, wantTags: []string{"outcome:ok"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			name, tags := splitSeriesKey(seriesKey(tc.metric, tc.tags))
			if name != tc.metric {
				t.Fatalf("name=%q, want %q", name, tc.metric)
			}
			if !reflect.DeepEqual(tags, tc.wantTags) {
				t.Fatalf("tags=%v, want %v", tags, tc.wantTags)
			}
		})
	}
}

func TestFlushSubmitsAndResets(t *testing.T) {
	fs := &fakeSubmitter{}
	b := quietBackend(fs, "env:test")
	defer b.Stop()

	b.Count(metrics.TableRows, 120, []string{"sis:myedbc", "table:Students"})
	b.Count(metrics.TableRows, 30, []string{"sis:myedbc", "table:Students"})
	b.Count(metrics.RunWarnings, 4, []string{"sis:myedbc"})
	b.Timing(metrics.RunDuration, 1500*time.Millisecond, []string{"sis:myedbc", "outcome:ok"})

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}

	payload, ok := fs.last()
	if !ok {
		t.Fatalf("missing payload")
	}

	var names []string
	for _, s := range payload.Series {
		names = append(names, s.Metric)
	}
	sort.Strings(names)

	for _, want := range []string{
		"gdetl.run.duration.max",
		"gdetl.run.duration.p50",
		"gdetl.run.duration.samples",
		"gdetl.run.warnings",
		"gdetl.table.rows_written",
	} {
		if !containsStr(names, want) {
			t.Fatalf("payload missing metric %q; got=%v", want, names)
		}
	}

	for _, s := range payload.Series {
		if s.Metric != "gdetl.table.rows_written" {
			continue
		}
		if got := *s.Points[0].Value; got != 150 {
			t.Fatalf("rows_written=%v, want 150 (counts must accumulate)", got)
		}
		if !containsStr(s.Tags, "env:test") || !containsStr(s.Tags, "service:gdetl") {
			t.Fatalf("rows_written tags=%v, want base tags present", s.Tags)
		}
	}

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("second Flush() err=%v", err)
	}
	if fs.count() != 1 {
		t.Fatalf("empty flush submitted; calls=%d, want 1", fs.count())
	}
}

func TestFlushNoDataDoesNotSubmit(t *testing.T) {
	fs := &fakeSubmitter{}
	b := quietBackend(fs)
	defer b.Stop()

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 0 {
		t.Fatalf("submit calls=%d, want 0", fs.count())
	}
}

func TestLoopFlushesAndStopIsIdempotent(t *testing.T) {
	fs := &fakeSubmitter{}
	b := New(Options{
		FlushEvery: 5 * time.Millisecond,
		submitter:  fs,
		now:        func() time.Time { return time.Unix(2000, 0) },
	})

	b.Count(metrics.RunWarnings, 1, nil)

	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) && fs.count() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if fs.count() < 1 {
		b.Stop()
		t.Fatalf("expected at least one background flush; got %d", fs.count())
	}

	b.Stop()
	b.Stop()
}

func TestBackendConcurrentAccess(t *testing.T) {
	fs := &fakeSubmitter{}
	b := quietBackend(fs)
	defer b.Stop()

	workers := runtime.GOMAXPROCS(0) * 4
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < 2000; j++ {
				b.Count(metrics.TableRows, 1, []string{"table:Students"})
				b.Timing(metrics.RunDuration, 10*time.Millisecond, []string{"outcome:ok"})
			}
		}()
	}
	wg.Wait()

	if err := b.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() err=%v, want nil", err)
	}
	if fs.count() != 1 {
		t.Fatalf("submit calls=%d, want 1", fs.count())
	}
}

func TestPercentileNearestRank(t *testing.T) {
	tests := []struct {
		name string
		s    []float64
		p    float64
		want float64
	}{
		{name: "empty", s: nil, p: 0.50, want: 0},
		{name: "single", s: []float64{7}, p: 0.95, want: 7},
		{name: "median", s: []float64{1, 2, 3, 4, 5}, p: 0.50, want: 3},
		{name: "p95_small_n", s: []float64{1, 2, 3, 4, 5}, p: 0.95, want: 5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := percentileNearestRank(tc.s, tc.p); got != tc.want {
				t.Fatalf("percentileNearestRank(%v,%v)=%v, want %v", tc.s, tc.p, got, tc.want)
			}
		})
	}
}

func TestParseTagsCSV(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "empty_returns_nil", in: "", want: nil},
		{name: "trims_and_skips_empty_segments", in: " env:prod , ,team:sis,  ", want: []string{"env:prod", "team:sis"}},
		{name: "single_tag", in: "env:dev", want: []string{"env:dev"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ParseTagsCSV(tc.in); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseTagsCSV(%q)=%v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func containsStr(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
