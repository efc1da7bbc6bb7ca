// Package datadog implements a Datadog backend for the internal/metrics
// package.
//
// Measurements buffer in memory and submit on a ticker (default once per
// minute) plus one final flush at run end, so short runs still land a point
// and long runs show a time series instead of a single spike at exit.
//
// Concurrency model:
//   - pipeline goroutines call Count/Timing at any time
//   - Flush snapshots and resets the buffers under a mutex, then submits
//     out-of-lock
//   - the flush loop calls Flush periodically; Stop ends the loop
package datadog

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"gdetl/internal/metrics"
)

// Options controls Datadog backend configuration.
type Options struct {
	// Tags are appended to every series (e.g. "env:prod", "service:gdetl").
	Tags []string

	// FlushEvery controls how often buffered metrics submit. If <= 0,
	// defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production never sets these; tests use them to
	// avoid real HTTP and nondeterministic tickers.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal slice of the Datadog SDK the backend
// needs. The SDK exposes a concrete *datadogV2.MetricsApi; depending on this
// interface instead lets tests substitute a fake.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api      metricsSubmitter
	baseTags []string

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	stopOnce   sync.Once

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu      sync.Mutex
	counts  map[string]float64
	timings map[string][]float64
}

var _ metrics.Backend = (*Backend)(nil)

// New constructs a Datadog backend using the official client. Credentials
// come from the environment (DD_API_KEY et al.) via the SDK's default
// context; network errors surface from Flush, never from New.
func New(opts Options) *Backend {
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		baseTags:   append([]string{"service:gdetl"}, opts.Tags...),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		now:        nowFn,
		newTicker:  newTicker,
		counts:     make(map[string]float64),
		timings:    make(map[string][]float64),
	}

	go b.loop()
	return b
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush(context.Background())
		case <-b.stopCh:
			return
		}
	}
}

// Stop halts the background flush loop. Buffered measurements survive; the
// caller follows up with one final Flush. Safe to call more than once.
func (b *Backend) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
	})
}

// Count implements metrics.Backend.
func (b *Backend) Count(name string, value float64, tags []string) {
	if value == 0 {
		return
	}
	k := seriesKey(name, tags)

	b.mu.Lock()
	b.counts[k] += value
	b.mu.Unlock()
}

// Timing implements metrics.Backend.
func (b *Backend) Timing(name string, d time.Duration, tags []string) {
	if d < 0 {
		return
	}
	k := seriesKey(name, tags)

	b.mu.Lock()
	b.timings[k] = append(b.timings[k], d.Seconds())
	b.mu.Unlock()
}

// Flush submits buffered metrics and resets the buffers. Buffers reset even
// when submission fails, so a dead intake cannot grow memory without bound.
func (b *Backend) Flush(ctx context.Context) error {
	counts, timings := b.snapshotAndReset()
	if len(counts) == 0 && len(timings) == 0 {
		return nil
	}

	series := b.buildSeries(counts, timings, b.now().Unix())
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(dd.NewDefaultContext(ctx), payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

func (b *Backend) snapshotAndReset() (map[string]float64, map[string][]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	counts, timings := b.counts, b.timings
	b.counts = make(map[string]float64)
	b.timings = make(map[string][]float64)
	return counts, timings
}

// buildSeries is pure (no locks, no network, no clocks) so tests can pin the
// exact payload shape. Counters become COUNT series; timings become gauge
// percentile series (p50/p95/max/samples) over the window's samples.
func (b *Backend) buildSeries(counts map[string]float64, timings map[string][]float64, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(counts)+4*len(timings))

	for _, k := range sortedKeys(counts) {
		name, tags := splitSeriesKey(k)
		series = append(series, datadogV2.MetricSeries{
			Metric: name,
			Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
			Points: []datadogV2.MetricPoint{
				{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(counts[k])},
			},
			Tags: withTags(b.baseTags, tags),
		})
	}

	timingKeys := make([]string, 0, len(timings))
	for k := range timings {
		timingKeys = append(timingKeys, k)
	}
	sort.Strings(timingKeys)

	for _, k := range timingKeys {
		samples := append([]float64(nil), timings[k]...)
		if len(samples) == 0 {
			continue
		}
		sort.Float64s(samples)

		name, tags := splitSeriesKey(k)
		allTags := withTags(b.baseTags, tags)

		series = append(series,
			gaugeSeries(name+".p50", percentileNearestRank(samples, 0.50), allTags, nowUnix),
			gaugeSeries(name+".p95", percentileNearestRank(samples, 0.95), allTags, nowUnix),
			gaugeSeries(name+".max", samples[len(samples)-1], allTags, nowUnix),
			gaugeSeries(name+".samples", float64(len(samples)), allTags, nowUnix),
		)
	}

	return series
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func seriesKey(name string, tags []string) string {
	if len(tags) == 0 {
		return name
	}
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return name + "\x00" + strings.Join(sorted, ",")
}

func splitSeriesKey(k string) (name string, tags []string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 1 || parts[1] == "" {
		return parts[0], nil
	}
	return parts[0], strings.Split(parts[1], ",")
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func withTags(base, extras []string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

// ParseTagsCSV parses comma-separated tags like "env:prod,team:sis".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
