// Command gdetl converts a SIS "General Data Extract" drop into the five
// canonical CSV tables.
//
// Configuration resolves flag > environment > default; environment variables
// use the GDETL_ prefix (GDETL_INPUT, GDETL_AUDIT_DSN, ...).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"

	"gdetl/internal/audit"
	"gdetl/internal/metrics"
	"gdetl/internal/metrics/datadog"
	"gdetl/internal/run"

	// Register all audit backends; config selects which one runs.
	_ "gdetl/internal/audit/mssql"
	_ "gdetl/internal/audit/postgres"
	_ "gdetl/internal/audit/sqlite"
)

// Config is the resolved CLI configuration.
type Config struct {
	SIS      string `envconfig:"SIS"`
	Input    string `envconfig:"INPUT"`
	Output   string `envconfig:"OUTPUT" default:"data/output"`
	Mappings string `envconfig:"MAPPINGS" default:"config/mappings"`

	Audit    string `envconfig:"AUDIT" default:"none"`
	AuditDSN string `envconfig:"AUDIT_DSN"`

	Metrics     string `envconfig:"METRICS" default:"none"`
	MetricsTags string `envconfig:"METRICS_TAGS"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
}

// resolveConfig builds the configuration from environment and flags. The
// envconfig pass applies defaults and GDETL_* variables first; flag defaults
// are seeded from that result, so an explicit flag always wins.
func resolveConfig(args []string) (Config, error) {
	var cfg Config
	if err := envconfig.Process("gdetl", &cfg); err != nil {
		return Config{}, fmt.Errorf("read environment: %w", err)
	}

	fs := flag.NewFlagSet("gdetl", flag.ContinueOnError)
	fs.StringVar(&cfg.SIS, "sis", cfg.SIS, "source SIS name (selects <sis>_mapping.yaml)")
	fs.StringVar(&cfg.Input, "input", cfg.Input, "directory holding the extract files")
	fs.StringVar(&cfg.Output, "output", cfg.Output, "directory the canonical CSVs are written to")
	fs.StringVar(&cfg.Mappings, "mappings", cfg.Mappings, "directory holding mapping documents")
	fs.StringVar(&cfg.Audit, "audit", cfg.Audit, "audit backend (none, sqlite, postgres, mssql)")
	fs.StringVar(&cfg.AuditDSN, "audit-dsn", cfg.AuditDSN, "audit backend DSN")
	fs.StringVar(&cfg.Metrics, "metrics", cfg.Metrics, "metrics backend (none, datadog)")
	fs.StringVar(&cfg.MetricsTags, "metrics-tags", cfg.MetricsTags, "extra metric tags, comma separated (env:prod,team:sis)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, json)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.SIS == "" {
		return Config{}, fmt.Errorf("missing required --sis (or GDETL_SIS)")
	}
	if cfg.Input == "" {
		return Config{}, fmt.Errorf("missing required --input (or GDETL_INPUT)")
	}
	return cfg, nil
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	hopts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopts))
}

// printfLogger adapts slog to the pipeline's Printf seam.
type printfLogger struct {
	l *slog.Logger
}

func (p printfLogger) Printf(format string, v ...any) {
	p.l.Info(fmt.Sprintf(format, v...))
}

func main() {
	cfg, err := resolveConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	ctx := context.Background()

	sink, err := audit.Open(ctx, audit.Config{Kind: cfg.Audit, DSN: cfg.AuditDSN})
	if err != nil {
		logger.Error("audit init failed", "err", err)
		os.Exit(1)
	}
	defer sink.Close()

	var meter metrics.Backend = metrics.Nop{}
	switch cfg.Metrics {
	case "datadog":
		meter = datadog.New(datadog.Options{Tags: datadog.ParseTagsCSV(cfg.MetricsTags)})
	case "", "none":
	default:
		logger.Warn("unknown metrics backend, metrics disabled", "backend", cfg.Metrics)
	}

	start := time.Now()
	rep, err := run.Run(ctx, run.Options{
		SIS:         cfg.SIS,
		InputDir:    cfg.Input,
		OutputDir:   cfg.Output,
		MappingsDir: cfg.Mappings,
		Audit:       sink,
		Metrics:     meter,
		Log:         printfLogger{l: logger},
	})
	if err != nil {
		logger.Error("run failed", "err", err, "duration", time.Since(start).Truncate(time.Millisecond))
		os.Exit(1)
	}

	for _, t := range rep.Tables {
		logger.Info("table written", "table", t.Entity, "rows", t.Written, "dropped", t.Dropped, "sha256", t.Checksum)
	}
	logger.Info("run complete",
		"run_id", rep.RunID,
		"school_year", rep.SchoolYear,
		"warnings", rep.WarningCount(),
		"duration", time.Since(start).Truncate(time.Millisecond))
}
