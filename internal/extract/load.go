package extract

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"gdetl/internal/report"
)

// Logger is the minimal logging interface the loader needs.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// LoadAll loads every required extract from dir, in parallel. Each file gets
// its own report segment; segments come back in filename order so the merged
// report is deterministic regardless of completion order.
//
// Errors:
//   - *MissingFileError when any required file is absent (checked up front,
//     before reading anything).
//   - The first read/parse-setup failure otherwise.
func LoadAll(ctx context.Context, dir string, files []string, logf Logger) (map[string]*SourceTable, []*report.Segment, error) {
	var missing []string
	for _, f := range files {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, nil, &MissingFileError{Dir: dir, Files: missing}
	}

	// One pre-allocated slot per file: no shared appends across goroutines.
	tables := make([]*SourceTable, len(files))
	segments := make([]*report.Segment, len(files))

	g, ctx := errgroup.WithContext(ctx)
	for i, f := range files {
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			seg := &report.Segment{Name: f}
			start := time.Now()
			tbl, err := LoadFile(filepath.Join(dir, f), seg)
			if err != nil {
				return err
			}
			if logf != nil {
				logf.Printf("stage=extract file=%s rows=%d warnings=%d duration=%s",
					f, tbl.Len(), len(seg.Warnings), time.Since(start).Truncate(time.Millisecond))
			}
			tables[i] = tbl
			segments[i] = seg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	out := make(map[string]*SourceTable, len(files))
	for i, f := range files {
		out[f] = tables[i]
	}
	return out, segments, nil
}

// LoadFile reads one extract: decode, sniff the delimiter, parse with a
// header row, normalize headers, and align ragged rows to the header width.
// Ragged rows are padded or truncated and counted as parse warnings; rows
// the reader cannot parse at all are skipped with a warning. The file handle
// is released on every path.
func LoadFile(path string, seg *report.Segment) (*SourceTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	name := filepath.Base(path)
	data, _, err := decodeToUTF8(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = sniffDelimiter(data)
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	line := 0
	readRec := func() ([]string, error) {
		line++
		return cr.Read()
	}

	hdr, err := readRec()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty file, no header row", name)
		}
		return nil, fmt.Errorf("%s: read header: %w", name, err)
	}
	headers := make([]string, len(hdr))
	for i, h := range hdr {
		headers[i] = normalizeHeader(h)
	}

	var rows [][]string
	var lines []int
	for {
		rec, err := readRec()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			seg.Warnf(report.Warning{Kind: report.KindParse, Stage: "extract", File: name, Line: line},
				"unparseable line skipped: %v", err)
			continue
		}
		if len(rec) == 1 && rec[0] == "" {
			continue
		}
		if len(rec) != len(headers) {
			if len(rec) < len(headers) {
				seg.Warnf(report.Warning{Kind: report.KindParse, Stage: "extract", File: name, Line: line},
					"row has %d columns, expected %d; padded", len(rec), len(headers))
				padded := make([]string, len(headers))
				copy(padded, rec)
				rec = padded
			} else {
				seg.Warnf(report.Warning{Kind: report.KindParse, Stage: "extract", File: name, Line: line},
					"row has %d columns, expected %d; truncated", len(rec), len(headers))
				rec = rec[:len(headers)]
			}
		} else {
			// ReuseRecord is off, but copy anyway so the table owns its rows.
			cp := make([]string, len(rec))
			copy(cp, rec)
			rec = cp
		}
		rows = append(rows, rec)
		lines = append(lines, line)
	}
	seg.Rows = len(rows)

	t := NewSourceTable(name, headers, rows)
	t.Lines = lines
	return t, nil
}
