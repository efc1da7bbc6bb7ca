// Package assemble turns canonical record sets into the final CSV tables.
//
// Each table is deduplicated against its declared uniqueness key (first
// occurrence wins, deterministic for identical input order), serialized with
// the canonical header, and written atomically: temp file in the target
// directory, fsync, rename. A partially written table is never observable.
package assemble

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gdetl/internal/report"
	"gdetl/internal/transform"
)

// Table is one output table ready for serialization.
type Table struct {
	Entity string
	Header []string
	Rows   [][]string
}

// Build deduplicates a record set against its uniqueness key. Later
// duplicates are dropped and counted; rows arrive in source order, so the
// survivor set is reproducible given identical inputs.
func Build(rs *transform.RecordSet, uniqueBy []string, seg *report.Segment) (*Table, int) {
	keyIdx := make([]int, 0, len(uniqueBy))
	for _, k := range uniqueBy {
		if i := rs.ColumnOf(k); i >= 0 {
			keyIdx = append(keyIdx, i)
		}
	}

	t := &Table{Entity: rs.Entity, Header: rs.Targets}
	seen := make(map[string]struct{}, len(rs.Records))
	dropped := 0

	for _, rec := range rs.Records {
		if len(keyIdx) > 0 {
			key := dedupeKey(rec.Fields, keyIdx)
			if _, dup := seen[key]; dup {
				dropped++
				continue
			}
			seen[key] = struct{}{}
		}
		t.Rows = append(t.Rows, rec.Fields)
	}

	if dropped > 0 {
		seg.Warnf(report.Warning{Kind: report.KindRow, Stage: "assemble", Entity: rs.Entity},
			"%d duplicate row(s) dropped under key (%s), first occurrence kept", dropped, strings.Join(uniqueBy, ", "))
	}
	return t, dropped
}

func dedupeKey(fields []string, idx []int) string {
	parts := make([]string, len(idx))
	for i, j := range idx {
		parts[i] = fields[j]
	}
	return strings.Join(parts, "\x1f")
}

// Write serializes a table to <dir>/<Entity>.csv atomically and returns the
// SHA-256 of the written bytes. The checksum streams through the writer, so
// byte-identical outputs always report equal checksums.
func Write(dir string, t *Table) (checksum string, err error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+t.Entity+"-*.csv.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp for %s: %w", t.Entity, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	w := csv.NewWriter(io.MultiWriter(tmp, h))

	if err = w.Write(t.Header); err != nil {
		return "", fmt.Errorf("write %s header: %w", t.Entity, err)
	}
	for _, row := range t.Rows {
		if err = w.Write(row); err != nil {
			return "", fmt.Errorf("write %s row: %w", t.Entity, err)
		}
	}
	w.Flush()
	if err = w.Error(); err != nil {
		return "", fmt.Errorf("flush %s: %w", t.Entity, err)
	}

	if err = tmp.Sync(); err != nil {
		return "", fmt.Errorf("sync %s: %w", t.Entity, err)
	}
	if err = tmp.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", t.Entity, err)
	}
	if err = os.Rename(tmpName, filepath.Join(dir, t.Entity+".csv")); err != nil {
		return "", fmt.Errorf("rename %s: %w", t.Entity, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
