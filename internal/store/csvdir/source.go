// Package csvdir reads source tables from a directory of CSV exports, one
// file per table named <Table>.csv. It lets the pipeline run against a
// snapshot of the operational database without a live connection.
//
// Every cell is returned as a string, or nil when empty. The pipeline
// normalizes keys, numbers and dates from text, and SQL targets coerce
// values to their column types on insert.
package csvdir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/ChinookDW/internal/core"
	"github.com/JonMunkholm/ChinookDW/internal/logging"
)

// maxHeaderSearchRows bounds how far down a file the header row may sit.
const maxHeaderSearchRows = 10

// Source is a core.Source backed by a directory.
type Source struct {
	dir string
}

// New returns a source reading from dir. The directory must exist.
func New(dir string) (*Source, error) {
	s := &Source{dir: dir}
	if err := s.Ping(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

// Dir returns the directory the source reads.
func (s *Source) Dir() string { return s.dir }

// Ping checks that the directory is readable.
func (s *Source) Ping(ctx context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("csv source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("csv source: %s is not a directory", s.dir)
	}
	return nil
}

// ReadTable parses <dir>/<spec.Name>.csv. Header cells are matched to the
// declared columns case-insensitively; declared columns missing from the
// file read as null unless they are part of the natural key.
func (s *Source) ReadTable(ctx context.Context, spec core.SourceTable) (*core.Table, error) {
	path := filepath.Join(s.dir, spec.Name+".csv")
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &core.ConfigurationError{
			Subject: spec.Name,
			Reason:  fmt.Sprintf("no export file %s", filepath.Base(path)),
			Err:     core.ErrUnknownTable,
		}
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	counter := &countingReader{r: f}
	t, err := readTable(ctx, sanitize(counter), spec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	logging.FromContext(ctx).Debug("csv table read",
		slog.String("table", spec.Name),
		slog.Int("rows", len(t.Rows)),
		slog.Int64("bytes", counter.n),
	)
	return t, nil
}

func readTable(ctx context.Context, r io.Reader, spec core.SourceTable) (*core.Table, error) {
	cr := newCSVReader(r)

	positions, err := readHeader(cr, spec)
	if err != nil {
		return nil, err
	}

	t := &core.Table{Name: spec.Name, Columns: append([]string(nil), spec.Columns...)}
	for line := 0; ; line++ {
		if line%1000 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if isEmptyRecord(record) {
			continue
		}

		row := make(core.Row, len(spec.Columns))
		for i, c := range spec.Columns {
			pos := positions[i]
			if pos < 0 || pos >= len(record) || record[pos] == "" {
				row[c] = nil
				continue
			}
			row[c] = record[pos]
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// readHeader finds the header row and returns, for each declared column,
// its position in the record or -1.
func readHeader(cr interface{ Read() ([]string, error) }, spec core.SourceTable) ([]int, error) {
	for i := 0; i < maxHeaderSearchRows; i++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		index := make(map[string]int, len(record))
		for pos, cell := range record {
			index[strings.ToLower(strings.TrimSpace(cell))] = pos
		}

		positions := make([]int, len(spec.Columns))
		matched := 0
		for j, c := range spec.Columns {
			pos, ok := index[strings.ToLower(c)]
			if !ok {
				positions[j] = -1
				continue
			}
			positions[j] = pos
			matched++
		}
		if matched == 0 {
			continue
		}

		for _, k := range spec.Key {
			if _, ok := index[strings.ToLower(k)]; !ok {
				return nil, &core.ConfigurationError{
					Subject: spec.Name,
					Reason:  fmt.Sprintf("header has no %s column", k),
					Err:     core.ErrUnknownColumn,
				}
			}
		}
		return positions, nil
	}
	return nil, &core.ConfigurationError{
		Subject: spec.Name,
		Reason:  fmt.Sprintf("no header row within the first %d lines", maxHeaderSearchRows),
		Err:     core.ErrUnknownColumn,
	}
}

func isEmptyRecord(record []string) bool {
	for _, v := range record {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
