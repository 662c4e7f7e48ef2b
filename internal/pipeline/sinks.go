package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/jfourny/etlrun/internal/domain"
)

// File sinks stage rows into a temporary file next to the destination and
// only publish on Commit. An aborted session leaves the destination
// untouched, which is what lets a retried attempt start clean.

// CSVSink writes rows to a local CSV file. Options: "path" (required).
// Column order is the sorted union of keys seen in the first batch.
type CSVSink struct{}

func (s *CSVSink) Begin(ctx context.Context, dest domain.DestConfig) (LoadSession, error) {
	path := dest.Options["path"]
	if path == "" {
		return nil, domain.ConfigErrorf("csv sink: missing path option")
	}
	if err := checkIfExists(path, dest.IfExists); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".etlrun-*")
	if err != nil {
		return nil, domain.TransientError(err)
	}

	return &csvSession{
		path:     path,
		ifExists: normalizePolicy(dest.IfExists),
		tmp:      tmp,
		w:        csv.NewWriter(tmp),
	}, nil
}

type csvSession struct {
	path     string
	ifExists domain.IfExistsPolicy
	tmp      *os.File
	w        *csv.Writer
	header   []string
}

func (s *csvSession) Write(ctx context.Context, batch Batch) (int64, error) {
	if s.header == nil && len(batch) > 0 {
		for col := range batch[0] {
			s.header = append(s.header, col)
		}
		sort.Strings(s.header)
		if err := s.w.Write(s.header); err != nil {
			return 0, domain.TransientError(err)
		}
	}

	var n int64
	record := make([]string, len(s.header))
	for _, row := range batch {
		for i, col := range s.header {
			record[i] = asString(row[col])
		}
		if err := s.w.Write(record); err != nil {
			return n, domain.TransientError(err)
		}
		n++
	}
	return n, nil
}

func (s *csvSession) Commit(ctx context.Context) error {
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		s.Abort()
		return domain.TransientError(err)
	}
	return publishStaged(s.tmp, s.path, s.ifExists, true)
}

func (s *csvSession) Abort() error {
	s.tmp.Close()
	return os.Remove(s.tmp.Name())
}

// JSONLSink writes rows as newline-delimited JSON. Options: "path".
type JSONLSink struct{}

func (s *JSONLSink) Begin(ctx context.Context, dest domain.DestConfig) (LoadSession, error) {
	path := dest.Options["path"]
	if path == "" {
		return nil, domain.ConfigErrorf("jsonl sink: missing path option")
	}
	if err := checkIfExists(path, dest.IfExists); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".etlrun-*")
	if err != nil {
		return nil, domain.TransientError(err)
	}

	return &jsonlSession{
		path:     path,
		ifExists: normalizePolicy(dest.IfExists),
		tmp:      tmp,
		w:        bufio.NewWriter(tmp),
	}, nil
}

type jsonlSession struct {
	path     string
	ifExists domain.IfExistsPolicy
	tmp      *os.File
	w        *bufio.Writer
}

func (s *jsonlSession) Write(ctx context.Context, batch Batch) (int64, error) {
	var n int64
	enc := json.NewEncoder(s.w)
	for _, row := range batch {
		if err := enc.Encode(row); err != nil {
			return n, domain.TransientError(err)
		}
		n++
	}
	return n, nil
}

func (s *jsonlSession) Commit(ctx context.Context) error {
	if err := s.w.Flush(); err != nil {
		s.Abort()
		return domain.TransientError(err)
	}
	return publishStaged(s.tmp, s.path, s.ifExists, false)
}

func (s *jsonlSession) Abort() error {
	s.tmp.Close()
	return os.Remove(s.tmp.Name())
}

// DiscardSink counts rows and drops them. Used for dry runs and tests.
type DiscardSink struct{}

func (s *DiscardSink) Begin(ctx context.Context, dest domain.DestConfig) (LoadSession, error) {
	return &discardSession{}, nil
}

type discardSession struct{}

func (s *discardSession) Write(ctx context.Context, batch Batch) (int64, error) {
	return int64(len(batch)), nil
}

func (s *discardSession) Commit(ctx context.Context) error { return nil }
func (s *discardSession) Abort() error                     { return nil }

// An unset policy means fail, matching the default applied when jobs are
// created through the API or a jobs file.
func normalizePolicy(p domain.IfExistsPolicy) domain.IfExistsPolicy {
	if p == "" {
		return domain.IfExistsFail
	}
	return p
}

// checkIfExists enforces the fail policy before any work is staged.
func checkIfExists(path string, p domain.IfExistsPolicy) error {
	switch normalizePolicy(p) {
	case domain.IfExistsFail:
		if _, err := os.Stat(path); err == nil {
			return domain.ConfigErrorf("destination %q already exists", path)
		}
		return nil
	case domain.IfExistsReplace, domain.IfExistsAppend:
		return nil
	default:
		return domain.ConfigErrorf("unknown if-exists policy %q", p)
	}
}

// publishStaged moves the staged temp file into place. For append,
// skipHeader drops the staged file's first line when the destination
// already has content (CSV keeps one header).
func publishStaged(tmp *os.File, path string, p domain.IfExistsPolicy, skipHeader bool) error {
	name := tmp.Name()
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return domain.TransientError(err)
	}

	if p != domain.IfExistsAppend {
		// fail was already checked at Begin; a file appearing since then
		// loses to the staged output.
		if err := os.Rename(name, path); err != nil {
			os.Remove(name)
			return domain.TransientError(err)
		}
		return nil
	}

	info, err := os.Stat(path)
	fresh := os.IsNotExist(err) || (err == nil && info.Size() == 0)
	if err != nil && !os.IsNotExist(err) {
		os.Remove(name)
		return domain.TransientError(err)
	}
	if fresh {
		if err := os.Rename(name, path); err != nil {
			os.Remove(name)
			return domain.TransientError(err)
		}
		return nil
	}

	defer os.Remove(name)
	src, err := os.Open(name)
	if err != nil {
		return domain.TransientError(err)
	}
	defer src.Close()

	reader := bufio.NewReader(src)
	if skipHeader {
		if _, err := reader.ReadString('\n'); err != nil && err != io.EOF {
			return domain.TransientError(err)
		}
	}

	dst, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return domain.TransientError(err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, reader); err != nil {
		return domain.TransientError(fmt.Errorf("append: %w", err))
	}
	return nil
}
