package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jfourny/etlrun/internal/domain"
)

// CSVSource reads rows from a local CSV file. Options: "path" (required),
// "delimiter" (single character, default ","). The first record is the
// header; every value is a string.
type CSVSource struct{}

func (s *CSVSource) Extract(ctx context.Context, src domain.SourceConfig, chunkSize int, emit EmitFunc) (int64, error) {
	path := src.Options["path"]
	if path == "" {
		return 0, domain.ConfigErrorf("csv source: missing path option")
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, domain.ConfigErrorf("csv source: %v", err)
		}
		return 0, domain.TransientError(err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	if d := src.Options["delimiter"]; d != "" {
		runes := []rune(d)
		if len(runes) != 1 {
			return 0, domain.ConfigErrorf("csv source: delimiter must be one character, got %q", d)
		}
		r.Comma = runes[0]
	}

	header, err := r.Read()
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, domain.TransientError(fmt.Errorf("read header: %w", err))
	}

	var total int64
	batch := make(Batch, 0, chunkSize)
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return total, domain.TransientError(fmt.Errorf("read record: %w", err))
		}

		row := make(Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = record[i]
			}
		}
		batch = append(batch, row)
		total++

		if len(batch) >= chunkSize {
			if err := emit(ctx, batch); err != nil {
				return total, err
			}
			batch = make(Batch, 0, chunkSize)
		}
	}

	if len(batch) > 0 {
		if err := emit(ctx, batch); err != nil {
			return total, err
		}
	}
	return total, nil
}

// JSONLSource reads rows from a file of newline-delimited JSON objects.
// Options: "path" (required).
type JSONLSource struct{}

func (s *JSONLSource) Extract(ctx context.Context, src domain.SourceConfig, chunkSize int, emit EmitFunc) (int64, error) {
	path := src.Options["path"]
	if path == "" {
		return 0, domain.ConfigErrorf("jsonl source: missing path option")
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, domain.ConfigErrorf("jsonl source: %v", err)
		}
		return 0, domain.TransientError(err)
	}
	defer f.Close()

	var total int64
	batch := make(Batch, 0, chunkSize)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		var row Row
		if err := json.Unmarshal(data, &row); err != nil {
			return total, domain.ConfigErrorf("jsonl source: line %d: %v", line, err)
		}
		batch = append(batch, row)
		total++

		if len(batch) >= chunkSize {
			if err := emit(ctx, batch); err != nil {
				return total, err
			}
			batch = make(Batch, 0, chunkSize)
		}
	}
	if err := scanner.Err(); err != nil {
		return total, domain.TransientError(err)
	}

	if len(batch) > 0 {
		if err := emit(ctx, batch); err != nil {
			return total, err
		}
	}
	return total, nil
}

// InlineSource reads rows embedded in the source config itself.
// Options: "rows" — a JSON array of objects. Useful for fixtures and
// small join lookup tables.
type InlineSource struct{}

func (s *InlineSource) Extract(ctx context.Context, src domain.SourceConfig, chunkSize int, emit EmitFunc) (int64, error) {
	raw := src.Options["rows"]
	if raw == "" {
		return 0, domain.ConfigErrorf("inline source: missing rows option")
	}

	var rows []Row
	if err := json.Unmarshal([]byte(raw), &rows); err != nil {
		return 0, domain.ConfigErrorf("inline source: %v", err)
	}

	var total int64
	for start := 0; start < len(rows); start += chunkSize {
		end := start + chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := Batch(rows[start:end])
		total += int64(len(batch))
		if err := emit(ctx, batch); err != nil {
			return total, err
		}
	}
	return total, nil
}
