// Package pipeline defines the step capability contracts the orchestrator
// drives (extract, transform, load) and the built-in source/sink plugins.
package pipeline

import (
	"context"

	"github.com/jfourny/etlrun/internal/domain"
)

// Row is one record. Values are strings as read from the source until a
// cast rule converts them.
type Row map[string]any

// Batch is a bounded chunk of rows, the unit of progress reporting and
// cancellation checks.
type Batch []Row

// EmitFunc receives one extracted batch. Returning an error aborts the
// extract (used for cancellation).
type EmitFunc func(ctx context.Context, batch Batch) error

// Extractor reads rows from a source in batches of at most chunkSize,
// calling emit for each. Returns the total row count.
type Extractor interface {
	Extract(ctx context.Context, src domain.SourceConfig, chunkSize int, emit EmitFunc) (int64, error)
}

// Loader opens a load session against a destination. Partial output of an
// aborted session must not become visible: sessions stage writes and only
// publish on Commit, which is what makes retries safe.
type Loader interface {
	Begin(ctx context.Context, dest domain.DestConfig) (LoadSession, error)
}

type LoadSession interface {
	// Write stages one batch and returns the number of rows staged.
	Write(ctx context.Context, batch Batch) (int64, error)

	// Commit publishes staged rows according to the destination's
	// if-exists policy.
	Commit(ctx context.Context) error

	// Abort discards staged rows.
	Abort() error
}

// Registry maps source and destination type names to plugins.
type Registry struct {
	sources map[string]Extractor
	sinks   map[string]Loader
}

func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]Extractor),
		sinks:   make(map[string]Loader),
	}
}

// NewDefaultRegistry returns a registry with the built-in plugins:
// csv, jsonl and inline sources; csv, jsonl and discard sinks.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterSource("csv", &CSVSource{})
	r.RegisterSource("jsonl", &JSONLSource{})
	r.RegisterSource("inline", &InlineSource{})
	r.RegisterSink("csv", &CSVSink{})
	r.RegisterSink("jsonl", &JSONLSink{})
	r.RegisterSink("discard", &DiscardSink{})
	return r
}

func (r *Registry) RegisterSource(typ string, e Extractor) {
	r.sources[typ] = e
}

func (r *Registry) RegisterSink(typ string, l Loader) {
	r.sinks[typ] = l
}

// Source returns the extractor for typ, or a config error for unknown types.
func (r *Registry) Source(typ string) (Extractor, error) {
	e, ok := r.sources[typ]
	if !ok {
		return nil, domain.ConfigErrorf("unknown source type %q", typ)
	}
	return e, nil
}

// Sink returns the loader for typ, or a config error for unknown types.
func (r *Registry) Sink(typ string) (Loader, error) {
	l, ok := r.sinks[typ]
	if !ok {
		return nil, domain.ConfigErrorf("unknown destination type %q", typ)
	}
	return l, nil
}
