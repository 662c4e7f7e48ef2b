// Package orchestrator drives a single execution attempt through the
// extract, transform and load phases, reporting progress and log events
// along the way. Status transitions and retries belong to the engine; the
// orchestrator only runs the pipeline.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jfourny/etlrun/internal/clock"
	"github.com/jfourny/etlrun/internal/domain"
	"github.com/jfourny/etlrun/internal/pipeline"
)

// Store is the slice of persistence the orchestrator needs mid-run.
type Store interface {
	UpdateExecution(ctx context.Context, exec domain.Execution) error
	AppendLog(ctx context.Context, entry domain.LogEntry) error
}

// Publisher delivers events to subscribers. Satisfied by *eventbus.Bus.
type Publisher interface {
	Publish(event domain.Event)
}

// PhaseWeights splits the 0-100 progress range across the three phases.
type PhaseWeights struct {
	Extract   int
	Transform int
	Load      int
}

// DefaultWeights reflects where a typical run spends its time.
var DefaultWeights = PhaseWeights{Extract: 40, Transform: 30, Load: 30}

const defaultChunkSize = 500

type Orchestrator struct {
	registry *pipeline.Registry
	store    Store
	bus      Publisher
	clock    clock.Clock
	logger   *log.Logger

	chunkSize int
	timeout   time.Duration
	weights   PhaseWeights
}

type Option func(*Orchestrator)

// WithChunkSize bounds the number of rows processed between cancellation
// checks and progress reports.
func WithChunkSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.chunkSize = n
		}
	}
}

// WithTimeout caps the wall-clock duration of one attempt. Zero disables
// the cap.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

func WithWeights(w PhaseWeights) Option {
	return func(o *Orchestrator) {
		if w.Extract+w.Transform+w.Load == 100 {
			o.weights = w
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func New(registry *pipeline.Registry, store Store, bus Publisher, clk clock.Clock, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:  registry,
		store:     store,
		bus:       bus,
		clock:     clk,
		logger:    log.New(os.Stdout, "orchestrator: ", log.LstdFlags),
		chunkSize: defaultChunkSize,
		weights:   DefaultWeights,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one attempt of job, mutating exec's progress, phase and row
// counters as it goes. It returns nil on success, ctx.Err() when cancelled
// from outside, and a classified error on failure. The caller owns the
// terminal status transition.
func (o *Orchestrator) Run(ctx context.Context, job domain.Job, exec *domain.Execution) error {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	run := &runState{o: o, exec: exec}
	err := o.run(ctx, run, job, exec)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(ctx.Err(), context.Canceled) {
			err = domain.TimeoutError(fmt.Errorf("execution exceeded %s", o.timeout))
		}
		if !errors.Is(err, context.Canceled) {
			run.log(ctx, domain.LogLevelError, "attempt %d failed: %v", exec.Attempt, err)
		}
	}
	return err
}

func (o *Orchestrator) run(ctx context.Context, run *runState, job domain.Job, exec *domain.Execution) error {
	transformer, err := pipeline.NewTransformer(job.Rules, o.lookup)
	if err != nil {
		return err
	}
	extractor, err := o.registry.Source(job.Source.Type)
	if err != nil {
		return err
	}
	loader, err := o.registry.Sink(job.Destination.Type)
	if err != nil {
		return err
	}

	run.log(ctx, domain.LogLevelInfo, "attempt %d: extracting from %s source", exec.Attempt, job.Source.Type)

	// Pipelines without dataset-level rules never need the full row set:
	// each extracted chunk flows straight through transform and load, so
	// peak memory stays at one chunk.
	if !transformer.HasDatasetRules() {
		return o.runStreaming(ctx, run, job, exec, extractor, transformer, loader)
	}

	// Extract. The total is unknown until the source is drained, so the
	// per-chunk fraction saturates toward 1 instead of jumping around.
	var rows pipeline.Batch
	chunks := 0
	_, err = extractor.Extract(ctx, job.Source, o.chunkSize, func(ctx context.Context, batch pipeline.Batch) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		rows = append(rows, batch...)
		exec.RowsExtracted += int64(len(batch))
		chunks++
		run.report(ctx, domain.PhaseExtract, float64(chunks)/float64(chunks+1))
		return nil
	})
	if err != nil {
		return err
	}
	run.report(ctx, domain.PhaseExtract, 1)
	run.log(ctx, domain.LogLevelInfo, "extracted %d rows", exec.RowsExtracted)

	if err := ctx.Err(); err != nil {
		return err
	}

	// Transform. Chunkwise rules run per chunk; dataset-level rules run
	// once over the accumulated output.
	out := make(pipeline.Batch, 0, len(rows))
	for start := 0; start < len(rows); start += o.chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + o.chunkSize
		if end > len(rows) {
			end = len(rows)
		}
		chunk, err := transformer.ApplyChunk(ctx, rows[start:end])
		if err != nil {
			return err
		}
		out = append(out, chunk...)
		run.report(ctx, domain.PhaseTransform, float64(end)/float64(len(rows)))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	out, err = transformer.ApplyDataset(ctx, out)
	if err != nil {
		return err
	}
	exec.RowsTransformed = int64(len(out))
	run.report(ctx, domain.PhaseTransform, 1)
	run.log(ctx, domain.LogLevelInfo, "transformed to %d rows", exec.RowsTransformed)

	if err := ctx.Err(); err != nil {
		return err
	}

	// Load. Writes are staged by the session; nothing becomes visible at
	// the destination until Commit, so an abort here leaves it untouched.
	session, err := loader.Begin(ctx, job.Destination)
	if err != nil {
		return err
	}
	for start := 0; start < len(out); start += o.chunkSize {
		if err := ctx.Err(); err != nil {
			session.Abort()
			return err
		}
		end := start + o.chunkSize
		if end > len(out) {
			end = len(out)
		}
		n, err := session.Write(ctx, out[start:end])
		if err != nil {
			session.Abort()
			return err
		}
		exec.RowsLoaded += n
		run.report(ctx, domain.PhaseLoad, float64(end)/float64(len(out)))
	}
	if err := session.Commit(ctx); err != nil {
		return err
	}

	run.report(ctx, domain.PhaseLoad, 1)
	run.log(ctx, domain.LogLevelInfo, "loaded %d rows to %s destination", exec.RowsLoaded, job.Destination.Type)
	return nil
}

// runStreaming pipes each extracted chunk through transform and into the
// load session without accumulating rows. Taken whenever no rule needs to
// see the whole dataset.
func (o *Orchestrator) runStreaming(ctx context.Context, run *runState, job domain.Job, exec *domain.Execution, extractor pipeline.Extractor, transformer *pipeline.Transformer, loader pipeline.Loader) error {
	session, err := loader.Begin(ctx, job.Destination)
	if err != nil {
		return err
	}

	chunks := 0
	_, err = extractor.Extract(ctx, job.Source, o.chunkSize, func(ctx context.Context, batch pipeline.Batch) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		exec.RowsExtracted += int64(len(batch))
		chunk, err := transformer.ApplyChunk(ctx, batch)
		if err != nil {
			return err
		}
		exec.RowsTransformed += int64(len(chunk))
		n, err := session.Write(ctx, chunk)
		if err != nil {
			return err
		}
		exec.RowsLoaded += n
		chunks++
		run.reportStream(ctx, float64(chunks)/float64(chunks+1))
		return nil
	})
	if err != nil {
		session.Abort()
		return err
	}
	if err := session.Commit(ctx); err != nil {
		return err
	}

	run.reportStream(ctx, 1)
	run.log(ctx, domain.LogLevelInfo, "extracted %d rows", exec.RowsExtracted)
	run.log(ctx, domain.LogLevelInfo, "transformed to %d rows", exec.RowsTransformed)
	run.log(ctx, domain.LogLevelInfo, "loaded %d rows to %s destination", exec.RowsLoaded, job.Destination.Type)
	return nil
}

// lookup drains a secondary source for join rules.
func (o *Orchestrator) lookup(ctx context.Context, src domain.SourceConfig) (pipeline.Batch, error) {
	extractor, err := o.registry.Source(src.Type)
	if err != nil {
		return nil, err
	}
	var rows pipeline.Batch
	_, err = extractor.Extract(ctx, src, o.chunkSize, func(_ context.Context, batch pipeline.Batch) error {
		rows = append(rows, batch...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// runState tracks per-attempt progress and log sequencing.
type runState struct {
	o      *Orchestrator
	exec   *domain.Execution
	logSeq uint64
}

// report pushes a progress update for one phase of a materialized run.
func (r *runState) report(ctx context.Context, phase string, fraction float64) {
	base, weight := r.phaseRange(phase)
	r.publish(ctx, phase, base+int(float64(weight)*clampFraction(fraction)))
}

// reportStream maps the saturating chunk fraction over the whole 0-100
// range: a streamed chunk has passed through every phase by report time.
func (r *runState) reportStream(ctx context.Context, fraction float64) {
	r.publish(ctx, domain.PhaseLoad, int(100*clampFraction(fraction)))
}

// publish persists and emits a progress update. Progress is monotone
// non-decreasing within an attempt: anything that would move it backwards
// is dropped.
func (r *runState) publish(ctx context.Context, phase string, pct int) {
	if pct > 100 {
		pct = 100
	}
	if pct < r.exec.Progress || (pct == r.exec.Progress && phase == r.exec.Phase) {
		return
	}
	r.exec.Progress = pct
	r.exec.Phase = phase

	if err := r.o.store.UpdateExecution(ctx, *r.exec); err != nil {
		r.o.logger.Printf("execution %s: progress update failed: %v", r.exec.ID, err)
	}
	r.o.bus.Publish(domain.Event{
		Kind:        domain.EventKindProgress,
		ExecutionID: r.exec.ID,
		Progress:    pct,
		Phase:       phase,
		Rows: domain.RowCounts{
			Extracted:   r.exec.RowsExtracted,
			Transformed: r.exec.RowsTransformed,
			Loaded:      r.exec.RowsLoaded,
		},
		Timestamp: r.o.clock.Now(),
	})
}

func clampFraction(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

func (r *runState) phaseRange(phase string) (base, weight int) {
	w := r.o.weights
	switch phase {
	case domain.PhaseExtract:
		return 0, w.Extract
	case domain.PhaseTransform:
		return w.Extract, w.Transform
	case domain.PhaseLoad:
		return w.Extract + w.Transform, w.Load
	}
	return 0, 0
}

// log appends an execution log entry and publishes it as an event.
// Best-effort: a failing store write is logged and the run continues.
func (r *runState) log(ctx context.Context, level domain.LogLevel, format string, args ...any) {
	r.logSeq++
	entry := domain.LogEntry{
		ExecutionID: r.exec.ID,
		Seq:         r.logSeq,
		Level:       level,
		Message:     fmt.Sprintf(format, args...),
		Timestamp:   r.o.clock.Now(),
	}
	if err := r.o.store.AppendLog(ctx, entry); err != nil {
		r.o.logger.Printf("execution %s: log append failed: %v", r.exec.ID, err)
	}
	r.o.bus.Publish(domain.Event{
		Kind:        domain.EventKindLog,
		ExecutionID: r.exec.ID,
		Log:         &entry,
		Timestamp:   entry.Timestamp,
	})
}
