// Package job runs report descriptors through a fixed extract, transform, load
// lifecycle against a warehouse.
//
// A Job is built once from a Descriptor, an input table and an output base
// table. Every Execute starts an independent Run with its own ID and its own
// timestamped output table. Runs never retry and never roll back: a table
// created before an insert failure is left in place.
package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"portetl/internal/metrics"
	"portetl/internal/warehouse"
)

// Warehouse is everything a job needs from a backend.
type Warehouse interface {
	warehouse.Executor
	warehouse.Provisioner
	warehouse.Loader
	Dialect() warehouse.Dialect
}

// Options tunes a Job. The zero value is usable.
type Options struct {
	// Clock supplies the run start time used for the output table name.
	// Defaults to time.Now.
	Clock func() time.Time

	// Logger receives stage logs. Nil discards.
	Logger *slog.Logger

	// SkipLoad ends runs after transform without touching the output table.
	SkipLoad bool

	// NewRunID defaults to uuid.NewString.
	NewRunID func() string
}

// Job is a configured report. It is not safe for concurrent Execute calls.
type Job struct {
	desc   Descriptor
	wh     Warehouse
	input  warehouse.TableRef
	output warehouse.TableRef
	opts   Options
	log    *slog.Logger
}

// New validates its inputs and returns a Job. output.Table is the base name;
// each Run appends its own timestamp suffix.
//
// Errors:
//   - invalid descriptor, nil warehouse, or table references the warehouse
//     dialect refuses to quote.
func New(desc Descriptor, wh Warehouse, input, output warehouse.TableRef, opts Options) (*Job, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if wh == nil {
		return nil, fmt.Errorf("job %s: warehouse is required", desc.Name)
	}
	if output.Table == "" {
		output.Table = desc.OutputBase
	}

	d := wh.Dialect()
	if _, err := d.QuoteTable(input); err != nil {
		return nil, fmt.Errorf("job %s: input table: %w", desc.Name, err)
	}
	probe := output.WithTable(warehouse.OutputName(output.Table, time.Time{}))
	if _, err := d.QuoteTable(probe); err != nil {
		return nil, fmt.Errorf("job %s: output table: %w", desc.Name, err)
	}

	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Job{
		desc:   desc,
		wh:     wh,
		input:  input,
		output: output,
		opts:   opts,
		log:    log.With("job", desc.Name),
	}, nil
}

// Name returns the descriptor name.
func (j *Job) Name() string { return j.desc.Name }

// Result summarizes a finished Run.
type Result struct {
	RunID    string
	Job      string
	Output   warehouse.TableRef
	State    State
	Rows     []warehouse.Record
	Started  time.Time
	Finished time.Time
}

// Execute runs extract, transform and load in order.
//
// On failure the returned Result is in StateFailed and the error is wrapped
// with the failing stage ("extract: ...", "load: ..."); errors.As still
// reaches the typed error underneath.
func (j *Job) Execute(ctx context.Context) (*Result, error) {
	r := j.Start()

	recs, err := r.Extract(ctx)
	if err == nil {
		recs, err = r.Transform(recs)
	}
	if err == nil && !j.opts.SkipLoad {
		err = r.Load(ctx, recs)
	}
	if err == nil && j.opts.SkipLoad {
		err = r.complete()
	}

	res := r.Result()
	if err != nil {
		metrics.RecordRun(j.desc.Name, string(StateFailed))
		return res, err
	}
	metrics.RecordRun(j.desc.Name, string(StateCompleted))
	return res, nil
}

// Start begins a new Run. The output table name is derived here, once.
func (j *Job) Start() *Run {
	started := j.opts.Clock()
	id := j.opts.NewRunID()
	out := j.output.WithTable(warehouse.OutputName(j.output.Table, started))
	return &Run{
		job:      j,
		ID:       id,
		Output:   out,
		Started:  started,
		state:    StateConstructed,
		bindings: j.desc.Args.Clone(),
		log:      j.log.With("run_id", id),
	}
}
