package job

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"portetl/internal/metrics"
	"portetl/internal/warehouse"
)

// Run is one execution of a Job. Its output table reference is fixed when the
// Run starts and never recomputed.
type Run struct {
	job *Job

	ID      string
	Output  warehouse.TableRef
	Started time.Time

	state    State
	finished time.Time
	bindings Bindings
	rows     []warehouse.Record
	log      *slog.Logger
}

// State returns the current lifecycle state.
func (r *Run) State() State { return r.state }

// Result snapshots the Run.
func (r *Run) Result() *Result {
	return &Result{
		RunID:    r.ID,
		Job:      r.job.desc.Name,
		Output:   r.Output,
		State:    r.state,
		Rows:     r.rows,
		Started:  r.Started,
		Finished: r.finished,
	}
}

func (r *Run) move(to State) error {
	if !r.state.canMove(to) {
		return &ErrTransition{From: r.state, To: to}
	}
	r.state = to
	if to.Terminal() {
		r.finished = r.job.opts.Clock()
	}
	return nil
}

// fail moves the Run to StateFailed, logs once and wraps err with stage.
func (r *Run) fail(stage string, err error) error {
	if !r.state.Terminal() {
		r.state = StateFailed
		r.finished = r.job.opts.Clock()
	}
	r.log.Error("stage failed", "stage", stage, "err", err)
	return fmt.Errorf("%s: %w", stage, err)
}

func (r *Run) complete() error {
	if err := r.move(StateCompleted); err != nil {
		return err
	}
	r.log.Info("run completed", "output", r.Output.String(), "rows", len(r.rows))
	return nil
}

// Extract runs every descriptor step in order and returns the last step's
// rows shaped by the output schema.
func (r *Run) Extract(ctx context.Context) ([]warehouse.Record, error) {
	if err := r.move(StateExtracting); err != nil {
		return nil, err
	}
	start := time.Now()

	recs, err := r.extract(ctx)
	metrics.RecordStep("extract", err, time.Since(start))
	if err != nil {
		return nil, r.fail("extract", err)
	}

	metrics.RecordRecords("extracted", len(recs))
	r.rows = recs
	r.log.Info("stage ok", "stage", "extract", "rows", len(recs), "duration", durMS(start))
	return recs, nil
}

func (r *Run) extract(ctx context.Context) ([]warehouse.Record, error) {
	d := r.job.wh.Dialect()
	input, err := d.QuoteTable(r.job.input)
	if err != nil {
		return nil, err
	}

	var rows []warehouse.Row
	for _, step := range r.job.desc.Steps {
		rows, err = r.runStep(ctx, d, input, step)
		if err != nil {
			return nil, err
		}
	}

	schema := r.job.desc.Schema
	out := make([]warehouse.Record, 0, len(rows))
	for i, row := range rows {
		rec, err := schema.Shape(row)
		if err != nil {
			return nil, fmt.Errorf("shape row %d: %w", i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *Run) runStep(ctx context.Context, d warehouse.Dialect, input string, step Step) ([]warehouse.Row, error) {
	q, err := step.Query(d, input)
	if err != nil {
		return nil, fmt.Errorf("step %s: build query: %w", step.Name, err)
	}

	params := make([]warehouse.Param, 0, len(step.Params))
	for _, name := range step.Params {
		v, ok := r.bindings[name]
		if !ok {
			return nil, fmt.Errorf("step %s: parameter %q is not bound", step.Name, name)
		}
		params = append(params, warehouse.Bind(name, v))
	}

	start := time.Now()
	rows, err := r.job.wh.Query(ctx, q, params)
	if err != nil {
		return nil, err
	}
	r.log.Debug("step ok", "step", step.Name, "rows", len(rows), "duration", durMS(start))

	if step.Expect == ExactlyOne && len(rows) != 1 {
		return nil, &IntegrityViolation{Step: step.Name, Want: ExactlyOne, Got: len(rows)}
	}
	for col, name := range step.Export {
		raw, ok := rows[0].Get(col)
		if !ok {
			return nil, fmt.Errorf("step %s: result has no column %q", step.Name, col)
		}
		v, err := warehouse.ValueOf(raw)
		if err != nil {
			return nil, fmt.Errorf("step %s: export %s: %w", step.Name, col, err)
		}
		r.bindings[name] = v
	}
	return rows, nil
}

// Transform applies the descriptor's transform, or returns recs unchanged.
func (r *Run) Transform(recs []warehouse.Record) ([]warehouse.Record, error) {
	if err := r.move(StateTransforming); err != nil {
		return nil, err
	}
	start := time.Now()

	if fn := r.job.desc.Transform; fn != nil {
		recs = fn(recs)
	}
	metrics.RecordStep("transform", nil, time.Since(start))
	r.rows = recs
	r.log.Info("stage ok", "stage", "transform", "rows", len(recs), "duration", durMS(start))
	return recs, nil
}

// Load provisions the Run's output table and inserts recs in one batch.
//
// Records whose keys differ from the schema columns fail the load before any
// table is created. Rejected rows surface as *warehouse.RowInsertionError;
// the table is not dropped.
func (r *Run) Load(ctx context.Context, recs []warehouse.Record) error {
	if err := r.move(StateLoading); err != nil {
		return err
	}
	start := time.Now()

	err := r.load(ctx, recs)
	metrics.RecordStep("load", err, time.Since(start))
	if err != nil {
		return r.fail("load", err)
	}

	metrics.RecordRecords("loaded", len(recs))
	r.log.Info("stage ok", "stage", "load", "rows", len(recs), "table", r.Output.String(), "duration", durMS(start))
	return r.complete()
}

func (r *Run) load(ctx context.Context, recs []warehouse.Record) error {
	schema := r.job.desc.Schema
	var mismatched []warehouse.InsertionError
	for i, rec := range recs {
		if ok, reason := schema.Conforms(rec); !ok {
			mismatched = append(mismatched, warehouse.InsertionError{RowIndex: i, Reason: reason})
		}
	}
	if len(mismatched) > 0 {
		return &warehouse.RowInsertionError{Table: r.Output, Total: len(recs), Rejected: mismatched}
	}

	if err := r.job.wh.CreateTable(ctx, r.Output, schema); err != nil {
		return err
	}
	r.log.Info("stage ok", "stage", "ddl", "table", r.Output.String())

	rejected, err := r.job.wh.InsertRows(ctx, r.Output, schema, recs)
	metrics.RecordBatch()
	if err != nil {
		return err
	}
	if len(rejected) > 0 {
		return &warehouse.RowInsertionError{Table: r.Output, Total: len(recs), Rejected: rejected}
	}
	return nil
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
