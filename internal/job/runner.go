package job

import (
	"context"
	"fmt"

	"portetl/internal/warehouse"
)

// RunConfig is the resolved configuration for one report invocation.
type RunConfig struct {
	Warehouse warehouse.Config
	Input     warehouse.TableRef
	Output    warehouse.TableRef // Table is the base name; empty uses the descriptor default
	Options   Options
}

// Runner opens a warehouse, executes one descriptor and closes the warehouse.
type Runner struct {
	// Open is the backend factory seam. Defaults to warehouse.Open.
	Open func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error)
}

// NewDefaultRunner returns a Runner backed by the warehouse registry. Callers
// must import the backends they need (see internal/warehouse/all).
func NewDefaultRunner() *Runner {
	return &Runner{Open: warehouse.Open}
}

// Run executes desc once. The Result is non-nil whenever the job was built,
// including failed runs.
func (r *Runner) Run(ctx context.Context, cfg RunConfig, desc Descriptor) (_ *Result, err error) {
	open := r.Open
	if open == nil {
		open = warehouse.Open
	}

	wh, err := open(ctx, cfg.Warehouse)
	if err != nil {
		return nil, fmt.Errorf("open warehouse %s: %w", cfg.Warehouse.Kind, err)
	}
	defer func() {
		if cerr := wh.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close warehouse: %w", cerr)
		}
	}()

	j, err := New(desc, wh, cfg.Input, cfg.Output, cfg.Options)
	if err != nil {
		return nil, err
	}
	return j.Execute(ctx)
}
