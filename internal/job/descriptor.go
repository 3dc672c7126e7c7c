package job

import (
	"fmt"
	"maps"
	"strings"

	"portetl/internal/warehouse"
)

// Cardinality is the number of rows a query step must return.
type Cardinality int

const (
	// Any accepts any number of rows, including none.
	Any Cardinality = iota
	// ExactlyOne requires exactly one row; anything else is an IntegrityViolation.
	ExactlyOne
)

func (c Cardinality) String() string {
	if c == ExactlyOne {
		return "exactly one"
	}
	return "any"
}

// Bindings maps parameter names (referenced as @name) to scalar values.
type Bindings map[string]warehouse.Value

// Clone returns an independent copy.
func (b Bindings) Clone() Bindings {
	out := make(Bindings, len(b))
	maps.Copy(out, b)
	return out
}

// QueryFunc renders a step's SQL for a dialect. input is the already-quoted
// input table; scalar values must only appear as @name references.
type QueryFunc func(d warehouse.Dialect, input string) (string, error)

// Step is one query of the extract phase.
type Step struct {
	Name   string
	Query  QueryFunc
	Params []string
	Expect Cardinality

	// Export copies columns of the single result row into bindings for later
	// steps (column -> binding name). Only valid with ExactlyOne.
	Export map[string]string
}

// Descriptor declares a report: its extract steps, output schema and an
// optional transform. The load scaffolding is shared by every descriptor.
type Descriptor struct {
	Name       string
	OutputBase string
	Args       Bindings
	Steps      []Step
	Schema     warehouse.Schema

	// Transform reshapes extracted records; nil means identity.
	Transform func([]warehouse.Record) []warehouse.Record
}

// Validate checks that the descriptor is runnable: it has a name, at least one
// step, a valid schema, and every step parameter is bound by Args or exported
// by an earlier step.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("job: descriptor has no name")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("job %s: descriptor has no steps", d.Name)
	}
	if err := d.Schema.Validate(); err != nil {
		return fmt.Errorf("job %s: %w", d.Name, err)
	}

	known := make(map[string]bool, len(d.Args))
	for k := range d.Args {
		known[k] = true
	}
	for i, s := range d.Steps {
		if s.Query == nil {
			return fmt.Errorf("job %s: step %d (%s) has no query", d.Name, i, s.Name)
		}
		for _, p := range s.Params {
			if !known[p] {
				return fmt.Errorf("job %s: step %s binds unknown parameter %q", d.Name, s.Name, p)
			}
		}
		if len(s.Export) > 0 && s.Expect != ExactlyOne {
			return fmt.Errorf("job %s: step %s exports columns but does not expect exactly one row", d.Name, s.Name)
		}
		for _, name := range s.Export {
			known[name] = true
		}
	}
	return nil
}
