// Package warehouse defines the boundary between ETL jobs and the analytical
// warehouse they read from and write to.
//
// The package owns the vocabulary shared by jobs and backends: table
// references, column schemas, bound scalar parameters, result rows and the
// error taxonomy. Backends live in sub-packages and register themselves under a
// kind (e.g. "bigquery", "postgres") from an init() function.
package warehouse

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config is the minimal configuration needed to open a warehouse backend.
//
// Edge cases:
//   - Kind must match a registered backend kind.
//   - CredentialsFile is used by cloud backends (BigQuery); DSN by SQL backends.
//     Validation of either is backend-specific.
type Config struct {
	Kind            string
	Project         string
	Dataset         string
	CredentialsFile string
	DSN             string
	Location        string
}

// Executor runs a SQL text with bound parameters and returns its rows in order.
//
// Errors are returned as *ServiceError. Executors never retry.
type Executor interface {
	Query(ctx context.Context, sql string, params []Param) ([]Row, error)
}

// Provisioner creates output tables.
type Provisioner interface {
	// CreateTable issues a synchronous create request. It fails with
	// *TableCreationError when the table exists or the caller lacks permission.
	CreateTable(ctx context.Context, ref TableRef, schema Schema) error
}

// Loader batch-inserts records into an existing table.
type Loader interface {
	// InsertRows performs a single batch insert. The returned slice lists the
	// rejected rows and is empty on full success. A non-nil error means the
	// request itself failed (*ServiceError).
	InsertRows(ctx context.Context, ref TableRef, schema Schema, rows []Record) ([]InsertionError, error)
}

// Dialect captures the SQL differences between backends that report queries
// care about.
type Dialect interface {
	// Name is the backend kind, e.g. "bigquery".
	Name() string

	// QuoteTable validates ref and renders it as a delimited identifier that is
	// safe to interpolate into SQL text.
	QuoteTable(ref TableRef) (string, error)

	// Distance renders the geodesic distance in meters between the WKT point
	// bound as param and the geography column geom.
	Distance(param, geom string) string

	// AsText renders a geography column as WKT text.
	AsText(geom string) string

	// IsTrue renders a predicate matching rows where the boolean column is true.
	IsTrue(column string) string

	// UsesTop reports whether row limits are expressed as SELECT TOP n rather
	// than LIMIT n.
	UsesTop() bool
}

// Warehouse is a full backend: it can query, provision and load.
type Warehouse interface {
	Executor
	Provisioner
	Loader

	Dialect() Dialect

	// Close releases backend resources. Call once.
	Close() error
}

// Factory opens a Warehouse for cfg.
type Factory func(ctx context.Context, cfg Config) (Warehouse, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register registers a backend under kind.
//
// When to use:
//   - Call Register from an init() function in a backend package.
//
// Panics:
//   - If kind is empty, f is nil, or kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("warehouse: Register called with empty kind")
	}
	if f == nil {
		panic("warehouse: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("warehouse: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs a Warehouse using the registered factory for cfg.Kind.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Warehouse, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("warehouse: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported warehouse kind=%s (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds returns the registered backend kinds in sorted order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
