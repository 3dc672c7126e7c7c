// Package sqlite is a local warehouse backend on modernc.org/sqlite.
//
// It exists for development and end-to-end tests: the report SQL runs
// unchanged apart from dialect hooks, and the geography functions it needs are
// registered as Go scalar functions (see geo.go). Project and dataset are
// ignored; a table reference is just its table name.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"portetl/internal/warehouse"
)

// Kind is the registry key for this backend.
const Kind = "sqlite"

func init() {
	if err := registerGeography(); err != nil {
		panic(err)
	}
	warehouse.Register(Kind, func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
		return Open(ctx, cfg)
	})
}

// Warehouse implements warehouse.Warehouse for SQLite.
type Warehouse struct {
	db *sql.DB
}

// Open opens cfg.DSN (a file path or "file:" URI) and verifies connectivity.
func Open(ctx context.Context, cfg warehouse.Config) (*Warehouse, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, warehouse.NewServiceError("open", fmt.Errorf("sqlite: dsn is required"))
	}
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, warehouse.NewServiceError("open", err)
	}
	// A single writer avoids SQLITE_BUSY between create and insert.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, warehouse.NewServiceError("open", err)
	}
	return &Warehouse{db: db}, nil
}

// DB exposes the underlying handle for seeding and inspection.
func (w *Warehouse) DB() *sql.DB { return w.db }

func (w *Warehouse) Close() error { return w.db.Close() }

func (w *Warehouse) Dialect() warehouse.Dialect { return dialect{} }

func (w *Warehouse) Query(ctx context.Context, query string, params []warehouse.Param) ([]warehouse.Row, error) {
	rows, err := w.db.QueryContext(ctx, query, warehouse.NamedArgs(params)...)
	if err != nil {
		return nil, warehouse.NewServiceError("query", err)
	}
	out, err := warehouse.ScanRows(rows)
	if err != nil {
		return nil, warehouse.NewServiceError("query", err)
	}
	return out, nil
}

func (w *Warehouse) CreateTable(ctx context.Context, ref warehouse.TableRef, schema warehouse.Schema) error {
	ddl, err := buildCreateTableSQL(ref.Table, schema)
	if err != nil {
		return &warehouse.TableCreationError{Table: ref, Err: err}
	}
	if _, err := w.db.ExecContext(ctx, ddl); err != nil {
		if w.isNameTaken(ctx, err, ref.Table) {
			return &warehouse.TableCreationError{Table: ref, Exists: true, Err: err}
		}
		return warehouse.NewServiceError("create_table", err)
	}
	return nil
}

// InsertRows writes all records in one multi-row INSERT. SQLite applies a
// statement atomically, so a rejected statement rejects every row.
func (w *Warehouse) InsertRows(ctx context.Context, ref warehouse.TableRef, schema warehouse.Schema, records []warehouse.Record) ([]warehouse.InsertionError, error) {
	if len(records) == 0 {
		return nil, nil
	}
	q, args, err := buildInsertSQL(ref.Table, schema, records)
	if err != nil {
		return nil, warehouse.NewServiceError("insert_rows", err)
	}
	if _, err := w.db.ExecContext(ctx, q, args...); err != nil {
		if isRowRejection(err) {
			return warehouse.RejectAll(len(records), err.Error()), nil
		}
		return nil, warehouse.NewServiceError("insert_rows", err)
	}
	return nil, nil
}

// isNameTaken reports whether a failed CREATE TABLE collided with an existing
// table or view. SQLite reports that as a plain SQLITE_ERROR, so the catalog
// confirms it.
func (w *Warehouse) isNameTaken(ctx context.Context, err error, table string) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) || se.Code()&0xff != sqlite3.SQLITE_ERROR {
		return false
	}
	q, args, qerr := sq.Select("COUNT(*)").
		From("sqlite_master").
		Where(sq.Eq{"type": []string{"table", "view"}, "name": table}).
		ToSql()
	if qerr != nil {
		return false
	}
	var n int
	if qerr := w.db.QueryRowContext(ctx, q, args...).Scan(&n); qerr != nil {
		return false
	}
	return n > 0
}

// isRowRejection reports whether err is about the data rather than the
// connection or the statement text.
func isRowRejection(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG, sqlite3.SQLITE_RANGE:
		return true
	}
	return false
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func sqlType(k warehouse.Kind) (string, error) {
	switch k {
	case warehouse.KindString:
		return "TEXT", nil
	case warehouse.KindFloat64:
		return "REAL", nil
	case warehouse.KindInt64, warehouse.KindBool:
		return "INTEGER", nil
	default:
		return "", fmt.Errorf("sqlite: unsupported column type %s", k)
	}
}

// buildCreateTableSQL renders a plain CREATE TABLE. There is no IF NOT EXISTS:
// an existing table must surface as an error.
func buildCreateTableSQL(table string, schema warehouse.Schema) (string, error) {
	if err := warehouse.ValidateTable(table); err != nil {
		return "", err
	}
	if err := schema.Validate(); err != nil {
		return "", err
	}

	parts := make([]string, 0, len(schema))
	for _, c := range schema {
		typ, err := sqlType(c.Type)
		if err != nil {
			return "", err
		}
		col := sqlIdent(c.Name) + " " + typ
		if !c.Nullable {
			col += " NOT NULL"
		}
		parts = append(parts, col)
	}
	return fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", sqlIdent(table), strings.Join(parts, ",\n  ")), nil
}

func buildInsertSQL(table string, schema warehouse.Schema, records []warehouse.Record) (string, []any, error) {
	if err := warehouse.ValidateTable(table); err != nil {
		return "", nil, err
	}
	cols := make([]string, len(schema))
	for i, c := range schema {
		cols[i] = sqlIdent(c.Name)
	}

	b := sq.Insert(sqlIdent(table)).Columns(cols...).PlaceholderFormat(sq.Question)
	for _, rec := range records {
		b = b.Values(schema.Values(rec)...)
	}
	return b.ToSql()
}

type dialect struct{}

func (dialect) Name() string { return Kind }

func (dialect) QuoteTable(ref warehouse.TableRef) (string, error) {
	if err := warehouse.ValidateTable(ref.Table); err != nil {
		return "", err
	}
	return warehouse.QuoteIdent(`"`, `"`, ref.Table)
}

func (dialect) Distance(param, geom string) string {
	return fmt.Sprintf("st_distance(st_geogfromtext(@%s), %s)", param, geom)
}

func (dialect) AsText(geom string) string { return "st_astext(" + geom + ")" }

func (dialect) IsTrue(column string) string { return column + " IS TRUE" }

func (dialect) UsesTop() bool { return false }

var _ warehouse.Warehouse = (*Warehouse)(nil)
