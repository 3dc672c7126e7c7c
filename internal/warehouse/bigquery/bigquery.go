// Package bigquery is the Google BigQuery warehouse backend.
//
// Authentication uses a service-account key file (Config.CredentialsFile).
// Queries run as standard SQL jobs with named @parameters; output tables are
// created synchronously and loaded through the streaming insert API.
package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"portetl/internal/warehouse"
)

// Kind is the registry key for this backend.
const Kind = "bigquery"

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

func init() {
	warehouse.Register(Kind, func(ctx context.Context, cfg warehouse.Config) (warehouse.Warehouse, error) {
		return Open(ctx, cfg)
	})
}

// api is the slice of the BigQuery client the backend needs. Tests substitute
// a fake to avoid real HTTP.
type api interface {
	query(ctx context.Context, sql string, params []bigquery.QueryParameter) (columns []string, rows [][]bigquery.Value, err error)
	createTable(ctx context.Context, ref warehouse.TableRef, md *bigquery.TableMetadata) error
	put(ctx context.Context, ref warehouse.TableRef, rows []*bigquery.ValuesSaver) error
	close() error
}

// Warehouse implements warehouse.Warehouse for BigQuery.
type Warehouse struct {
	api   api
	newID func() string
}

// Open builds a client for cfg.Project using cfg.CredentialsFile. An empty
// project falls back to detection from the credentials.
func Open(ctx context.Context, cfg warehouse.Config) (*Warehouse, error) {
	project := cfg.Project
	if project == "" {
		project = bigquery.DetectProjectID
	}

	opts := []option.ClientOption{option.WithScopes(cloudPlatformScope)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	c, err := bigquery.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, warehouse.NewServiceError("open", err)
	}
	if cfg.Location != "" {
		c.Location = cfg.Location
	}
	return &Warehouse{api: &client{c: c}, newID: uuid.NewString}, nil
}

func (w *Warehouse) Close() error { return w.api.close() }

func (w *Warehouse) Dialect() warehouse.Dialect { return dialect{} }

func (w *Warehouse) Query(ctx context.Context, sql string, params []warehouse.Param) ([]warehouse.Row, error) {
	cols, vals, err := w.api.query(ctx, sql, queryParameters(params))
	if err != nil {
		return nil, warehouse.NewServiceError("query", err)
	}
	out := make([]warehouse.Row, 0, len(vals))
	for _, v := range vals {
		row := make([]any, len(v))
		for i := range v {
			row[i] = v[i]
		}
		out = append(out, warehouse.NewRow(cols, row))
	}
	return out, nil
}

func (w *Warehouse) CreateTable(ctx context.Context, ref warehouse.TableRef, schema warehouse.Schema) error {
	if err := ref.Validate(); err != nil {
		return &warehouse.TableCreationError{Table: ref, Err: err}
	}
	bqSchema, err := toBigQuerySchema(schema)
	if err != nil {
		return &warehouse.TableCreationError{Table: ref, Err: err}
	}
	if err := w.api.createTable(ctx, ref, &bigquery.TableMetadata{Schema: bqSchema}); err != nil {
		return classifyCreateErr(ref, err)
	}
	return nil
}

func classifyCreateErr(ref warehouse.TableRef, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case http.StatusConflict:
			return &warehouse.TableCreationError{Table: ref, Exists: true, Err: err}
		case http.StatusForbidden:
			return &warehouse.TableCreationError{Table: ref, Denied: true, Err: err}
		}
	}
	return warehouse.NewServiceError("create_table", err)
}

// InsertRows streams all records in one request. Per-row failures come back
// as a PutMultiError and are reported, not returned as an error.
func (w *Warehouse) InsertRows(ctx context.Context, ref warehouse.TableRef, schema warehouse.Schema, records []warehouse.Record) ([]warehouse.InsertionError, error) {
	if len(records) == 0 {
		return nil, nil
	}
	bqSchema, err := toBigQuerySchema(schema)
	if err != nil {
		return nil, warehouse.NewServiceError("insert_rows", err)
	}

	savers := make([]*bigquery.ValuesSaver, len(records))
	for i, rec := range records {
		vals := schema.Values(rec)
		row := make([]bigquery.Value, len(vals))
		for j := range vals {
			row[j] = vals[j]
		}
		savers[i] = &bigquery.ValuesSaver{Schema: bqSchema, InsertID: w.newID(), Row: row}
	}

	err = w.api.put(ctx, ref, savers)
	if err == nil {
		return nil, nil
	}
	var multi bigquery.PutMultiError
	if errors.As(err, &multi) {
		return insertionErrors(multi), nil
	}
	return nil, warehouse.NewServiceError("insert_rows", err)
}

func insertionErrors(multi bigquery.PutMultiError) []warehouse.InsertionError {
	out := make([]warehouse.InsertionError, 0, len(multi))
	for _, rie := range multi {
		reasons := make([]string, 0, len(rie.Errors))
		for _, e := range rie.Errors {
			reasons = append(reasons, e.Error())
		}
		out = append(out, warehouse.InsertionError{RowIndex: rie.RowIndex, Reason: strings.Join(reasons, "; ")})
	}
	return out
}

func queryParameters(params []warehouse.Param) []bigquery.QueryParameter {
	if len(params) == 0 {
		return nil
	}
	out := make([]bigquery.QueryParameter, len(params))
	for i, p := range params {
		out[i] = bigquery.QueryParameter{Name: p.Name, Value: p.Value.Interface()}
	}
	return out
}

func toBigQuerySchema(s warehouse.Schema) (bigquery.Schema, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	out := make(bigquery.Schema, len(s))
	for i, c := range s {
		var ft bigquery.FieldType
		switch c.Type {
		case warehouse.KindString:
			ft = bigquery.StringFieldType
		case warehouse.KindFloat64:
			ft = bigquery.FloatFieldType
		case warehouse.KindInt64:
			ft = bigquery.IntegerFieldType
		case warehouse.KindBool:
			ft = bigquery.BooleanFieldType
		default:
			return nil, fmt.Errorf("bigquery: unsupported column type %s", c.Type)
		}
		out[i] = &bigquery.FieldSchema{Name: c.Name, Type: ft, Required: !c.Nullable}
	}
	return out, nil
}

// client adapts *bigquery.Client to api.
type client struct {
	c *bigquery.Client
}

func (c *client) query(ctx context.Context, sql string, params []bigquery.QueryParameter) ([]string, [][]bigquery.Value, error) {
	q := c.c.Query(sql)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, nil, err
	}

	var rows [][]bigquery.Value
	for {
		var row []bigquery.Value
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, row)
	}

	cols := make([]string, len(it.Schema))
	for i, f := range it.Schema {
		cols[i] = f.Name
	}
	return cols, rows, nil
}

func (c *client) createTable(ctx context.Context, ref warehouse.TableRef, md *bigquery.TableMetadata) error {
	return c.c.DatasetInProject(ref.Project, ref.Dataset).Table(ref.Table).Create(ctx, md)
}

func (c *client) put(ctx context.Context, ref warehouse.TableRef, rows []*bigquery.ValuesSaver) error {
	return c.c.DatasetInProject(ref.Project, ref.Dataset).Table(ref.Table).Inserter().Put(ctx, rows)
}

func (c *client) close() error { return c.c.Close() }

type dialect struct{}

func (dialect) Name() string { return Kind }

func (dialect) QuoteTable(ref warehouse.TableRef) (string, error) {
	if err := ref.Validate(); err != nil {
		return "", err
	}
	return warehouse.QuoteIdent("`", "`", ref.Project, ref.Dataset, ref.Table)
}

func (dialect) Distance(param, geom string) string {
	return fmt.Sprintf("ST_DISTANCE(ST_GEOGFROMTEXT(@%s), %s)", param, geom)
}

func (dialect) AsText(geom string) string { return "ST_ASTEXT(" + geom + ")" }

func (dialect) IsTrue(column string) string { return column + " IS TRUE" }

func (dialect) UsesTop() bool { return false }

var _ warehouse.Warehouse = (*Warehouse)(nil)
