package report

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portetl/internal/job"
	"portetl/internal/warehouse"
	"portetl/internal/warehouse/bigquery"
	"portetl/internal/warehouse/mssql"
	"portetl/internal/warehouse/postgres"
	"portetl/internal/warehouse/sqlite"
)

func ptr(f float64) *float64 { return &f }

// dialects returns each backend's dialect without opening a connection.
func dialects(t *testing.T) map[string]warehouse.Dialect {
	t.Helper()
	return map[string]warehouse.Dialect{
		bigquery.Kind: (&bigquery.Warehouse{}).Dialect(),
		postgres.Kind: (&postgres.Warehouse{}).Dialect(),
		mssql.Kind:    (&mssql.Warehouse{}).Dialect(),
		sqlite.Kind:   (&sqlite.Warehouse{}).Dialect(),
	}
}

func buildAll(t *testing.T, d job.Descriptor, dialect warehouse.Dialect, input string) []string {
	t.Helper()
	out := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		q, err := s.Query(dialect, input)
		require.NoError(t, err)
		out[i] = q
	}
	return out
}

func TestLookupAndNames(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"cargo-countries", "distress-call", "nearest-ports"}, Names())
	r, ok := Lookup("nearest-ports")
	require.True(t, ok)
	assert.Equal(t, []string{ArgPortName}, r.Requires)
	_, ok = Lookup("nope")
	assert.False(t, ok)
}

func TestNormalizePortName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "JURONG ISLAND", NormalizePortName("  jurong island\t"))
	// decomposed input composes before upper-casing
	assert.Equal(t, "PORT-\u00c9TIENNE", NormalizePortName("port-e\u0301tienne"))
	assert.Equal(t, "", NormalizePortName("   "))
}

func TestNearestPorts_BigQuerySQL(t *testing.T) {
	t.Parallel()

	d, err := mustReport(t, "nearest-ports").Descriptor(Args{PortName: "jurong island"})
	require.NoError(t, err)
	assert.Equal(t, warehouse.String("JURONG ISLAND"), d.Args["port_name"])

	qs := buildAll(t, d, dialects(t)[bigquery.Kind], "`p`.`ds`.`world_port_index`")
	assert.Equal(t, "SELECT index_number, ST_ASTEXT(port_geom) AS port_geom FROM `p`.`ds`.`world_port_index` WHERE port_name = @port_name", qs[0])
	assert.Equal(t, "SELECT port_name, ST_DISTANCE(ST_GEOGFROMTEXT(@point), port_geom) AS distance_in_meters FROM `p`.`ds`.`world_port_index` WHERE index_number <> @index_number ORDER BY distance_in_meters ASC LIMIT 5", qs[1])
	assert.NotContains(t, strings.Join(qs, " "), "JURONG")
}

func TestCargoCountries_SQLPerDialect(t *testing.T) {
	t.Parallel()

	d, err := mustReport(t, "cargo-countries").Descriptor(Args{})
	require.NoError(t, err)

	for kind, dialect := range dialects(t) {
		qs := buildAll(t, d, dialect, "T")
		require.Len(t, qs, 1, kind)
		q := qs[0]
		assert.Contains(t, q, "FROM (SELECT country, COUNT(*) AS port_count FROM T WHERE "+dialect.IsTrue("cargo_wharf")+" GROUP BY country) AS group_by_country", kind)
		assert.Contains(t, q, "ORDER BY port_count DESC", kind)
		if dialect.UsesTop() {
			assert.True(t, strings.HasPrefix(q, "SELECT TOP 10 country, port_count"), q)
			assert.NotContains(t, q, "LIMIT")
		} else {
			assert.True(t, strings.HasSuffix(q, "LIMIT 10"), q)
		}
	}
}

func TestDistressCall_PointAndFilters(t *testing.T) {
	t.Parallel()

	d, err := mustReport(t, "distress-call").Descriptor(Args{Latitude: ptr(32.610982), Longitude: ptr(-38.706256)})
	require.NoError(t, err)
	assert.Equal(t, warehouse.String("POINT(-38.706256 32.610982)"), d.Args["point"])

	qs := buildAll(t, d, dialects(t)[mssql.Kind], "[dbo].[world_port_index]")
	q := qs[0]
	assert.True(t, strings.HasPrefix(q, "SELECT TOP 20 country, port_name, port_latitude, port_longitude, geography::STGeomFromText(@point, 4326).STDistance(port_geom) AS distance_in_meters"), q)
	for _, col := range []string{"provisions", "water", "fuel_oil", "diesel"} {
		assert.Contains(t, q, col+" = 1")
	}
	assert.NotContains(t, q, "32.61")
}

func TestDescriptors_ArgumentErrors(t *testing.T) {
	t.Parallel()

	_, err := mustReport(t, "nearest-ports").Descriptor(Args{PortName: "  "})
	assert.Error(t, err)

	_, err = mustReport(t, "distress-call").Descriptor(Args{Latitude: ptr(1)})
	assert.Error(t, err)

	_, err = mustReport(t, "distress-call").Descriptor(Args{Latitude: ptr(91), Longitude: ptr(0)})
	assert.ErrorContains(t, err, "latitude")

	_, err = mustReport(t, "distress-call").Descriptor(Args{Latitude: ptr(0), Longitude: ptr(-181)})
	assert.ErrorContains(t, err, "longitude")
}

func TestDescriptors_Validate(t *testing.T) {
	t.Parallel()

	args := Args{PortName: "x", Latitude: ptr(0), Longitude: ptr(0)}
	for _, name := range Names() {
		d, err := mustReport(t, name).Descriptor(args)
		require.NoError(t, err)
		assert.NoError(t, d.Validate(), name)
		assert.Equal(t, mustReport(t, name).OutputBase, d.OutputBase)
	}
}

func mustReport(t *testing.T, name string) Report {
	t.Helper()
	r, ok := Lookup(name)
	require.True(t, ok, name)
	return r
}

// ---- executed against a real SQLite warehouse ----

func seedPorts(t *testing.T, w *sqlite.Warehouse) {
	t.Helper()
	ctx := context.Background()
	_, err := w.DB().ExecContext(ctx, `CREATE TABLE world_port_index (
		index_number TEXT, port_name TEXT, country TEXT,
		port_latitude REAL, port_longitude REAL, port_geom TEXT,
		cargo_wharf INTEGER, provisions INTEGER, water INTEGER, fuel_oil INTEGER, diesel INTEGER)`)
	require.NoError(t, err)

	ports := []struct {
		idx, name, country string
		lat, lng           float64
		cargo, fully       bool
	}{
		{"1", "JURONG ISLAND", "SG", 1.26, 103.70, true, true},
		{"2", "SINGAPORE", "SG", 1.28, 103.85, true, true},
		{"3", "PASIR GUDANG", "MY", 1.46, 103.90, true, false},
		{"4", "TANJUNG PELEPAS", "MY", 1.36, 103.55, false, true},
		{"5", "BATAM", "ID", 1.13, 104.05, true, true},
		{"6", "SEMBAWANG", "SG", 1.46, 103.83, true, false},
		{"7", "PONTA DELGADA", "PT", 37.73, -25.66, false, true},
	}
	for _, p := range ports {
		_, err := w.DB().ExecContext(ctx,
			`INSERT INTO world_port_index VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.idx, p.name, p.country, p.lat, p.lng, warehouse.PointWKT(p.lat, p.lng),
			p.cargo, p.fully, p.fully, p.fully, p.fully)
		require.NoError(t, err)
	}
}

func runOnSQLite(t *testing.T, name string, args Args) ([]warehouse.Record, *sqlite.Warehouse) {
	t.Helper()
	w, err := sqlite.Open(context.Background(), warehouse.Config{Kind: sqlite.Kind, DSN: filepath.Join(t.TempDir(), "wpi.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	seedPorts(t, w)

	d, err := mustReport(t, name).Descriptor(args)
	require.NoError(t, err)
	j, err := job.New(d, w, warehouse.TableRef{Table: "world_port_index"}, warehouse.TableRef{}, job.Options{
		Clock: func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)

	res, err := j.Execute(context.Background())
	require.NoError(t, err)
	return res.Rows, w
}

func TestSQLite_NearestPorts(t *testing.T) {
	t.Parallel()

	rows, w := runOnSQLite(t, "nearest-ports", Args{PortName: "Jurong Island"})
	require.Len(t, rows, 5)
	assert.Equal(t, "SINGAPORE", rows[0]["port_name"])
	for i := 1; i < len(rows); i++ {
		assert.LessOrEqual(t, rows[i-1]["distance_in_meters"], rows[i]["distance_in_meters"])
		assert.NotEqual(t, "JURONG ISLAND", rows[i]["port_name"])
	}

	got, err := w.Query(context.Background(), `SELECT COUNT(*) AS n FROM "nearest_ports_20240101_000000"`, nil)
	require.NoError(t, err)
	n, _ := got[0].Get("n")
	assert.Equal(t, int64(5), n)
}

func TestSQLite_CargoCountries(t *testing.T) {
	t.Parallel()

	rows, _ := runOnSQLite(t, "cargo-countries", Args{})
	require.Len(t, rows, 3)
	assert.Equal(t, warehouse.Record{"country": "SG", "port_count": int64(3)}, rows[0])
}

func TestSQLite_DistressCall(t *testing.T) {
	t.Parallel()

	rows, _ := runOnSQLite(t, "distress-call", Args{Latitude: ptr(32.610982), Longitude: ptr(-38.706256)})
	require.Len(t, rows, 5)
	assert.Equal(t, "PONTA DELGADA", rows[0]["port_name"])
	assert.Equal(t, "PT", rows[0]["country"])
	assert.Equal(t, 37.73, rows[0]["port_latitude"])
}

func TestSQLite_UnknownPortIsIntegrityViolation(t *testing.T) {
	t.Parallel()

	w, err := sqlite.Open(context.Background(), warehouse.Config{Kind: sqlite.Kind, DSN: filepath.Join(t.TempDir(), "wpi.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	seedPorts(t, w)

	d, err := mustReport(t, "nearest-ports").Descriptor(Args{PortName: "ATLANTIS"})
	require.NoError(t, err)
	j, err := job.New(d, w, warehouse.TableRef{Table: "world_port_index"}, warehouse.TableRef{}, job.Options{})
	require.NoError(t, err)

	_, err = j.Execute(context.Background())
	var iv *job.IntegrityViolation
	require.ErrorAs(t, err, &iv)
	assert.Equal(t, 0, iv.Got)
}
