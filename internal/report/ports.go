package report

import (
	"fmt"
	"math"

	sq "github.com/Masterminds/squirrel"

	"portetl/internal/job"
	"portetl/internal/warehouse"
)

const (
	nearestPortsLimit   = 5
	cargoCountriesLimit = 10
	distressCallLimit   = 20
)

func init() {
	register(Report{
		Name:        "nearest-ports",
		Description: "ports nearest to a named port, excluding the port itself",
		OutputBase:  "nearest_ports",
		Requires:    []string{ArgPortName},
		build:       nearestPorts,
	})
	register(Report{
		Name:        "cargo-countries",
		Description: "countries ranked by number of ports with a cargo wharf",
		OutputBase:  "cargo_wharf_countries",
		build:       cargoCountries,
	})
	register(Report{
		Name:        "distress-call",
		Description: "fully provisioned ports nearest to a latitude/longitude",
		OutputBase:  "distress_call_ports",
		Requires:    []string{ArgLatitude, ArgLongitude},
		build:       distressCall,
	})
}

func nearestPorts(args Args) (job.Descriptor, error) {
	name := NormalizePortName(args.PortName)
	if name == "" {
		return job.Descriptor{}, fmt.Errorf("nearest-ports: %s is required", ArgPortName)
	}

	lookup := job.Step{
		Name: "lookup_port",
		Query: func(d warehouse.Dialect, input string) (string, error) {
			return toSQL(sq.Select("index_number", d.AsText("port_geom")+" AS port_geom").
				From(input).
				Where("port_name = @port_name"))
		},
		Params: []string{"port_name"},
		Expect: job.ExactlyOne,
		Export: map[string]string{"index_number": "index_number", "port_geom": "point"},
	}

	nearest := job.Step{
		Name: "nearest_ports",
		Query: func(d warehouse.Dialect, input string) (string, error) {
			b := sq.Select("port_name", d.Distance("point", "port_geom")+" AS distance_in_meters").
				From(input).
				Where("index_number <> @index_number").
				OrderBy("distance_in_meters ASC")
			return toSQL(limit(d, b, nearestPortsLimit))
		},
		Params: []string{"index_number", "point"},
	}

	return job.Descriptor{
		Name:       "nearest-ports",
		OutputBase: "nearest_ports",
		Args:       job.Bindings{"port_name": warehouse.String(name)},
		Steps:      []job.Step{lookup, nearest},
		Schema: warehouse.Schema{
			{Name: "port_name", Type: warehouse.KindString},
			{Name: "distance_in_meters", Type: warehouse.KindFloat64},
		},
	}, nil
}

func cargoCountries(Args) (job.Descriptor, error) {
	count := job.Step{
		Name: "count_cargo_wharf_ports",
		Query: func(d warehouse.Dialect, input string) (string, error) {
			byCountry := sq.Select("country", "COUNT(*) AS port_count").
				From(input).
				Where(d.IsTrue("cargo_wharf")).
				GroupBy("country")
			b := sq.Select("country", "port_count").
				FromSelect(byCountry, "group_by_country").
				OrderBy("port_count DESC")
			return toSQL(limit(d, b, cargoCountriesLimit))
		},
	}

	return job.Descriptor{
		Name:       "cargo-countries",
		OutputBase: "cargo_wharf_countries",
		Steps:      []job.Step{count},
		Schema: warehouse.Schema{
			{Name: "country", Type: warehouse.KindString},
			{Name: "port_count", Type: warehouse.KindInt64},
		},
	}, nil
}

func distressCall(args Args) (job.Descriptor, error) {
	if args.Latitude == nil || args.Longitude == nil {
		return job.Descriptor{}, fmt.Errorf("distress-call: %s and %s are required", ArgLatitude, ArgLongitude)
	}
	lat, lng := *args.Latitude, *args.Longitude
	if err := CheckCoordinates(lat, lng); err != nil {
		return job.Descriptor{}, fmt.Errorf("distress-call: %w", err)
	}

	nearest := job.Step{
		Name: "nearest_provisioned_ports",
		Query: func(d warehouse.Dialect, input string) (string, error) {
			b := sq.Select(
				"country",
				"port_name",
				"port_latitude",
				"port_longitude",
				d.Distance("point", "port_geom")+" AS distance_in_meters",
			).
				From(input).
				Where(d.IsTrue("provisions")).
				Where(d.IsTrue("water")).
				Where(d.IsTrue("fuel_oil")).
				Where(d.IsTrue("diesel")).
				OrderBy("distance_in_meters ASC")
			return toSQL(limit(d, b, distressCallLimit))
		},
		Params: []string{"point"},
	}

	return job.Descriptor{
		Name:       "distress-call",
		OutputBase: "distress_call_ports",
		Args:       job.Bindings{"point": warehouse.String(warehouse.PointWKT(lat, lng))},
		Steps:      []job.Step{nearest},
		Schema: warehouse.Schema{
			{Name: "country", Type: warehouse.KindString},
			{Name: "port_name", Type: warehouse.KindString},
			{Name: "port_latitude", Type: warehouse.KindFloat64},
			{Name: "port_longitude", Type: warehouse.KindFloat64},
			{Name: "distance_in_meters", Type: warehouse.KindFloat64},
		},
	}, nil
}

// CheckCoordinates rejects non-finite or out-of-range WGS84 coordinates.
func CheckCoordinates(lat, lng float64) error {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return fmt.Errorf("coordinates must be finite")
	}
	if lat < -90 || lat > 90 {
		return fmt.Errorf("latitude %v out of range [-90, 90]", lat)
	}
	if lng < -180 || lng > 180 {
		return fmt.Errorf("longitude %v out of range [-180, 180]", lng)
	}
	return nil
}
