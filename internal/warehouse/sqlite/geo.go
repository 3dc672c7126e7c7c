package sqlite

import (
	"database/sql/driver"
	"fmt"
	"math"
	"strconv"
	"strings"

	"modernc.org/sqlite"
)

// earthRadiusMeters is the IUGG mean Earth radius.
const earthRadiusMeters = 6371008.8

// registerGeography installs the subset of geography functions report queries
// use. Geographies are stored as WKT POINT text.
func registerGeography() error {
	fns := []struct {
		name  string
		nArgs int32
		fn    func(*sqlite.FunctionContext, []driver.Value) (driver.Value, error)
	}{
		{"st_geogfromtext", 1, geogFromText},
		{"st_astext", 1, geogFromText},
		{"st_distance", 2, distance},
	}
	for _, f := range fns {
		if err := sqlite.RegisterDeterministicScalarFunction(f.name, f.nArgs, f.fn); err != nil {
			return fmt.Errorf("register %s: %w", f.name, err)
		}
	}
	return nil
}

func geogFromText(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	s, ok := textArg(args[0])
	if !ok {
		return nil, nil
	}
	if _, _, err := parsePoint(s); err != nil {
		return nil, err
	}
	return s, nil
}

func distance(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	a, okA := textArg(args[0])
	b, okB := textArg(args[1])
	if !okA || !okB {
		return nil, nil
	}
	lng1, lat1, err := parsePoint(a)
	if err != nil {
		return nil, err
	}
	lng2, lat2, err := parsePoint(b)
	if err != nil {
		return nil, err
	}
	return haversine(lat1, lng1, lat2, lng2), nil
}

func textArg(v driver.Value) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	default:
		return "", false
	}
}

// parsePoint reads "POINT(x y)" (case-insensitive, free whitespace) and
// returns longitude, latitude.
func parsePoint(wkt string) (lng, lat float64, err error) {
	s := strings.TrimSpace(wkt)
	if len(s) < 5 || !strings.EqualFold(s[:5], "POINT") {
		return 0, 0, fmt.Errorf("st_geogfromtext: unsupported geography %q", wkt)
	}
	s = strings.TrimSpace(s[5:])
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return 0, 0, fmt.Errorf("st_geogfromtext: malformed point %q", wkt)
	}
	fields := strings.Fields(s[1 : len(s)-1])
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("st_geogfromtext: point %q needs exactly two coordinates", wkt)
	}
	if lng, err = strconv.ParseFloat(fields[0], 64); err != nil {
		return 0, 0, fmt.Errorf("st_geogfromtext: longitude: %w", err)
	}
	if lat, err = strconv.ParseFloat(fields[1], 64); err != nil {
		return 0, 0, fmt.Errorf("st_geogfromtext: latitude: %w", err)
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return 0, 0, fmt.Errorf("st_geogfromtext: point %q out of range", wkt)
	}
	return lng, lat, nil
}

// haversine returns the great-circle distance in meters.
func haversine(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}
