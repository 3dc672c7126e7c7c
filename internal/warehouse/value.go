package warehouse

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is the declared type of a scalar parameter or column.
type Kind int

const (
	KindInvalid Kind = iota
	KindString
	KindFloat64
	KindInt64
	KindBool
)

// String returns the warehouse type name (BigQuery standard SQL spelling).
func (k Kind) String() string {
	switch k {
	case KindString:
		return "STRING"
	case KindFloat64:
		return "FLOAT64"
	case KindInt64:
		return "INT64"
	case KindBool:
		return "BOOL"
	default:
		return "INVALID"
	}
}

// Value is a tagged union of the scalar types a query parameter may carry.
// The zero Value is invalid.
type Value struct {
	kind Kind
	s    string
	f    float64
	i    int64
	b    bool
}

func String(v string) Value   { return Value{kind: KindString, s: v} }
func Float64(v float64) Value { return Value{kind: KindFloat64, f: v} }
func Int64(v int64) Value     { return Value{kind: KindInt64, i: v} }
func Bool(v bool) Value       { return Value{kind: KindBool, b: v} }

// Kind returns the declared type.
func (v Value) Kind() Kind { return v.kind }

// Interface returns the Go value for driver binding: string, float64, int64 or
// bool. Invalid values return nil.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.s
	case KindFloat64:
		return v.f
	case KindInt64:
		return v.i
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%v)", v.kind, v.Interface())
}

// ValueOf converts a value read from a result row into a Value.
//
// Errors:
//   - Returns an error for nil and for types with no scalar mapping.
func ValueOf(x any) (Value, error) {
	switch t := Normalize(x).(type) {
	case string:
		return String(t), nil
	case float64:
		return Float64(t), nil
	case int64:
		return Int64(t), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Value{}, fmt.Errorf("warehouse: cannot bind NULL as a scalar parameter")
	default:
		return Value{}, fmt.Errorf("warehouse: unsupported parameter type %T", x)
	}
}

// Param pairs a placeholder name (referenced as @name in SQL text) with a value.
type Param struct {
	Name  string
	Value Value
}

// Bind returns a Param for name.
func Bind(name string, v Value) Param { return Param{Name: name, Value: v} }

// PointWKT renders a latitude/longitude pair as a well-known-text point.
// WKT orders coordinates as (x y), i.e. longitude first.
func PointWKT(lat, lng float64) string {
	var b strings.Builder
	b.WriteString("POINT(")
	b.WriteString(strconv.FormatFloat(lng, 'f', -1, 64))
	b.WriteString(" ")
	b.WriteString(strconv.FormatFloat(lat, 'f', -1, 64))
	b.WriteString(")")
	return b.String()
}

// Normalize converts driver-specific scalar representations to the canonical
// set used in Records: string, float64, int64, bool or nil.
//
// Backends must not assume a particular underlying type; this keeps shaped
// rows consistent across drivers (e.g. SQLite TEXT scanned as []byte).
func Normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case string, float64, int64, bool:
		return t
	case []byte:
		return string(t)
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case float32:
		return float64(t)
	case fmt.Stringer:
		return t.String()
	default:
		return v
	}
}
