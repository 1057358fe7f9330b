package ingestion

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Unparsed carries the original text of a numeric field that failed to
// parse. It is stored as text where the backend allows it and counted so the
// loss is visible.
type Unparsed string

func (u Unparsed) String() string { return string(u) }

func cleanNumber(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "%")
	return strings.TrimSpace(s)
}

// ParseInt parses s as an integer, tolerating surrounding space and a
// trailing percent sign. Integral decimals such as "12.0" are accepted.
// Anything else comes back as Unparsed.
func ParseInt(s string) any {
	c := cleanNumber(s)
	if n, err := strconv.ParseInt(c, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(c, 64); err == nil && f == math.Trunc(f) {
		if n, ok := toInt64(f); ok {
			return n
		}
	}
	return Unparsed(s)
}

// toInt64 rounds f to the nearest integer, failing when the result does not
// fit in an int64.
func toInt64(f float64) (int64, bool) {
	r := math.Round(f)
	if math.IsNaN(r) || r < math.MinInt64 || r >= -math.MinInt64 {
		return 0, false
	}
	return int64(r), true
}

// ParseFloat parses s as a float with the same leniency as ParseInt.
func ParseFloat(s string) any {
	c := cleanNumber(s)
	if f, err := strconv.ParseFloat(c, 64); err == nil {
		return f
	}
	return Unparsed(s)
}

// IntValue coerces a decoded JSON value to int64, rounding JSON numbers with
// a fraction. Strings go through ParseInt. nil stays nil so absent fields
// remain absent.
func IntValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		if n, ok := toInt64(x); ok {
			return n
		}
		return Unparsed(strconv.FormatFloat(x, 'g', -1, 64))
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n
		}
		if f, err := x.Float64(); err == nil {
			if n, ok := toInt64(f); ok {
				return n
			}
		}
		return Unparsed(x.String())
	case string:
		return ParseInt(x)
	default:
		return Unparsed(fmt.Sprint(x))
	}
}

// FloatValue coerces a decoded JSON value to float64.
func FloatValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case float64:
		return x
	case int64:
		return float64(x)
	case int:
		return float64(x)
	case json.Number:
		return ParseFloat(x.String())
	case string:
		return ParseFloat(x)
	default:
		return Unparsed(fmt.Sprint(x))
	}
}

// StringValue renders a decoded JSON scalar as text. nil stays nil.
func StringValue(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
