package query

import (
	"reflect"

	"github.com/traitsync/traitsync/internal/core/entity"
)

// Predicate maps property names to required values. Only scalar values
// participate in matching; composite values cannot be compared against
// host properties and are treated as always-match so they never
// produce false negatives.
type Predicate map[string]any

// Reserved spec keys. They configure view construction and are never
// treated as property requirements.
const (
	KeyIdentifier = "identifier"
	KeyTags       = "tags"
)

var reservedKeys = map[string]struct{}{
	KeyIdentifier: {},
	KeyTags:       {},
}

// Matches reports whether the entity satisfies every scalar requirement
// in the predicate. A missing property fails the match; a property read
// that panics counts as missing, so entities outside the reader's
// schema cannot crash a query. An empty predicate always matches.
func Matches(e entity.Entity, p Predicate) bool {
	if e == nil {
		return false
	}
	for name, want := range p {
		if _, ok := reservedKeys[name]; ok {
			continue
		}
		if !isScalar(want) {
			continue
		}
		got, ok := readProperty(e, name)
		if !ok {
			return false
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// readProperty reads one property, treating panics as absence.
func readProperty(e entity.Entity, name string) (value any, ok bool) {
	defer func() {
		if recover() != nil {
			value, ok = nil, false
		}
	}()
	return e.Property(name)
}

// isScalar reports whether a required value can be compared for
// equality against a host property. Nil counts as non-scalar.
func isScalar(v any) bool {
	if v == nil {
		return false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	default:
		return false
	}
}

// valuesEqual compares a property value against a requirement,
// normalizing across numeric widths so an int property matches an
// int64 requirement.
func valuesEqual(got, want any) bool {
	if gn, ok := asFloat(got); ok {
		wn, wok := asFloat(want)
		return wok && gn == wn
	}
	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && g == w
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	}
	return reflect.DeepEqual(got, want)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
