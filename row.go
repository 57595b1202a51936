package kdbview

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/text/cases"
)

// Row is one entry of a view response.
type Row struct {
	ID     string
	Key    interface{}
	RawKey Key
	Value  interface{}
	Doc    json.RawMessage
	Error  string

	once    sync.Once
	columns map[string]interface{}
}

// KeyParts returns the key as a list; a scalar key is a list of one.
func (r *Row) KeyParts() []interface{} {
	if parts, ok := r.Key.([]interface{}); ok {
		return parts
	}
	return []interface{}{r.Key}
}

// KeyAt returns the i-th key part, nil when the key is shorter.
func (r *Row) KeyAt(i int) interface{} {
	parts := r.KeyParts()
	if i < 0 || i >= len(parts) {
		return nil
	}
	return parts[i]
}

// Columns returns the values of the schema's columns for the row. Key
// columns are taken from the key by position, the rest from the value
// object by name, or from the value itself when it is not an object.
// The result is computed once.
func (r *Row) Columns(schema *Schema) map[string]interface{} {
	r.once.Do(func() {
		r.columns = make(map[string]interface{}, len(schema.Columns)+len(schema.Keys))
		for i, name := range schema.Keys {
			if v := r.KeyAt(i); v != nil {
				r.columns[name] = v
			}
		}
		obj, isObj := r.Value.(map[string]interface{})
		for _, name := range schema.Columns {
			if slices.Contains(schema.Keys, name) {
				continue
			}
			if isObj {
				if v, ok := obj[name]; ok {
					r.columns[name] = v
				}
			} else if r.Value != nil {
				r.columns[name] = r.Value
			}
		}
	})
	return r.columns
}

// Select returns the value of a column. Names outside the schema fall
// back to the value object's fields and to id, key and value.
func (r *Row) Select(schema *Schema, name string) interface{} {
	if v, ok := r.Columns(schema)[name]; ok {
		return v
	}
	if obj, ok := r.Value.(map[string]interface{}); ok {
		if v, ok := obj[name]; ok {
			return v
		}
	}
	switch name {
	case "id":
		return r.ID
	case "key":
		return r.Key
	case "value":
		return r.Value
	}
	return nil
}

// FilterFunc is a custom predicate over a row's key and value.
type FilterFunc func(key []interface{}, value interface{}) bool

// Filter is a conjunction: every column must match. A column maps to the
// wanted value or to a FilterFunc. Date columns also take a DateRange.
type Filter map[string]interface{}

// DateRange matches dates from Start to End inclusive. A nil End leaves
// the range open.
type DateRange struct {
	Start interface{}
	End   interface{}
}

// Match reports whether the row satisfies any of the filters.
func (r *Row) Match(schema *Schema, filters ...Filter) (bool, error) {
	for _, f := range filters {
		ok, err := r.matchAll(schema, f)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (r *Row) matchAll(schema *Schema, f Filter) (bool, error) {
	names := maps.Keys(f)
	slices.Sort(names)
	for _, name := range names {
		ok, err := r.matchColumn(schema, name, f[name])
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func (r *Row) matchColumn(schema *Schema, name string, want interface{}) (bool, error) {
	if fn, ok := want.(FilterFunc); ok {
		return fn(r.KeyParts(), r.Value), nil
	}
	if fn, ok := want.(func([]interface{}, interface{}) bool); ok {
		return fn(r.KeyParts(), r.Value), nil
	}

	got := r.Select(schema, name)
	switch t := schema.Type(name); t {
	case TypeString:
		return looseEqual(want, got), nil
	case TypeNumber:
		a, aok := toNumber(want)
		b, bok := toNumber(got)
		return aok && bok && a == b, nil
	case TypeBoolean:
		a, aok := toBool(want)
		b, bok := toBool(got)
		return aok && bok && a == b, nil
	case TypeArray, TypeObject:
		return contains(got, want), nil
	case TypeDate:
		return matchDate(want, got), nil
	default:
		return false, unsupportedType(name, t)
	}
}

// checkFilters rejects filters on columns whose type has no comparison.
func checkFilters(schema *Schema, filters []Filter) error {
	for _, f := range filters {
		for name, want := range f {
			switch want.(type) {
			case FilterFunc, func([]interface{}, interface{}) bool:
				continue
			}
			switch t := schema.Type(name); t {
			case TypeString, TypeNumber, TypeBoolean, TypeArray, TypeObject, TypeDate:
			default:
				return unsupportedType(name, t)
			}
		}
	}
	return nil
}

var fold = cases.Fold()

// looseEqual compares strings case-insensitively and numbers by value.
func looseEqual(a, b interface{}) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return fold.String(as) == fold.String(bs)
	}
	if an, ok := a.(float64); ok {
		if bn, ok := toNumber(b); ok {
			return an == bn
		}
	}
	if bn, ok := b.(float64); ok {
		if an, ok := toNumber(a); ok {
			return an == bn
		}
	}
	if aok || bok {
		return fmt.Sprint(a) == fmt.Sprint(b)
	}
	return reflect.DeepEqual(a, b)
}

// contains reports whether want is an element of got. A list of wanted
// values must all be present. Objects are searched by value.
func contains(got, want interface{}) bool {
	if items, ok := want.([]interface{}); ok {
		for _, item := range items {
			if !contains(got, item) {
				return false
			}
		}
		return len(items) > 0
	}
	switch g := got.(type) {
	case []interface{}:
		return slices.IndexFunc(g, func(item interface{}) bool { return looseEqual(want, item) }) >= 0
	case map[string]interface{}:
		for _, item := range g {
			if looseEqual(want, item) {
				return true
			}
		}
		return false
	}
	return looseEqual(want, got)
}

// matchDate compares a row date with a point (year, [y, m], [y, m, d],
// "yyyy-mm-dd") or a {start, end} range. The precision of the wanted
// value decides how much of the row date is compared. A range without an
// end is open.
func matchDate(want, got interface{}) bool {
	row, ok := dateParts(got)
	if !ok {
		return false
	}
	if m, ok := want.(map[string]interface{}); ok {
		want = DateRange{Start: m["start"], End: m["end"]}
	}
	if rng, ok := want.(DateRange); ok {
		start, ok := dateParts(rng.Start)
		if !ok {
			return false
		}
		if compareParts(row, start) < 0 {
			return false
		}
		if rng.End != nil {
			end, ok := dateParts(rng.End)
			if !ok {
				return false
			}
			return compareParts(row, end) <= 0
		}
		return true
	}
	point, ok := dateParts(want)
	if !ok {
		return false
	}
	return compareParts(row, point) == 0
}

// compareParts compares row with want over want's precision.
func compareParts(row, want []int) int {
	for i, w := range want {
		if i >= len(row) {
			return -1
		}
		switch {
		case row[i] < w:
			return -1
		case row[i] > w:
			return 1
		}
	}
	return 0
}
