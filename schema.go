package kdbview

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/qri-io/jsonschema"
	"github.com/valyala/fastjson"
	"golang.org/x/exp/slices"
)

// CellType is the declared type of a column.
type CellType string

const (
	TypeString    CellType = "string"
	TypeNumber    CellType = "number"
	TypeBoolean   CellType = "boolean"
	TypeDate      CellType = "date"
	TypeDateTime  CellType = "datetime"
	TypeTimeOfDay CellType = "timeofday"
	TypeObject    CellType = "object"
	TypeArray     CellType = "array"
)

var validTypes = []CellType{TypeString, TypeNumber, TypeBoolean, TypeDate, TypeDateTime, TypeTimeOfDay, TypeObject, TypeArray}

// ColumnType is a column's type and display width.
type ColumnType struct {
	Type  CellType
	Width int
}

var builtInColumns = map[string]ColumnType{
	"year":         {TypeNumber, 1},
	"month":        {TypeNumber, 1},
	"country":      {TypeString, 2},
	"city":         {TypeString, 2},
	"state":        {TypeString, 2},
	"address":      {TypeString, 4},
	"count":        {TypeNumber, 1},
	"sum":          {TypeNumber, 1},
	"average":      {TypeNumber, 1},
	"keyword":      {TypeString, 1},
	"index":        {TypeNumber, 1},
	"values":       {TypeObject, 2},
	"row total":    {TypeNumber, 1},
	"column total": {TypeNumber, 1},
	"view":         {TypeString, 1},
	"summary":      {TypeObject, 8},
}

// Formatter renders a cell value for display.
type Formatter func(value interface{}) string

// Schema is a view's column layout as declared by its design document.
// It is shared read-only by every row of a session.
type Schema struct {
	Columns    []string
	Keys       []string
	SortColumn string
	Formats    map[string]Formatter

	types map[string]ColumnType
}

// NewSchema returns a schema with the built-in column types.
func NewSchema() *Schema {
	s := &Schema{types: make(map[string]ColumnType, len(builtInColumns))}
	for k, v := range builtInColumns {
		s.types[k] = v
	}
	return s
}

// SetColumnType declares the type of a column.
func (s *Schema) SetColumnType(name string, t CellType, width int) error {
	if !slices.Contains(validTypes, t) {
		return fmt.Errorf("%s: %w", fmt.Sprintf("invalid type %q for column %q", t, name), ErrInvalidSchema)
	}
	if width <= 0 {
		width = 2
	}
	s.types[name] = ColumnType{Type: t, Width: width}
	return nil
}

// HasType reports whether the column has a declared type.
func (s *Schema) HasType(name string) bool {
	_, ok := s.types[name]
	return ok
}

// Type returns the declared type of a column, string when undeclared.
func (s *Schema) Type(name string) CellType {
	if t, ok := s.types[name]; ok {
		return t.Type
	}
	return TypeString
}

// Width returns the declared display width of a column, 1 when undeclared.
func (s *Schema) Width(name string) int {
	if t, ok := s.types[name]; ok {
		return t.Width
	}
	return 1
}

// Cell is a typed, display-ready value.
type Cell struct {
	Name   string
	Value  interface{}
	Type   CellType
	Format string
}

// Cell builds the display cell for value under the column's type.
// Formatted, array and object cells become strings.
func (s *Schema) Cell(name string, value interface{}) Cell {
	c := Cell{Name: name, Value: value, Type: s.Type(name)}

	if f, ok := s.Formats[name]; ok && f != nil && value != nil {
		c.Type = TypeString
		c.Format = f(value)
		if items, ok := value.([]interface{}); ok {
			c.Value = joinItems(items)
		}
		return c
	}

	switch c.Type {
	case TypeArray:
		if items, ok := value.([]interface{}); ok {
			c.Value = joinItems(items)
		} else if value == nil {
			c.Value = ""
		} else {
			c.Value = fmt.Sprint(value)
		}
		c.Type = TypeString
	case TypeObject:
		c.Value = ""
		if value != nil {
			if data, err := json.Marshal(value); err == nil {
				c.Value = string(data)
			}
		}
		c.Type = TypeString
	default:
		c.Value = coerce(c.Type, value)
	}
	return c
}

func joinItems(items []interface{}) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = stringify(item)
	}
	return strings.Join(parts, ",")
}

// stringify renders scalars the way they appear in JSON, without quotes.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case []interface{}, map[string]interface{}:
		data, _ := json.Marshal(t)
		return string(data)
	}
	return fmt.Sprint(v)
}

// coerce converts v to the Go representation of t. Values that do not
// convert are returned unchanged.
func coerce(t CellType, v interface{}) interface{} {
	switch t {
	case TypeString:
		return stringify(v)
	case TypeNumber:
		if n, ok := toNumber(v); ok {
			return n
		}
	case TypeBoolean:
		if b, ok := toBool(v); ok {
			return b
		}
	case TypeDate, TypeDateTime:
		if parts, ok := dateParts(v); ok {
			return partsTime(parts)
		}
	}
	return v
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return math.NaN(), false
}

func toBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(b)
		return parsed, err == nil
	case float64:
		return b != 0, true
	}
	return false, false
}

// dateParts reads [year, month, day, hour, minute, second] from an array
// of numbers, a bare year number or a date string. Only the parts present
// are returned.
func dateParts(v interface{}) ([]int, bool) {
	switch d := v.(type) {
	case []int:
		return d, len(d) > 0
	case []interface{}:
		parts := make([]int, 0, len(d))
		for _, item := range d {
			n, ok := toNumber(item)
			if !ok {
				return nil, false
			}
			parts = append(parts, int(n))
		}
		return parts, len(parts) > 0
	case float64:
		return []int{int(d)}, true
	case int:
		return []int{d}, true
	case time.Time:
		return []int{d.Year(), int(d.Month()), d.Day(), d.Hour(), d.Minute(), d.Second()}, true
	case string:
		if t, err := time.Parse(time.RFC3339, d); err == nil {
			return dateParts(t)
		}
		fields := strings.FieldsFunc(d, func(r rune) bool { return r == '-' || r == '/' || r == ' ' })
		parts := make([]int, 0, len(fields))
		for _, f := range fields {
			n, err := strconv.Atoi(f)
			if err != nil {
				return nil, false
			}
			parts = append(parts, n)
		}
		return parts, len(parts) > 0
	}
	return nil, false
}

func partsTime(parts []int) time.Time {
	p := [6]int{0, 1, 1, 0, 0, 0}
	copy(p[:], parts)
	return time.Date(p[0], time.Month(p[1]), p[2], p[3], p[4], p[5], 0, time.UTC)
}

// designHeaderSchema validates the header and types a design document
// declares for a view.
var designHeaderSchema = []byte(`{
	"type": "object",
	"properties": {
		"header": {
			"type": "object",
			"properties": {
				"columns": {"type": "array", "items": {"type": ["string", "number"]}},
				"keys": {"type": "array", "items": {"type": ["string", "number"]}},
				"sortColumn": {"type": "string"}
			}
		},
		"types": {
			"type": "object",
			"additionalProperties": {
				"type": "array",
				"minItems": 1,
				"items": [
					{"enum": ["string", "number", "boolean", "date", "datetime", "timeofday", "object", "array"]},
					{"type": "integer"}
				]
			}
		}
	}
}`)

// ParseSchema builds the schema of view from a design document body. A
// design without a header for view yields a schema with no columns.
func ParseSchema(ctx context.Context, design []byte, view string) (*Schema, error) {
	var decl []byte
	err := parseJSON(design, func(v *fastjson.Value) error {
		var a fastjson.Arena
		o := a.NewObject()
		if h := v.Get("views", view, "header"); h != nil {
			o.Set("header", h)
		}
		if t := v.Get("types"); t != nil {
			o.Set("types", t)
		}
		decl = o.MarshalTo(nil)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err, ErrInvalidSchema)
	}

	rs := &jsonschema.Schema{}
	if err := json.Unmarshal(designHeaderSchema, rs); err != nil {
		return nil, err
	}
	keyErrs, err := rs.ValidateBytes(ctx, decl)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err, ErrInvalidSchema)
	}
	if len(keyErrs) > 0 {
		var msgs []string
		for _, e := range keyErrs {
			msgs = append(msgs, e.PropertyPath+" "+e.Message)
		}
		return nil, fmt.Errorf("%s: %w", strings.Join(msgs, "; "), ErrInvalidSchema)
	}

	var parsed struct {
		Header struct {
			Columns    []interface{} `json:"columns"`
			Keys       []interface{} `json:"keys"`
			SortColumn string        `json:"sortColumn"`
		} `json:"header"`
		Types map[string][]interface{} `json:"types"`
	}
	if err := json.Unmarshal(decl, &parsed); err != nil {
		return nil, fmt.Errorf("%s: %w", err, ErrInvalidSchema)
	}

	s := NewSchema()
	for _, c := range parsed.Header.Columns {
		s.Columns = append(s.Columns, stringify(c))
	}
	for _, k := range parsed.Header.Keys {
		s.Keys = append(s.Keys, stringify(k))
	}
	s.SortColumn = parsed.Header.SortColumn
	for name, decl := range parsed.Types {
		t, _ := decl[0].(string)
		width := 2
		if len(decl) > 1 {
			if w, ok := decl[1].(float64); ok {
				width = int(w)
			}
		}
		if err := s.SetColumnType(name, CellType(t), width); err != nil {
			return nil, err
		}
	}
	return s, nil
}
