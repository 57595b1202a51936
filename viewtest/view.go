package viewtest

import (
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/exp/slices"
)

// Emit records one key/value pair for the document being mapped.
type Emit func(key, value interface{})

// MapFunc indexes one document. doc includes _id and _rev.
type MapFunc func(doc map[string]interface{}, emit Emit)

// Built-in reduce functions.
const (
	ReduceCount = "_count"
	ReduceSum   = "_sum"
	ReduceStats = "_stats"
)

// ViewDef defines a view. Reduce is empty for map-only views.
type ViewDef struct {
	Map    MapFunc
	Reduce string
}

type indexRow struct {
	ID    string
	Key   interface{}
	Value interface{}
	Doc   *Document
}

// view is the materialized index of a ViewDef, rebuilt when the database
// sequence moves.
type view struct {
	def      ViewDef
	builtSeq int
	built    bool
	rows     []indexRow
}

// normalize gives emitted values their JSON shape so that collation only
// deals with nil, bool, float64, string, []interface{} and
// map[string]interface{}.
func normalize(v interface{}) (interface{}, error) {
	switch v.(type) {
	case nil, bool, float64, string:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	err = json.Unmarshal(data, &out)
	return out, err
}

// build maps every live document and sorts the result by key, then id.
func (v *view) build(seq int, each func(fn func(doc *Document) error) error) error {
	var rows []indexRow
	err := each(func(doc *Document) error {
		if strings.HasPrefix(doc.ID, "_design/") {
			return nil
		}
		var body map[string]interface{}
		if err := json.Unmarshal(doc.JSON(), &body); err != nil {
			return err
		}
		var emitErr error
		v.def.Map(body, func(key, value interface{}) {
			k, err := normalize(key)
			if err != nil {
				emitErr = err
				return
			}
			val, err := normalize(value)
			if err != nil {
				emitErr = err
				return
			}
			rows = append(rows, indexRow{ID: doc.ID, Key: k, Value: val, Doc: doc})
		})
		return emitErr
	})
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrInternalError)
	}

	c := newCollator()
	slices.SortStableFunc(rows, func(a, b indexRow) bool {
		if r := c.Compare(a.Key, b.Key); r != 0 {
			return r < 0
		}
		return a.ID < b.ID
	})
	v.rows = rows
	v.builtSeq = seq
	v.built = true
	return nil
}

// viewQuery holds the parsed view request parameters.
type viewQuery struct {
	key          interface{}
	startKey     interface{}
	endKey       interface{}
	hasKey       bool
	hasStart     bool
	hasEnd       bool
	keys         []interface{}
	hasKeys      bool
	startDocID   string
	endDocID     string
	limit        int
	skip         int
	descending   bool
	includeDocs  bool
	inclusiveEnd bool
	reduce       *bool
	group        bool
	groupLevel   int
}

func queryParseError(format string, a ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, a...), ErrQueryParse)
}

func jsonParam(values url.Values, names ...string) (interface{}, bool, error) {
	for _, name := range names {
		raw, ok := values[name]
		if !ok || len(raw) == 0 {
			continue
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw[0]), &v); err != nil {
			return nil, false, queryParseError("Invalid value for JSON parameter `%s`", name)
		}
		return v, true, nil
	}
	return nil, false, nil
}

func boolParam(values url.Values, name string, def bool) (bool, error) {
	raw := values.Get(name)
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, queryParseError("Invalid boolean parameter `%s`", name)
	}
	return b, nil
}

func intParam(values url.Values, name string, def int) (int, error) {
	raw := values.Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, queryParseError("Invalid value for integer parameter `%s`", name)
	}
	return n, nil
}

func parseViewQuery(values url.Values) (*viewQuery, error) {
	q := &viewQuery{limit: -1, groupLevel: -1}
	var err error

	if q.key, q.hasKey, err = jsonParam(values, "key"); err != nil {
		return nil, err
	}
	if q.startKey, q.hasStart, err = jsonParam(values, "startkey", "start_key"); err != nil {
		return nil, err
	}
	if q.endKey, q.hasEnd, err = jsonParam(values, "endkey", "end_key"); err != nil {
		return nil, err
	}
	keys, hasKeys, err := jsonParam(values, "keys")
	if err != nil {
		return nil, err
	}
	if hasKeys {
		list, ok := keys.([]interface{})
		if !ok {
			return nil, queryParseError("`keys` must be an array")
		}
		q.keys, q.hasKeys = list, true
	}
	q.startDocID = values.Get("startkey_docid")
	if q.startDocID == "" {
		q.startDocID = values.Get("start_key_doc_id")
	}
	q.endDocID = values.Get("endkey_docid")
	if q.endDocID == "" {
		q.endDocID = values.Get("end_key_doc_id")
	}

	if q.limit, err = intParam(values, "limit", -1); err != nil {
		return nil, err
	}
	if q.skip, err = intParam(values, "skip", 0); err != nil {
		return nil, err
	}
	if q.groupLevel, err = intParam(values, "group_level", -1); err != nil {
		return nil, err
	}
	if q.descending, err = boolParam(values, "descending", false); err != nil {
		return nil, err
	}
	if q.includeDocs, err = boolParam(values, "include_docs", false); err != nil {
		return nil, err
	}
	if q.inclusiveEnd, err = boolParam(values, "inclusive_end", true); err != nil {
		return nil, err
	}
	if q.group, err = boolParam(values, "group", false); err != nil {
		return nil, err
	}
	if values.Get("reduce") != "" {
		r, err := boolParam(values, "reduce", true)
		if err != nil {
			return nil, err
		}
		q.reduce = &r
	}

	if q.hasKey {
		q.startKey, q.endKey = q.key, q.key
		q.hasStart, q.hasEnd = true, true
	}
	return q, nil
}

type resultRow struct {
	ID    string          `json:"id,omitempty"`
	Key   interface{}     `json:"key"`
	Value interface{}     `json:"value"`
	Doc   json.RawMessage `json:"doc,omitempty"`
}

type viewResult struct {
	TotalRows *int        `json:"total_rows,omitempty"`
	Offset    *int        `json:"offset,omitempty"`
	Rows      []resultRow `json:"rows"`
}

// selectRows answers q against index, sorted ascending by key then id.
// keyCompare orders keys.
func selectRows(index []indexRow, q *viewQuery, reduceFn string, keyCompare func(a, b interface{}) int) (*viewResult, error) {
	reduce := reduceFn != ""
	if q.reduce != nil {
		if *q.reduce && reduceFn == "" {
			return nil, queryParseError("Reduce is invalid for map-only views.")
		}
		reduce = *q.reduce && reduceFn != ""
	}
	if !reduce && (q.group || q.groupLevel >= 0) && reduceFn == "" {
		return nil, queryParseError("Invalid use of grouping on a map view.")
	}
	if reduce && q.includeDocs {
		return nil, queryParseError("`include_docs` is invalid for reduce")
	}

	ordered := index
	if q.descending {
		ordered = slices.Clone(index)
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}
	dir := 1
	if q.descending {
		dir = -1
	}

	afterStart := func(r indexRow) bool {
		if !q.hasStart {
			return true
		}
		if c := dir * keyCompare(r.Key, q.startKey); c != 0 {
			return c > 0
		}
		if q.startDocID != "" {
			return dir*rawCompare(r.ID, q.startDocID) >= 0
		}
		return true
	}
	beforeEnd := func(r indexRow) bool {
		if !q.hasEnd {
			return true
		}
		if c := dir * keyCompare(r.Key, q.endKey); c != 0 {
			return c < 0
		}
		if q.endDocID != "" {
			d := dir * rawCompare(r.ID, q.endDocID)
			if q.inclusiveEnd {
				return d <= 0
			}
			return d < 0
		}
		return q.inclusiveEnd
	}

	var selected []indexRow
	offset := 0
	if q.hasKeys {
		for _, k := range q.keys {
			for _, r := range ordered {
				if keyCompare(r.Key, k) == 0 {
					selected = append(selected, r)
				}
			}
		}
	} else {
		offset = len(ordered)
		for i, r := range ordered {
			if afterStart(r) {
				offset = i
				break
			}
		}
		for _, r := range ordered[offset:] {
			if !beforeEnd(r) {
				break
			}
			selected = append(selected, r)
		}
	}

	if reduce {
		rows, err := reduceRows(selected, q, reduceFn, keyCompare)
		if err != nil {
			return nil, err
		}
		return &viewResult{Rows: page(rows, q.skip, q.limit)}, nil
	}

	selected = page(selected, q.skip, q.limit)
	rows := make([]resultRow, 0, len(selected))
	for _, r := range selected {
		row := resultRow{ID: r.ID, Key: r.Key, Value: r.Value}
		if q.includeDocs {
			row.Doc = r.Doc.JSON()
		}
		rows = append(rows, row)
	}
	total := len(index)
	offset += q.skip
	if offset > total {
		offset = total
	}
	return &viewResult{TotalRows: &total, Offset: &offset, Rows: rows}, nil
}

func page[T any](rows []T, skip, limit int) []T {
	if skip >= len(rows) {
		return rows[:0]
	}
	rows = rows[skip:]
	if limit >= 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// groupKey truncates key to the group level. Level 0 groups everything,
// -1 groups by the exact key.
func groupKey(key interface{}, level int) interface{} {
	switch {
	case level == 0:
		return nil
	case level < 0:
		return key
	}
	if parts, ok := key.([]interface{}); ok && len(parts) > level {
		return parts[:level]
	}
	return key
}

func reduceRows(rows []indexRow, q *viewQuery, reduceFn string, keyCompare func(a, b interface{}) int) ([]resultRow, error) {
	level := 0
	switch {
	case q.groupLevel >= 0:
		level = q.groupLevel
	case q.group:
		level = -1
	}

	var out []resultRow
	var values []interface{}
	var current interface{}
	flush := func() error {
		if len(values) == 0 {
			return nil
		}
		v, err := reduceValues(reduceFn, values)
		if err != nil {
			return err
		}
		out = append(out, resultRow{Key: current, Value: v})
		values = values[:0]
		return nil
	}

	for i, r := range rows {
		k := groupKey(r.Key, level)
		if i > 0 && keyCompare(k, current) != 0 {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		current = k
		values = append(values, r.Value)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	if out == nil {
		out = []resultRow{}
	}
	return out, nil
}

func reduceValues(reduceFn string, values []interface{}) (interface{}, error) {
	switch reduceFn {
	case ReduceCount:
		return float64(len(values)), nil
	case ReduceSum, ReduceStats:
		sum, sumsqr := 0.0, 0.0
		min, max := math.Inf(1), math.Inf(-1)
		for _, v := range values {
			n, ok := v.(float64)
			if !ok {
				return nil, fmt.Errorf("%s: %w", "The "+reduceFn+" function requires that map values be numbers", ErrInternalError)
			}
			sum += n
			sumsqr += n * n
			min = math.Min(min, n)
			max = math.Max(max, n)
		}
		if reduceFn == ReduceSum {
			return sum, nil
		}
		return map[string]interface{}{
			"sum":    sum,
			"count":  float64(len(values)),
			"min":    min,
			"max":    max,
			"sumsqr": sumsqr,
		}, nil
	}
	return nil, fmt.Errorf("%s: %w", "unknown reduce function "+reduceFn, ErrInternalError)
}
