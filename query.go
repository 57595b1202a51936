package kdbview

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// RawOptions is the application-facing set of view options. It may carry
// keys that are not view parameters; Validate drops them.
type RawOptions map[string]interface{}

// Key is a JSON-encoded view key, sent as a literal JSON query parameter.
type Key []byte

// KeyOf encodes v as a view key.
func KeyOf(v interface{}) (Key, error) {
	switch k := v.(type) {
	case Key:
		return k, nil
	case json.RawMessage:
		return Key(k), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Key(data), nil
}

func (k Key) MarshalJSON() ([]byte, error) {
	if k == nil {
		return []byte("null"), nil
	}
	return k, nil
}

func (k Key) String() string {
	return string(k)
}

// Decode returns the key as a plain Go value.
func (k Key) Decode() interface{} {
	if k == nil {
		return nil
	}
	var v interface{}
	_ = json.Unmarshal(k, &v)
	return v
}

// Equal compares two keys byte for byte.
func (k Key) Equal(o Key) bool {
	return bytes.Equal(k, o)
}

// ViewQuery is the sanitized parameter set sent for one page request.
type ViewQuery struct {
	Reduce        bool
	Group         *bool
	GroupLevel    *int
	Limit         *int
	StartKey      Key
	EndKey        Key
	StartKeyDocID string
	Key           Key
	Keys          Key
	Descending    bool
	IncludeDocs   bool
}

const (
	optReduce        = "reduce"
	optGroup         = "group"
	optGroupLevel    = "group_level"
	optLimit         = "limit"
	optStartKey      = "startkey"
	optEndKey        = "endkey"
	optStartKeyDocID = "startkey_docid"
	optKey           = "key"
	optKeys          = "keys"
	optDescending    = "descending"
	optIncludeDocs   = "include_docs"
)

// allowed option names, keyed by the governing option and its value
var validQueries = map[string]map[bool][]string{
	optGroup: {
		true:  {optGroup, optReduce, optDescending},
		false: {optReduce, optDescending},
	},
	optReduce: {
		true:  {optReduce, optGroupLevel, optStartKey, optEndKey, optKey, optKeys, optDescending},
		false: {optReduce, optLimit, optStartKey, optEndKey, optKey, optKeys, optIncludeDocs, optDescending},
	},
}

// Validate resolves raw into a ViewQuery. Option combinations the server
// would reject are corrected in the returned query and reported as an
// error wrapping ErrInvalidQuery. Options that can not be coerced yield a
// zero ViewQuery and an error.
func Validate(raw RawOptions) (ViewQuery, error) {
	target := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		if v != nil {
			target[strings.ToLower(k)] = v
		}
	}

	var corrections []string

	reduce, reduceSet, err := boolOption(target, optReduce)
	if err != nil {
		return ViewQuery{}, err
	}
	group, groupSet, err := boolOption(target, optGroup)
	if err != nil {
		return ViewQuery{}, err
	}
	includeDocs, _, err := boolOption(target, optIncludeDocs)
	if err != nil {
		return ViewQuery{}, err
	}
	descending, _, err := boolOption(target, optDescending)
	if err != nil {
		return ViewQuery{}, err
	}
	groupLevel, groupLevelSet, err := intOption(target, optGroupLevel)
	if err != nil {
		return ViewQuery{}, err
	}
	limit, limitSet, err := intOption(target, optLimit)
	if err != nil {
		return ViewQuery{}, err
	}

	if groupLevelSet && groupLevel < 0 {
		return ViewQuery{}, invalidQuery("group_level value must not be negative")
	}
	if limitSet && limit < 0 {
		return ViewQuery{}, invalidQuery("limit value must not be negative")
	}

	if groupLevelSet && reduceSet && !reduce {
		reduce = true
		corrections = append(corrections, "reduce must be true when specifying group_level")
	}
	if groupLevelSet {
		reduce, reduceSet = true, true
	}
	if groupSet && group && reduceSet && !reduce {
		reduce = true
		corrections = append(corrections, "reduce must be true when specifying group")
	}

	selector := optReduce
	branch := reduce
	if groupSet {
		selector = optGroup
		branch = group
		if !reduceSet {
			reduce = true
		}
	}

	if reduce && includeDocs {
		includeDocs = false
		corrections = append(corrections, "unable to apply include_docs parameter for reduced views")
	}

	allowed := validQueries[selector][branch]
	has := func(name string) bool {
		_, ok := target[name]
		return ok && slices.Contains(allowed, name)
	}

	q := ViewQuery{Reduce: reduce}
	if has(optGroup) {
		q.Group = &group
	}
	if has(optGroupLevel) {
		q.GroupLevel = &groupLevel
	}
	if has(optLimit) {
		q.Limit = &limit
	}
	if has(optDescending) {
		q.Descending = descending
	}
	if has(optIncludeDocs) {
		q.IncludeDocs = includeDocs
	}

	keyOption := func(name string) (Key, error) {
		if !has(name) {
			return nil, nil
		}
		k, err := KeyOf(target[name])
		if err != nil {
			return nil, invalidQuery("%s value is not JSON serializable", name)
		}
		return k, nil
	}
	switch {
	case has(optKey):
		if q.Key, err = keyOption(optKey); err != nil {
			return ViewQuery{}, err
		}
	case has(optKeys):
		if q.Keys, err = keyOption(optKeys); err != nil {
			return ViewQuery{}, err
		}
	default:
		if q.StartKey, err = keyOption(optStartKey); err != nil {
			return ViewQuery{}, err
		}
		if q.EndKey, err = keyOption(optEndKey); err != nil {
			return ViewQuery{}, err
		}
	}

	if len(corrections) > 0 {
		err := invalidQuery("%s", strings.Join(corrections, "; "))
		glog.Warningf("query: corrected view options %v: %s", raw, err)
		return q, err
	}
	return q, nil
}

func boolOption(target map[string]interface{}, name string) (bool, bool, error) {
	v, ok := target[name]
	if !ok {
		return false, false, nil
	}
	switch b := v.(type) {
	case bool:
		return b, true, nil
	case string:
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, true, invalidQuery("%s value must be a boolean", name)
		}
		return parsed, true, nil
	case int:
		return b != 0, true, nil
	case float64:
		return b != 0, true, nil
	}
	return false, true, invalidQuery("%s value must be a boolean", name)
}

func intOption(target map[string]interface{}, name string) (int, bool, error) {
	v, ok := target[name]
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int32:
		return int(n), true, nil
	case int64:
		return int(n), true, nil
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int(n), true, nil
		}
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), true, nil
		}
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			return i, true, nil
		}
	}
	return 0, true, invalidQuery("%s value must be a number", name)
}

// Options maps q back to RawOptions. Validate(q.Options()) yields q.
func (q ViewQuery) Options() RawOptions {
	o := RawOptions{optReduce: q.Reduce}
	if q.Group != nil {
		o[optGroup] = *q.Group
	}
	if q.GroupLevel != nil {
		o[optGroupLevel] = *q.GroupLevel
	}
	if q.Limit != nil {
		o[optLimit] = *q.Limit
	}
	if q.StartKey != nil {
		o[optStartKey] = q.StartKey
	}
	if q.EndKey != nil {
		o[optEndKey] = q.EndKey
	}
	if q.Key != nil {
		o[optKey] = q.Key
	}
	if q.Keys != nil {
		o[optKeys] = q.Keys
	}
	if q.Descending {
		o[optDescending] = true
	}
	if q.IncludeDocs {
		o[optIncludeDocs] = true
	}
	return o
}

// Values renders q as query string parameters.
func (q ViewQuery) Values() url.Values {
	v := url.Values{optReduce: {strconv.FormatBool(q.Reduce)}}
	set := func(name, value string) {
		v[name] = []string{value}
	}
	if q.Group != nil {
		set(optGroup, strconv.FormatBool(*q.Group))
	}
	if q.GroupLevel != nil {
		set(optGroupLevel, strconv.Itoa(*q.GroupLevel))
	}
	if q.Limit != nil {
		set(optLimit, strconv.Itoa(*q.Limit))
	}
	if q.StartKey != nil {
		set(optStartKey, string(q.StartKey))
	}
	if q.StartKeyDocID != "" {
		set(optStartKeyDocID, q.StartKeyDocID)
	}
	if q.EndKey != nil {
		set(optEndKey, string(q.EndKey))
	}
	if q.Key != nil {
		set(optKey, string(q.Key))
	}
	if q.Keys != nil {
		set(optKeys, string(q.Keys))
	}
	if q.Descending {
		set(optDescending, "true")
	}
	if q.IncludeDocs {
		set(optIncludeDocs, "true")
	}
	return v
}

// Paginable reports whether the query can be resumed with a cursor.
func (q ViewQuery) Paginable() bool {
	return !q.Reduce && q.Keys == nil
}

// withCursor returns a copy of q resuming the scan at c.
func (q ViewQuery) withCursor(c *Cursor) ViewQuery {
	if c == nil {
		return q
	}
	if q.Key != nil {
		q.StartKey, q.EndKey, q.Key = q.Key, q.Key, nil
	}
	q.StartKey = c.Key
	q.StartKeyDocID = c.DocID
	return q
}

// withLimit returns a copy of q requesting at most n rows.
func (q ViewQuery) withLimit(n int) ViewQuery {
	q.Limit = &n
	return q
}

func (q ViewQuery) String() string {
	return fmt.Sprint(q.Values())
}
