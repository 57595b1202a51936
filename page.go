package kdbview

import (
	"fmt"

	"github.com/valyala/fastjson"
)

var parserPool fastjson.ParserPool

// parseJSON parses data with a pooled parser. v is only valid inside fn.
func parseJSON(data []byte, fn func(v *fastjson.Value) error) error {
	parser := parserPool.Get()
	defer parserPool.Put(parser)
	v, err := parser.ParseBytes(data)
	if err != nil {
		return err
	}
	return fn(v)
}

// Cursor identifies where the next page's scan resumes.
type Cursor struct {
	DocID string
	Key   Key
}

// Page is one server response plus pagination metadata. The session sets
// Index just before caching a page; cached pages are never modified.
type Page struct {
	Rows      []*Row
	Offset    int
	TotalRows int
	NextKey   *Cursor
	Query     ViewQuery
	Reduced   bool

	// Index is the position of the page in its session cache, zero until
	// the page is cached.
	Index int
}

// Len returns the number of exposed rows.
func (p *Page) Len() int {
	return len(p.Rows)
}

// Completed reports whether the page reaches the end of the index.
func (p *Page) Completed() bool {
	return p.TotalRows == p.Offset+len(p.Rows)
}

// decodePage builds a Page from a view response body.
func decodePage(data []byte, q ViewQuery) (*Page, error) {
	page := &Page{Query: q, Reduced: q.Reduce}
	var sErr *ServerError

	err := parseJSON(data, func(v *fastjson.Value) error {
		if v.Type() != fastjson.TypeObject {
			return fmt.Errorf("view response is not an object")
		}
		if v.Exists("error") {
			sErr = &ServerError{
				StatusCode: 200,
				Type:       string(v.GetStringBytes("error")),
				Reason:     string(v.GetStringBytes("reason")),
			}
			return nil
		}

		rows := v.GetArray("rows")
		page.Rows = make([]*Row, 0, len(rows))
		for _, r := range rows {
			page.Rows = append(page.Rows, decodeRow(r))
		}

		if v.Exists("total_rows") {
			page.TotalRows = v.GetInt("total_rows")
			page.Offset = v.GetInt("offset")
		} else {
			page.Offset = 0
			page.TotalRows = len(page.Rows)
		}
		return nil
	})
	if err != nil {
		return nil, transportError(err)
	}
	if sErr != nil {
		return nil, viewError(sErr)
	}
	return page, nil
}

func decodeRow(v *fastjson.Value) *Row {
	row := &Row{}
	row.ID = string(v.GetStringBytes("id"))
	if k := v.Get("key"); k != nil {
		row.RawKey = Key(k.MarshalTo(nil))
		row.Key = toInterface(k)
	}
	if val := v.Get("value"); val != nil {
		row.Value = toInterface(val)
	}
	if doc := v.Get("doc"); doc != nil && doc.Type() != fastjson.TypeNull {
		row.Doc = doc.MarshalTo(nil)
	}
	if e := v.GetStringBytes("error"); e != nil {
		row.Error = string(e)
	}
	return row
}

// toInterface converts a parsed value into plain Go values: nil, bool,
// float64, string, []interface{} and map[string]interface{}.
func toInterface(v *fastjson.Value) interface{} {
	switch v.Type() {
	case fastjson.TypeTrue:
		return true
	case fastjson.TypeFalse:
		return false
	case fastjson.TypeNumber:
		return v.GetFloat64()
	case fastjson.TypeString:
		return string(v.GetStringBytes())
	case fastjson.TypeArray:
		items := v.GetArray()
		out := make([]interface{}, len(items))
		for i, item := range items {
			out[i] = toInterface(item)
		}
		return out
	case fastjson.TypeObject:
		out := make(map[string]interface{})
		v.GetObject().Visit(func(key []byte, item *fastjson.Value) {
			out[string(key)] = toInterface(item)
		})
		return out
	}
	return nil
}
