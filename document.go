package kdbview

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/valyala/fastjson"
)

// DocResult is the store's answer to a write.
type DocResult struct {
	OK     bool   `json:"ok,omitempty"`
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Get reads the document id into out.
func (db *Database) Get(ctx context.Context, id string, out interface{}) error {
	resp, err := db.client.transport.Do(ctx, &Request{Path: path(db.name, id), Method: http.MethodGet})
	if err != nil {
		return err
	}
	return json.Unmarshal(resp.Data, out)
}

// Head returns the current revision of the document id.
func (db *Database) Head(ctx context.Context, id string) (string, error) {
	resp, err := db.client.transport.Do(ctx, &Request{Path: path(db.name, id), Method: http.MethodHead})
	if err != nil {
		return "", err
	}
	rev := strings.Trim(resp.Header.Get("ETag"), `"`)
	if rev == "" {
		return "", fmt.Errorf("%s: %w", "missing ETag for "+id, ErrTransport)
	}
	return rev, nil
}

// Put writes doc under id. doc must carry the current _rev when it
// replaces an existing document.
func (db *Database) Put(ctx context.Context, id string, doc interface{}) (*DocResult, error) {
	resp, err := db.client.transport.Do(ctx, &Request{Path: path(db.name, id), Method: http.MethodPut, Body: doc})
	if err != nil {
		return nil, err
	}
	return decodeDocResult(resp.Data)
}

// Post writes doc, letting the store assign an id when it has none.
func (db *Database) Post(ctx context.Context, doc interface{}) (*DocResult, error) {
	resp, err := db.client.transport.Do(ctx, &Request{Path: path(db.name), Method: http.MethodPost, Body: doc})
	if err != nil {
		return nil, err
	}
	return decodeDocResult(resp.Data)
}

// Delete removes revision rev of the document id.
func (db *Database) Delete(ctx context.Context, id, rev string) (*DocResult, error) {
	req := &Request{
		Path:   path(db.name, id),
		Method: http.MethodDelete,
		Query:  url.Values{"rev": {rev}},
	}
	resp, err := db.client.transport.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	return decodeDocResult(resp.Data)
}

func decodeDocResult(data []byte) (*DocResult, error) {
	res := &DocResult{}
	err := parseJSON(data, func(v *fastjson.Value) error {
		res.OK = v.GetBool("ok")
		res.ID = string(v.GetStringBytes("id"))
		res.Rev = string(v.GetStringBytes("rev"))
		res.Error = string(v.GetStringBytes("error"))
		res.Reason = string(v.GetStringBytes("reason"))
		return nil
	})
	if err != nil {
		return nil, transportError(err)
	}
	return res, nil
}

func decodeDocResults(data []byte) ([]DocResult, error) {
	var out []DocResult
	err := parseJSON(data, func(v *fastjson.Value) error {
		items, err := v.Array()
		if err != nil {
			return err
		}
		for _, item := range items {
			out = append(out, DocResult{
				OK:     item.GetBool("ok"),
				ID:     string(item.GetStringBytes("id")),
				Rev:    string(item.GetStringBytes("rev")),
				Error:  string(item.GetStringBytes("error")),
				Reason: string(item.GetStringBytes("reason")),
			})
		}
		return nil
	})
	if err != nil {
		return nil, transportError(err)
	}
	return out, nil
}
