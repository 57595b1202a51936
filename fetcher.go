package kdbview

import (
	"context"
	"net/http"
)

// PageFetcher issues one view request per page.
type PageFetcher struct {
	transport Transport
	path      string
	allDocs   bool
}

// NewPageFetcher returns a fetcher for the view at path.
func NewPageFetcher(transport Transport, path string) *PageFetcher {
	return &PageFetcher{transport: transport, path: path}
}

var logFetch = LogFn(LogLevelRequest, "fetch")

// FetchPage requests one page. With pageSize > 0 it asks for pageSize+1
// rows; the extra row is removed and becomes the page's NextKey. Without
// an extra row the page has no continuation.
func (f *PageFetcher) FetchPage(ctx context.Context, q ViewQuery, cursor *Cursor, pageSize int) (*Page, error) {
	if !q.Paginable() {
		pageSize = 0
	}
	req := q
	if pageSize > 0 {
		req = q.withCursor(cursor).withLimit(pageSize + 1)
	}

	values := req.Values()
	if f.allDocs {
		values.Del(optReduce)
	}

	logFetch("%s %s", f.path, values.Encode())
	resp, err := f.transport.Do(ctx, &Request{Path: f.path, Method: http.MethodGet, Query: values})
	if err != nil {
		return nil, err
	}

	page, err := decodePage(resp.Data, req)
	if err != nil {
		return nil, err
	}

	if pageSize > 0 && len(page.Rows) > pageSize {
		last := page.Rows[len(page.Rows)-1]
		page.NextKey = &Cursor{DocID: last.ID, Key: last.RawKey}
		page.Rows = page.Rows[:pageSize]
	}
	return page, nil
}
