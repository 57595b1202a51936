package kdbview

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultBulkConcurrency bounds the revision lookups of Remove.
const DefaultBulkConcurrency = 8

// Bulk writes many documents through _bulk_docs.
type Bulk struct {
	db *Database

	// Max is the number of documents per request; zero sends all at once.
	Max int
	// Concurrency bounds the HEAD requests issued by Remove.
	Concurrency int
	// Progress, when set, is called after every request with the number
	// of documents written so far.
	Progress func(done, total int)
}

// Bulk returns a bulk writer for the database.
func (db *Database) Bulk() *Bulk {
	return &Bulk{db: db, Concurrency: DefaultBulkConcurrency}
}

var logBulk = LogFn(LogLevelSession, "bulk")

// Save writes docs in slices of Max, one request after the other. The
// results are in document order. When the store rejects some documents
// the returned error wraps ErrBulkIncomplete and the results tell which.
func (b *Bulk) Save(ctx context.Context, docs []interface{}) ([]DocResult, error) {
	size := b.Max
	if size <= 0 || size > len(docs) {
		size = len(docs)
	}

	results := make([]DocResult, 0, len(docs))
	for start := 0; start < len(docs); start += size {
		end := start + size
		if end > len(docs) {
			end = len(docs)
		}
		logBulk("%s: saving %d-%d of %d", b.db.name, start, end, len(docs))
		resp, err := b.db.client.transport.Do(ctx, &Request{
			Path:   path(b.db.name, "_bulk_docs"),
			Method: http.MethodPost,
			Body:   map[string]interface{}{"docs": docs[start:end]},
		})
		if err != nil {
			return results, err
		}
		res, err := decodeDocResults(resp.Data)
		if err != nil {
			return results, err
		}
		results = append(results, res...)
		if b.Progress != nil {
			b.Progress(end, len(docs))
		}
	}
	return results, incomplete(results)
}

// Remove deletes the documents ids. Each document is looked up first for
// its current revision; ids that do not exist are reported as not_found
// without being sent.
func (b *Bulk) Remove(ctx context.Context, ids []string) ([]DocResult, error) {
	revs := make([]string, len(ids))
	missing := make(map[int]error)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	limit := b.Concurrency
	if limit <= 0 {
		limit = DefaultBulkConcurrency
	}
	g.SetLimit(limit)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			rev, err := b.db.Head(gctx, id)
			if err != nil {
				if StatusCode(err) == http.StatusNotFound {
					mu.Lock()
					missing[i] = err
					mu.Unlock()
					return nil
				}
				return err
			}
			revs[i] = rev
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var deletions []interface{}
	var order []int
	for i, id := range ids {
		if _, ok := missing[i]; ok {
			continue
		}
		deletions = append(deletions, map[string]interface{}{"_id": id, "_rev": revs[i], "_deleted": true})
		order = append(order, i)
	}

	saved, err := b.Save(ctx, deletions)
	if err != nil && len(saved) < len(deletions) {
		return nil, err
	}

	results := make([]DocResult, len(ids))
	for i, id := range ids {
		if e, ok := missing[i]; ok {
			results[i] = DocResult{ID: id, Error: ErrorType(e), Reason: reasonOf(e, "missing")}
		}
	}
	for j, i := range order {
		results[i] = saved[j]
	}
	return results, incomplete(results)
}

func incomplete(results []DocResult) error {
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	if failed == 0 {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf("%d of %d documents failed", failed, len(results)), ErrBulkIncomplete)
}
