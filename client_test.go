package kdbview

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kdbview/viewtest"
)

var countries = []string{"Canada", "France", "Kenya"}

type countingTransport struct {
	inner Transport

	mu    sync.Mutex
	paths []string
}

func (c *countingTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	c.mu.Lock()
	c.paths = append(c.paths, req.Method+" "+req.Path)
	c.mu.Unlock()
	return c.inner.Do(ctx, req)
}

func (c *countingTransport) count(method, path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.paths {
		if p == method+" "+path {
			n++
		}
	}
	return n
}

type testStore struct {
	server    *viewtest.Server
	client    *Client
	transport *countingTransport
}

func newTestStore(t *testing.T) *testStore {
	server := viewtest.NewServer("")
	ts := httptest.NewServer(viewtest.NewRouter(server))
	t.Cleanup(func() {
		ts.Close()
		server.Close()
	})

	tr := &countingTransport{inner: NewHTTPTransport(ts.URL, ts.Client(), nil)}
	client, err := NewClient(ts.URL, WithTransport(tr))
	require.NoError(t, err)
	return &testStore{server: server, client: client, transport: tr}
}

// seedSales creates the sales database with n documents, a design
// document declaring the by_year header and two views.
func (s *testStore) seedSales(t *testing.T, n int) *Database {
	ctx := context.Background()
	db := s.client.Database("sales")
	require.NoError(t, db.Create(ctx))

	_, err := db.Put(ctx, "_design/sales", map[string]interface{}{
		"views": map[string]interface{}{
			"by_year": map[string]interface{}{
				"header": map[string]interface{}{
					"keys":       []string{"year", "country"},
					"columns":    []string{"year", "country", "amount"},
					"sortColumn": "year",
				},
			},
		},
		"types": map[string]interface{}{"amount": []interface{}{"number", 1}},
	})
	require.NoError(t, err)

	docs := make([]interface{}, 0, n)
	for i := 0; i < n; i++ {
		docs = append(docs, map[string]interface{}{
			"_id":     fmt.Sprintf("sale-%03d", i),
			"year":    2010 + i%3,
			"country": countries[i%3],
			"amount":  i,
		})
	}
	results, err := db.Bulk().Save(ctx, docs)
	require.NoError(t, err)
	require.Len(t, results, n)

	sdb, err := s.server.Database("sales")
	require.NoError(t, err)
	sdb.DefineView("sales", "by_year", viewtest.ViewDef{
		Map: func(doc map[string]interface{}, emit viewtest.Emit) {
			emit([]interface{}{doc["year"], doc["country"]}, map[string]interface{}{"amount": doc["amount"]})
		},
	})
	sdb.DefineView("sales", "amount", viewtest.ViewDef{
		Map: func(doc map[string]interface{}, emit viewtest.Emit) {
			emit([]interface{}{doc["year"]}, doc["amount"])
		},
		Reduce: viewtest.ReduceSum,
	})
	return db
}

func TestClientPagesThroughView(t *testing.T) {
	s := newTestStore(t)
	db := s.seedSales(t, 45)
	view := db.Design("sales").View("by_year")
	assert.Equal(t, "/sales/_design/sales/_view/by_year", view.Path())

	var mu sync.Mutex
	var lens []int
	seen := make(map[string]bool)
	session, err := view.Fetch(context.Background(), RawOptions{"reduce": false}, SystemConfig{PageSize: 10}, func(rv *ResultView, err error) {
		if !assert.NoError(t, err) {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		lens = append(lens, rv.Len())
		for _, row := range rv.Rows() {
			seen[row.ID] = true
		}
	})
	require.NoError(t, err)
	require.NoError(t, waitFor(t, session))

	// keys repeat across pages, the cursor's doc id keeps rows distinct
	assert.Equal(t, []int{10, 10, 10, 10, 5}, lens)
	assert.Len(t, seen, 45)

	var offsets []int
	for _, p := range session.Pages() {
		offsets = append(offsets, p.Offset)
		assert.Equal(t, 45, p.TotalRows)
	}
	assert.Equal(t, []int{0, 10, 20, 30, 40}, offsets)

	first := session.Current()
	assert.Equal(t, []string{"year", "country"}, first.Schema().Keys)
	assert.Equal(t, 2010.0, first.Select(0, "year"))
	assert.Equal(t, "Canada", first.Select(0, "country"))
	assert.Equal(t, TypeNumber, first.Cell(first.First(), "amount").Type)
	assert.Equal(t, []string{"Canada"}, first.Facets("country"))
	assert.False(t, session.PageInfo().Completed)
}

func TestClientAsynchPaging(t *testing.T) {
	s := newTestStore(t)
	db := s.seedSales(t, 45)

	rec := newRecorder()
	session, err := db.Design("sales").View("by_year").Prepare(context.Background(), RawOptions{"reduce": false},
		SystemConfig{Asynch: true, PageSize: 10, Delay: time.Millisecond}, rec.callback)
	require.NoError(t, err)
	rec.listen(session, EventMoreData, EventCompleted)
	session.Start()
	require.NoError(t, waitFor(t, session))

	assert.Equal(t, []int{10}, rec.lens())
	assert.Equal(t, []int{1, 2, 3}, rec.pages[EventMoreData])
	assert.Equal(t, []int{4}, rec.pages[EventCompleted])
	assert.Equal(t, 45, session.Unpaginate().Len())
}

func TestClientReducedQuery(t *testing.T) {
	s := newTestStore(t)
	db := s.seedSales(t, 45)

	rv, err := db.Design("sales").View("amount").Query(context.Background(), RawOptions{"group_level": 1})
	require.NoError(t, err)
	require.Equal(t, 3, rv.Len())
	assert.Equal(t, []interface{}{2010.0}, rv.Row(0).Key)
	assert.Equal(t, 315.0, rv.Row(0).Value)
	assert.Equal(t, 330.0, rv.Row(1).Value)
	assert.Equal(t, 345.0, rv.Row(2).Value)
	assert.True(t, rv.Page().Completed())

	rv, err = db.Design("sales").View("amount").Query(context.Background(), RawOptions{"reduce": true})
	require.NoError(t, err)
	require.Equal(t, 1, rv.Len())
	assert.Equal(t, 990.0, rv.First().Value)

	// reduce=false on a reduced view lists the map rows
	rv, err = db.Design("sales").View("amount").Query(context.Background(), RawOptions{"reduce": false, "key": []interface{}{2011}})
	require.NoError(t, err)
	assert.Equal(t, 15, rv.Len())
}

func TestClientSchemaIsCached(t *testing.T) {
	s := newTestStore(t)
	db := s.seedSales(t, 3)
	view := db.Design("sales").View("by_year")

	for i := 0; i < 3; i++ {
		schema, err := view.Schema(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "year", schema.SortColumn)
	}
	assert.Equal(t, 1, s.transport.count(http.MethodGet, "/sales/_design/sales"))

	schema, err := db.Design("missing").View("v").Schema(context.Background())
	require.NoError(t, err)
	assert.Empty(t, schema.Columns)
}

func TestClientAllDocs(t *testing.T) {
	s := newTestStore(t)
	db := s.seedSales(t, 45)

	rv, err := db.AllDocs().Query(context.Background(), RawOptions{"reduce": false, "include_docs": true, "limit": 3})
	require.NoError(t, err)
	require.Equal(t, 3, rv.Len())
	assert.Equal(t, "_design/sales", rv.Row(0).ID)
	assert.Equal(t, "sale-000", rv.Row(1).ID)
	assert.Contains(t, string(rv.Row(1).Doc), `"_rev":"1-`)
	assert.Equal(t, 46, rv.TotalRows())

	session, err := db.AllDocs().Fetch(context.Background(), RawOptions{}, SystemConfig{PageSize: 20}, nil)
	require.NoError(t, err)
	require.NoError(t, waitFor(t, session))
	assert.Len(t, session.Pages(), 3)
	assert.Equal(t, 46, session.Unpaginate().Len())
}

func TestClientInvalidOptionsMakeNoRequest(t *testing.T) {
	s := newTestStore(t)
	view := s.client.Database("sales").Design("sales").View("by_year")

	_, err := view.Fetch(context.Background(), RawOptions{"reduce": "maybe"}, DefaultSystemConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidQuery)
	_, err = view.Fetch(context.Background(), RawOptions{"group_level": 1, "reduce": false}, DefaultSystemConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidQuery)
	assert.Empty(t, s.transport.paths)
}

func TestClientMissingDatabase(t *testing.T) {
	s := newTestStore(t)
	_, err := s.client.Database("nowhere").Design("d").View("v").Query(context.Background(), RawOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
	assert.Equal(t, "not_found", ErrorType(err))
}

func TestClientDocuments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	db := s.client.Database("docs")
	require.NoError(t, db.Create(ctx))
	assert.Equal(t, http.StatusPreconditionFailed, StatusCode(db.Create(ctx)))

	res, err := db.Put(ctx, "one", map[string]interface{}{"n": 1})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, "one", res.ID)

	_, err = db.Put(ctx, "one", map[string]interface{}{"n": 2})
	assert.Equal(t, "conflict", ErrorType(err))
	assert.Equal(t, http.StatusConflict, StatusCode(err))

	rev, err := db.Head(ctx, "one")
	require.NoError(t, err)
	assert.Equal(t, res.Rev, rev)

	var doc struct {
		ID  string `json:"_id"`
		Rev string `json:"_rev"`
		N   int    `json:"n"`
	}
	require.NoError(t, db.Get(ctx, "one", &doc))
	assert.Equal(t, 1, doc.N)
	assert.Equal(t, rev, doc.Rev)

	res, err = db.Put(ctx, "one", map[string]interface{}{"_rev": rev, "n": 2})
	require.NoError(t, err)
	assert.NotEqual(t, rev, res.Rev)

	posted, err := db.Post(ctx, map[string]interface{}{"n": 3})
	require.NoError(t, err)
	assert.Len(t, posted.ID, 32)

	_, err = db.Delete(ctx, "one", rev)
	assert.Equal(t, "conflict", ErrorType(err))
	_, err = db.Delete(ctx, "one", res.Rev)
	require.NoError(t, err)

	_, err = db.Head(ctx, "one")
	assert.Equal(t, http.StatusNotFound, StatusCode(err))
	assert.Equal(t, "not_found", ErrorType(db.Get(ctx, "one", &doc)))

	require.NoError(t, db.Destroy(ctx))
	assert.Equal(t, http.StatusNotFound, StatusCode(db.Destroy(ctx)))
}

func TestBulkSaveInSlices(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	db := s.client.Database("bulk")
	require.NoError(t, db.Create(ctx))

	var progress []int
	bulk := db.Bulk()
	bulk.Max = 2
	bulk.Progress = func(done, total int) {
		assert.Equal(t, 5, total)
		progress = append(progress, done)
	}
	docs := []interface{}{
		map[string]interface{}{"_id": "a"},
		map[string]interface{}{"_id": "b"},
		map[string]interface{}{"_id": "c"},
		map[string]interface{}{"_id": "_bad"},
		map[string]interface{}{"_id": "e"},
	}
	results, err := bulk.Save(ctx, docs)
	assert.ErrorIs(t, err, ErrBulkIncomplete)
	assert.Equal(t, []int{2, 4, 5}, progress)
	require.Len(t, results, 5)
	assert.True(t, results[0].OK)
	assert.Equal(t, "bad_request", results[3].Error)
	assert.True(t, results[4].OK)
	assert.Equal(t, 3, s.transport.count(http.MethodPost, "/bulk/_bulk_docs"))
}

func TestBulkRemove(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	db := s.client.Database("bulk")
	require.NoError(t, db.Create(ctx))
	_, err := db.Bulk().Save(ctx, []interface{}{
		map[string]interface{}{"_id": "a"},
		map[string]interface{}{"_id": "b"},
	})
	require.NoError(t, err)

	bulk := db.Bulk()
	bulk.Concurrency = 2
	results, err := bulk.Remove(ctx, []string{"a", "missing", "b"})
	assert.ErrorIs(t, err, ErrBulkIncomplete)
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.Equal(t, "missing", results[1].ID)
	assert.Equal(t, "not_found", results[1].Error)
	assert.True(t, results[2].OK)

	_, err = db.Head(ctx, "a")
	assert.Equal(t, http.StatusNotFound, StatusCode(err))

	results, err = bulk.Remove(ctx, []string{"gone"})
	assert.ErrorIs(t, err, ErrBulkIncomplete)
	assert.Equal(t, "not_found", results[0].Error)
}
