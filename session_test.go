package kdbview

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	views  []*ResultView
	errs   []error
	events map[Event]int
	pages  map[Event][]int
}

func newRecorder() *recorder {
	return &recorder{events: make(map[Event]int), pages: make(map[Event][]int)}
}

func (r *recorder) callback(rv *ResultView, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errs = append(r.errs, err)
		return
	}
	r.views = append(r.views, rv)
}

func (r *recorder) listen(s *Session, events ...Event) {
	for _, e := range events {
		e := e
		s.On(e, func(p Payload) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events[e]++
			if p.Page != nil {
				r.pages[e] = append(r.pages[e], p.Page.Index)
			}
		})
	}
}

func (r *recorder) lens() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, rv := range r.views {
		out = append(out, rv.Len())
	}
	return out
}

func testSession(t *testing.T, fv *fakeView, opts RawOptions, config SystemConfig, cb ResultFunc) *Session {
	q, err := Validate(opts)
	require.NoError(t, err)
	return newSession(context.Background(), NewPageFetcher(fv, "/db/_design/d/_view/v"), q, config.Effective(q), nil, cb)
}

func waitFor(t *testing.T, s *Session) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "session did not settle")
	return err
}

func TestSessionAsynchPaging(t *testing.T) {
	fv := &fakeView{rows: 205}
	rec := newRecorder()
	s := testSession(t, fv, RawOptions{"reduce": false}, SystemConfig{Asynch: true, PageSize: 100, Delay: time.Millisecond}, rec.callback)
	rec.listen(s, EventMoreData, EventCompleted, EventResult, EventData)

	s.Start()
	require.NoError(t, waitFor(t, s))

	assert.Equal(t, 3, fv.requestCount())
	assert.Equal(t, []int{100}, rec.lens())
	assert.Equal(t, 1, rec.events[EventResult])
	assert.Equal(t, []int{1}, rec.pages[EventMoreData])
	assert.Equal(t, []int{2}, rec.pages[EventCompleted])
	assert.Equal(t, 3, rec.events[EventData])
	assert.Equal(t, StateExhausted, s.State())

	pages := s.Pages()
	require.Len(t, pages, 3)
	assert.Equal(t, []int{100, 100, 5}, []int{pages[0].Len(), pages[1].Len(), pages[2].Len()})
	assert.Equal(t, []int{0, 1, 2}, []int{pages[0].Index, pages[1].Index, pages[2].Index})
}

func TestSessionSynchPaging(t *testing.T) {
	fv := &fakeView{rows: 205}
	rec := newRecorder()
	s := testSession(t, fv, RawOptions{"reduce": false}, SystemConfig{PageSize: 100}, rec.callback)
	rec.listen(s, EventMoreData, EventCompleted)

	s.Start()
	require.NoError(t, waitFor(t, s))

	assert.Equal(t, []int{100, 100, 5}, rec.lens())
	assert.Zero(t, rec.events[EventMoreData])
	assert.Zero(t, rec.events[EventCompleted])
	assert.Empty(t, rec.errs)
}

func TestSessionSynchPagingWaitsDelay(t *testing.T) {
	fv := &fakeView{rows: 205}
	rec := newRecorder()
	delay := 50 * time.Millisecond
	s := testSession(t, fv, RawOptions{"reduce": false}, SystemConfig{PageSize: 100, Delay: delay}, rec.callback)

	s.Start()
	require.NoError(t, waitFor(t, s))

	assert.Equal(t, []int{100, 100, 5}, rec.lens())
	gaps := fv.gaps()
	require.Len(t, gaps, 2)
	for _, gap := range gaps {
		assert.GreaterOrEqual(t, gap, delay)
	}
}

func TestSessionOffsetsIncrease(t *testing.T) {
	fv := &fakeView{rows: 205}
	s := testSession(t, fv, RawOptions{"reduce": false}, SystemConfig{PageSize: 100}, nil)
	s.Start()
	require.NoError(t, waitFor(t, s))

	var offsets []int
	for _, p := range s.Pages() {
		offsets = append(offsets, p.Offset)
	}
	assert.Equal(t, []int{0, 100, 200}, offsets)
}

func TestSessionReducedSinglePage(t *testing.T) {
	fv := &fakeView{rows: 205}
	rec := newRecorder()
	s := testSession(t, fv, RawOptions{"reduce": true}, SystemConfig{Asynch: true, PageSize: 100}, rec.callback)
	assert.Zero(t, s.Config().PageSize)
	assert.False(t, s.Config().Asynch)

	s.Start()
	require.NoError(t, waitFor(t, s))

	assert.Equal(t, 1, fv.requestCount())
	assert.Equal(t, []int{1}, rec.lens())
	assert.True(t, s.PageInfo().Completed)
	assert.Equal(t, StateExhausted, s.State())
}

func TestSessionNextAtEnd(t *testing.T) {
	fv := &fakeView{rows: 205}
	s := testSession(t, fv, RawOptions{"reduce": false}, SystemConfig{PageSize: 100}, nil)
	rec := newRecorder()
	rec.listen(s, EventResult)
	s.Start()
	require.NoError(t, waitFor(t, s))

	assert.Equal(t, 0, s.Current().Page().Index)
	assert.Equal(t, 1, s.Next().Page().Index)
	last := s.Next()
	assert.Equal(t, 2, last.Page().Index)
	assert.Same(t, last, s.Next())
	assert.Equal(t, 3, fv.requestCount())

	info := s.PageInfo()
	assert.True(t, info.Completed)
	assert.Equal(t, 3, info.Pages())
	assert.Equal(t, 3, info.LastPage())

	assert.Equal(t, 1, s.Previous().Page().Index)
	assert.Equal(t, 0, s.Previous().Page().Index)
	assert.Equal(t, 0, s.Previous().Page().Index)
	assert.False(t, s.PageInfo().Completed)

	// one result for the first page plus one per navigation
	assert.Equal(t, 7, rec.events[EventResult])
}

func TestSessionCacheSizeBudget(t *testing.T) {
	fv := &fakeView{rows: 205}
	s := testSession(t, fv, RawOptions{"reduce": false}, SystemConfig{PageSize: 100, CacheSize: 1}, nil)
	s.Start()
	require.NoError(t, waitFor(t, s))
	assert.Equal(t, 1, fv.requestCount())
	assert.Equal(t, StateIdle, s.State())

	// on the last cached page Next resumes fetching
	rv := s.Next()
	assert.Equal(t, 0, rv.Page().Index)
	require.NoError(t, waitFor(t, s))
	assert.Equal(t, 2, fv.requestCount())
	assert.Equal(t, 1, s.Next().Page().Index)

	require.NoError(t, waitFor(t, s))
	assert.Equal(t, 3, fv.requestCount())
	assert.Equal(t, StateExhausted, s.State())
	assert.Equal(t, 205, s.Unpaginate().Len())
}

func TestSessionCancelDuringDelay(t *testing.T) {
	fv := &fakeView{rows: 205}
	delivered := make(chan struct{}, 1)
	s := testSession(t, fv, RawOptions{"reduce": false}, SystemConfig{Asynch: true, PageSize: 100, Delay: time.Hour}, func(rv *ResultView, err error) {
		delivered <- struct{}{}
	})
	s.Start()

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("first page not delivered")
	}
	s.Cancel()

	assert.ErrorIs(t, waitFor(t, s), ErrSessionCancelled)
	assert.Equal(t, 1, fv.requestCount())
	assert.Equal(t, StateCancelled, s.State())
}

func TestSessionCancelInFlight(t *testing.T) {
	fv := &fakeView{rows: 205, gate: make(chan struct{})}
	rec := newRecorder()
	s := testSession(t, fv, RawOptions{"reduce": false}, SystemConfig{PageSize: 100}, rec.callback)
	s.Start()
	s.Cancel()

	assert.ErrorIs(t, waitFor(t, s), ErrSessionCancelled)
	assert.Empty(t, rec.lens())
	assert.Empty(t, rec.errs)
	assert.Empty(t, s.Pages())
	assert.Nil(t, s.Current())
}

func TestSessionFirstPageError(t *testing.T) {
	boom := transportError(errors.New("connection refused"))
	fv := &fakeView{rows: 205, failAt: 1, failErr: boom}
	rec := newRecorder()
	s := testSession(t, fv, RawOptions{"reduce": false}, SystemConfig{PageSize: 100}, rec.callback)
	rec.listen(s, EventError, EventViewError)

	s.Start()
	err := waitFor(t, s)
	assert.ErrorIs(t, err, ErrTransport)
	assert.Equal(t, StateErrored, s.State())
	assert.Equal(t, []error{boom}, rec.errs)
	assert.Equal(t, 1, rec.events[EventError])
	assert.Equal(t, 1, rec.events[EventViewError])
	assert.Empty(t, s.Pages())
}

func TestSessionServerErrorIsViewError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"not_found","reason":"missing_named_view"}`))
	}))
	defer srv.Close()

	q, err := Validate(RawOptions{"reduce": false})
	require.NoError(t, err)
	fetcher := NewPageFetcher(NewHTTPTransport(srv.URL, nil, nil), "/db/_design/d/_view/missing")
	rec := newRecorder()
	s := newSession(context.Background(), fetcher, q, SystemConfig{PageSize: 10}.Effective(q), nil, rec.callback)

	var viewErrs []error
	s.On(EventViewError, func(p Payload) {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		viewErrs = append(viewErrs, p.Err)
	})
	rec.listen(s, EventError)

	s.Start()
	assert.ErrorIs(t, waitFor(t, s), ErrTransport)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, viewErrs, 1)
	assert.Equal(t, "not_found", ErrorType(viewErrs[0]))
	_, reason := Describe(viewErrs[0])
	assert.Equal(t, "missing_named_view", reason)
	assert.Equal(t, 1, rec.events[EventError])
	assert.Len(t, rec.errs, 1)
}

func TestSessionLaterPageErrorAsynch(t *testing.T) {
	fv := &fakeView{rows: 205, failAt: 2, failErr: viewError(&ServerError{StatusCode: 200, Type: "query_parse_error"})}
	rec := newRecorder()
	s := testSession(t, fv, RawOptions{"reduce": false}, SystemConfig{Asynch: true, PageSize: 100, Delay: time.Millisecond}, rec.callback)
	rec.listen(s, EventError, EventViewError)

	s.Start()
	assert.ErrorIs(t, waitFor(t, s), ErrView)

	// the callback already had its page; errors after it go to the relay
	assert.Equal(t, []int{100}, rec.lens())
	assert.Empty(t, rec.errs)
	assert.Equal(t, 1, rec.events[EventViewError])
	assert.Equal(t, 1, rec.events[EventError])
	assert.Len(t, s.Pages(), 1)
}

func TestSessionStartOnce(t *testing.T) {
	fv := &fakeView{rows: 5}
	s := testSession(t, fv, RawOptions{"reduce": false}, SystemConfig{PageSize: 10}, nil)
	s.Start()
	s.Start()
	require.NoError(t, waitFor(t, s))
	assert.Equal(t, 1, fv.requestCount())
}
