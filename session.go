package kdbview

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/exp/slices"
)

// State of a view session.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateDelivered
	StateErrored
	StateExhausted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateDelivered:
		return "delivered"
	case StateErrored:
		return "errored"
	case StateExhausted:
		return "exhausted"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StateIdle:      {StateFetching, StateCancelled},
	StateFetching:  {StateDelivered, StateErrored, StateCancelled},
	StateDelivered: {StateFetching, StateIdle, StateExhausted, StateCancelled},
	StateExhausted: {StateCancelled},
	StateErrored:   {},
	StateCancelled: {},
}

// ResultFunc receives pages (or the error that ended a fetch).
type ResultFunc func(rv *ResultView, err error)

// PageInfo describes the position of a session within its result.
type PageInfo struct {
	Completed   bool
	TotalRows   int
	PageSize    int
	CachedPages int
	Page        int
}

// Pages returns the number of pages the whole result spans.
func (p PageInfo) Pages() int {
	if p.PageSize <= 0 {
		return 0
	}
	return int(math.Ceil(float64(p.TotalRows) / float64(p.PageSize)))
}

// LastPage returns the number of cached pages.
func (p PageInfo) LastPage() int {
	return p.CachedPages
}

// Session is one paginated view query, from the first fetch until it is
// exhausted, fails or is cancelled. It owns its page cache; at most one
// page request is outstanding at any time.
type Session struct {
	ID string

	fetcher  *PageFetcher
	query    ViewQuery
	config   SystemConfig
	schema   *Schema
	relay    *Relay
	callback ResultFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	started   bool
	cache     []*Page
	views     []*ResultView
	current   int
	budget    int
	fetched   int
	totalRows int
	nextKey   *Cursor
	delivered bool
	completed bool
	timer     *time.Timer
	err       error
	settled   chan struct{}

	log LogFunction
}

func newSession(ctx context.Context, fetcher *PageFetcher, q ViewQuery, config SystemConfig, schema *Schema, cb ResultFunc) *Session {
	if schema == nil {
		schema = NewSchema()
	}
	id := uuid.NewString()
	s := &Session{
		ID:       id,
		fetcher:  fetcher,
		query:    q,
		config:   config,
		schema:   schema,
		relay:    NewRelay(),
		callback: cb,
		state:    StateIdle,
		budget:   config.budget(),
		settled:  make(chan struct{}),
		log:      LogFn(LogLevelSession, "session "+id[:8]),
	}
	close(s.settled)
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// Events returns the relay the session publishes to.
func (s *Session) Events() *Relay {
	return s.relay
}

// On is a shortcut for Events().On.
func (s *Session) On(e Event, h Handler) *Session {
	s.relay.On(e, h)
	return s
}

// Query returns the validated query of the session.
func (s *Session) Query() ViewQuery {
	return s.query
}

// Config returns the effective configuration of the session.
func (s *Session) Config() SystemConfig {
	return s.config
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Start issues the first page request. Calling it again has no effect.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.log("start %s %+v", s.query, s.config)
	s.startLocked(nil)
}

func (s *Session) transitionLocked(to State) error {
	if !slices.Contains(transitions[s.state], to) {
		return fmt.Errorf("session %s: transition %s -> %s not allowed", s.ID, s.state, to)
	}
	s.state = to
	return nil
}

func (s *Session) busyLocked() {
	select {
	case <-s.settled:
		s.settled = make(chan struct{})
	default:
	}
}

func (s *Session) settleLocked() {
	select {
	case <-s.settled:
	default:
		close(s.settled)
	}
}

// startLocked moves to Fetching and requests the page after cursor.
func (s *Session) startLocked(cursor *Cursor) bool {
	if err := s.transitionLocked(StateFetching); err != nil {
		s.log("%s", err)
		return false
	}
	if s.budget > 0 {
		s.budget--
	}
	s.busyLocked()
	go s.fetch(cursor)
	return true
}

func (s *Session) fetch(cursor *Cursor) {
	page, err := s.fetcher.FetchPage(s.ctx, s.query, cursor, s.config.PageSize)
	s.arrive(page, err)
}

// arrive records the outcome of one fetch, delivers it and schedules the
// next fetch when the result continues.
func (s *Session) arrive(page *Page, err error) {
	s.mu.Lock()
	if s.state == StateCancelled {
		s.settleLocked()
		s.mu.Unlock()
		return
	}

	if err != nil {
		_ = s.transitionLocked(StateErrored)
		s.err = err
		live := !s.config.Asynch || !s.delivered
		s.delivered = true
		s.mu.Unlock()

		glog.Errorf("session %s: %s", s.ID, err)
		s.relay.Trigger(EventViewError, Payload{Err: err})
		s.relay.Trigger(EventError, Payload{Err: err})
		if live && s.callback != nil {
			s.callback(nil, err)
		}
		s.settleIfQuiet()
		return
	}

	page.Index = len(s.cache)
	rv := newResultView(page, s.schema)
	s.cache = append(s.cache, page)
	s.views = append(s.views, rv)
	s.fetched += len(page.Rows)
	s.totalRows = page.TotalRows
	s.nextKey = page.NextKey
	_ = s.transitionLocked(StateDelivered)

	more := len(page.Rows) > 0 && s.fetched < s.totalRows && s.nextKey != nil
	proceed := more && s.budget != 0
	switch {
	case proceed:
		// stays Delivered until the continuation starts
	case !more:
		_ = s.transitionLocked(StateExhausted)
	default:
		_ = s.transitionLocked(StateIdle)
	}

	first := !s.delivered
	s.delivered = true
	last := s.state == StateExhausted && page.Index > 0 && !s.completed
	if last {
		s.completed = true
	}
	asynch := s.config.Asynch
	s.log("page %d offset=%d rows=%d total=%d state=%s", page.Index, page.Offset, len(page.Rows), page.TotalRows, s.state)
	s.mu.Unlock()

	s.relay.Trigger(EventChunkData, Payload{Page: page, View: rv})
	s.relay.Trigger(EventViewData, Payload{Page: page, View: rv})
	s.relay.Trigger(EventData, Payload{Page: page, View: rv})

	switch {
	case !asynch:
		if first {
			s.relay.Trigger(EventResult, Payload{Page: page, View: rv})
		}
		if s.callback != nil {
			s.callback(rv, nil)
		}
	case first:
		s.relay.Trigger(EventResult, Payload{Page: page, View: rv})
		if s.callback != nil {
			s.callback(rv, nil)
		}
	case last:
		s.relay.Trigger(EventCompleted, Payload{Page: page, View: rv})
	default:
		s.relay.Trigger(EventMoreData, Payload{Page: page, View: rv})
	}

	if !proceed {
		s.settleIfQuiet()
		return
	}
	s.schedule()
}

// settleIfQuiet releases Wait unless a handler started another fetch.
func (s *Session) settleIfQuiet() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateFetching && s.timer == nil {
		s.settleLocked()
	}
}

// schedule starts the next fetch after the configured delay.
func (s *Session) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDelivered {
		s.settleLocked()
		return
	}
	next := s.nextKey
	s.timer = time.AfterFunc(s.config.Delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.timer = nil
		if s.state != StateDelivered {
			s.settleLocked()
			return
		}
		s.startLocked(next)
	})
}

// Current returns the page the session cursor points at.
func (s *Session) Current() *ResultView {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.views) == 0 {
		return nil
	}
	return s.views[s.current]
}

// Next moves to the following cached page and publishes it as result.
// When that page is the last cached one and the result is not exhausted,
// one more page is requested in the background. At the end of the result
// the last page is returned unchanged.
func (s *Session) Next() *ResultView {
	s.mu.Lock()
	if len(s.views) == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.current < len(s.cache)-1 {
		s.current++
	}
	rv := s.views[s.current]
	if s.current == len(s.cache)-1 && s.state == StateIdle && s.nextKey != nil {
		if s.budget >= 0 {
			s.budget++
		}
		s.log("prefetch after page %d", s.current)
		s.startLocked(s.nextKey)
	}
	s.mu.Unlock()

	s.relay.Trigger(EventResult, Payload{Page: rv.Page(), View: rv})
	return rv
}

// Previous moves back one cached page and publishes it as result. It
// never requests anything.
func (s *Session) Previous() *ResultView {
	s.mu.Lock()
	if len(s.views) == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.current > 0 {
		s.current--
	}
	rv := s.views[s.current]
	s.mu.Unlock()

	s.relay.Trigger(EventResult, Payload{Page: rv.Page(), View: rv})
	return rv
}

// PageInfo describes the current page.
func (s *Session) PageInfo() PageInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := PageInfo{
		TotalRows:   s.totalRows,
		PageSize:    s.config.PageSize,
		CachedPages: len(s.cache),
		Page:        s.current,
	}
	if info.PageSize == 0 {
		info.PageSize = s.totalRows
	}
	if len(s.cache) > 0 {
		page := s.cache[s.current]
		final := s.current == len(s.cache)-1 && page.NextKey == nil
		info.Completed = page.Completed() || final
	}
	return info
}

// Pages returns the cached pages in fetch order.
func (s *Session) Pages() []*Page {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.cache)
}

// Unpaginate returns every cached row as a single page.
func (s *Session) Unpaginate() *ResultView {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cache) == 0 {
		return nil
	}
	first := s.cache[0]
	all := &Page{
		Offset:  first.Offset,
		Query:   first.Query,
		Reduced: first.Reduced,
	}
	for _, p := range s.cache {
		all.Rows = append(all.Rows, p.Rows...)
	}
	all.TotalRows = len(all.Rows)
	return newResultView(all, s.schema)
}

// Cancel abandons the session. A scheduled continuation is suppressed
// and an outstanding request is aborted; its result is discarded.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.state != StateErrored && s.state != StateCancelled {
		prev := s.state
		s.state = StateCancelled
		s.log("cancelled in state %s", prev)
		if prev != StateFetching {
			s.settleLocked()
		}
	}
	s.cancel()
}

// Wait blocks until no request is outstanding or scheduled. It returns
// the error that ended the session, ErrSessionCancelled after Cancel, or
// ctx's error.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	settled := s.settled
	s.mu.Unlock()

	select {
	case <-settled:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateErrored:
		return s.err
	case StateCancelled:
		return ErrSessionCancelled
	}
	return nil
}
