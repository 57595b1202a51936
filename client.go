package kdbview

import (
	"context"
	"errors"
	"net/http"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSchemaCacheSize is the number of view schemas a client keeps.
const DefaultSchemaCacheSize = 128

// Client is a handle on a document store.
type Client struct {
	url             string
	transport       Transport
	httpClient      *http.Client
	cred            *Credentials
	schemaCacheSize int
	schemas         *lru.Cache[string, *Schema]
}

// Option configures a Client.
type Option func(*Client)

// WithTransport replaces the HTTP transport, typically in tests.
func WithTransport(t Transport) Option {
	return func(c *Client) { c.transport = t }
}

// WithHTTPClient sets the http.Client of the default transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCredentials enables basic auth on the default transport.
func WithCredentials(cred *Credentials) Option {
	return func(c *Client) { c.cred = cred }
}

// WithSchemaCacheSize bounds the number of cached view schemas.
func WithSchemaCacheSize(n int) Option {
	return func(c *Client) { c.schemaCacheSize = n }
}

// NewClient returns a client for the store at url.
func NewClient(url string, opts ...Option) (*Client, error) {
	c := &Client{
		url:             strings.TrimRight(url, "/"),
		schemaCacheSize: DefaultSchemaCacheSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.transport == nil {
		c.transport = NewHTTPTransport(c.url, c.httpClient, c.cred)
	}
	if c.schemaCacheSize <= 0 {
		c.schemaCacheSize = DefaultSchemaCacheSize
	}
	cache, err := lru.New[string, *Schema](c.schemaCacheSize)
	if err != nil {
		return nil, err
	}
	c.schemas = cache
	return c, nil
}

// URL returns the base url of the store.
func (c *Client) URL() string { return c.url }

// Transport returns the transport requests go through.
func (c *Client) Transport() Transport { return c.transport }

// Database returns a handle on the named database. No request is made.
func (c *Client) Database(name string) *Database {
	return &Database{client: c, name: name}
}

// Database is a handle on one database.
type Database struct {
	client *Client
	name   string
}

// Name returns the database name.
func (db *Database) Name() string { return db.name }

// Create creates the database.
func (db *Database) Create(ctx context.Context) error {
	_, err := db.client.transport.Do(ctx, &Request{Path: path(db.name), Method: http.MethodPut})
	return err
}

// Destroy deletes the database.
func (db *Database) Destroy(ctx context.Context) error {
	_, err := db.client.transport.Do(ctx, &Request{Path: path(db.name), Method: http.MethodDelete})
	return err
}

// Design returns a handle on the design document _design/name.
func (db *Database) Design(name string) *Design {
	return &Design{db: db, name: strings.TrimPrefix(name, "_design/")}
}

// AllDocs returns the _all_docs index as a view.
func (db *Database) AllDocs() *View {
	return &View{db: db, name: "_all_docs", allDocs: true}
}

// Design is a handle on a design document.
type Design struct {
	db   *Database
	name string
}

// ID returns the document id of the design.
func (d *Design) ID() string { return "_design/" + d.name }

// View returns a handle on a view of the design.
func (d *Design) View(name string) *View {
	return &View{db: d.db, design: d, name: name}
}

// View is a queryable map/reduce index.
type View struct {
	db      *Database
	design  *Design
	name    string
	allDocs bool
}

// Name returns the view name.
func (v *View) Name() string { return v.name }

// Path returns the request path of the view.
func (v *View) Path() string {
	if v.allDocs {
		return path(v.db.name, "_all_docs")
	}
	return path(v.db.name, v.design.ID(), "_view", v.name)
}

// Schema returns the column layout declared for the view by its design
// document. A missing design document yields an empty schema. Schemas are
// cached per client.
func (v *View) Schema(ctx context.Context) (*Schema, error) {
	if v.allDocs {
		return NewSchema(), nil
	}
	cacheKey := v.Path()
	if s, ok := v.db.client.schemas.Get(cacheKey); ok {
		return s, nil
	}

	resp, err := v.db.client.transport.Do(ctx, &Request{Path: path(v.db.name, v.design.ID()), Method: http.MethodGet})
	var s *Schema
	switch {
	case err == nil:
		if s, err = ParseSchema(ctx, resp.Data, v.name); err != nil {
			return nil, err
		}
	case StatusCode(err) == http.StatusNotFound:
		s = NewSchema()
	default:
		return nil, err
	}
	v.db.client.schemas.Add(cacheKey, s)
	return s, nil
}

// Prepare validates opts and returns a session that has not started yet,
// so that handlers can be registered before the first page arrives. The
// session lives until ctx is done or it is cancelled.
func (v *View) Prepare(ctx context.Context, opts RawOptions, config SystemConfig, cb ResultFunc) (*Session, error) {
	q, err := Validate(opts)
	if err != nil {
		return nil, err
	}
	schema, err := v.Schema(ctx)
	if err != nil {
		return nil, err
	}
	fetcher := &PageFetcher{transport: v.db.client.transport, path: v.Path(), allDocs: v.allDocs}
	return newSession(ctx, fetcher, q, config.Effective(q), schema, cb), nil
}

// Fetch validates opts and starts fetching. Invalid options are returned
// before any request is made. Pages are reported to cb; with Asynch set
// only the first one is, later pages are published as more-data and
// completed events.
func (v *View) Fetch(ctx context.Context, opts RawOptions, config SystemConfig, cb ResultFunc) (*Session, error) {
	s, err := v.Prepare(ctx, opts, config, cb)
	if err != nil {
		return nil, err
	}
	s.Start()
	return s, nil
}

// Query fetches the whole result in one request and waits for it.
func (v *View) Query(ctx context.Context, opts RawOptions) (*ResultView, error) {
	s, err := v.Fetch(ctx, opts, DefaultSystemConfig(), nil)
	if err != nil {
		return nil, err
	}
	if err := s.Wait(ctx); err != nil {
		return nil, err
	}
	rv := s.Current()
	if rv == nil {
		return nil, errors.New("view returned no page")
	}
	return rv, nil
}
