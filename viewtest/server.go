// Package viewtest is a small CouchDB-compatible server: documents live
// in sqlite, views are Go map functions with the built-in reduces. It
// backs the client's tests and the serve command.
package viewtest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

var dbExt = ".db"

var validDBName = regexp.MustCompile(`^[a-z][a-z0-9_$()+/-]*$`)

// Server holds the databases.
type Server struct {
	dbPath string

	rwmux sync.RWMutex
	dbs   map[string]*Database
}

// NewServer returns a server keeping its databases under dbPath, or in
// memory when dbPath is empty.
func NewServer(dbPath string) *Server {
	return &Server{dbPath: dbPath, dbs: make(map[string]*Database)}
}

func (s *Server) connectionString(name string) string {
	if s.dbPath == "" {
		return ":memory:"
	}
	return filepath.Join(s.dbPath, name+dbExt)
}

// CreateDatabase creates the named database.
func (s *Server) CreateDatabase(name string) (*Database, error) {
	if !validDBName.MatchString(name) {
		return nil, fmt.Errorf("%s: %w", "Name: '"+name+"'. Only lowercase characters (a-z), digits (0-9), and any of the characters _, $, (, ), +, -, and / are allowed. Must begin with a letter.", ErrDatabaseInvalidName)
	}

	s.rwmux.Lock()
	defer s.rwmux.Unlock()
	if _, ok := s.dbs[name]; ok {
		return nil, ErrDatabaseExists
	}
	if s.dbPath != "" {
		if err := os.MkdirAll(s.dbPath, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := openDatabase(name, s.connectionString(name))
	if err != nil {
		return nil, err
	}
	s.dbs[name] = db
	return db, nil
}

// Database returns the named database.
func (s *Server) Database(name string) (*Database, error) {
	s.rwmux.RLock()
	defer s.rwmux.RUnlock()
	db, ok := s.dbs[name]
	if !ok {
		return nil, ErrDatabaseNotFound
	}
	return db, nil
}

// DeleteDatabase closes and forgets the named database.
func (s *Server) DeleteDatabase(name string) error {
	s.rwmux.Lock()
	defer s.rwmux.Unlock()
	db, ok := s.dbs[name]
	if !ok {
		return ErrDatabaseNotFound
	}
	delete(s.dbs, name)
	return db.Close()
}

// ListDatabases returns the database names in order.
func (s *Server) ListDatabases() []string {
	s.rwmux.RLock()
	defer s.rwmux.RUnlock()
	names := maps.Keys(s.dbs)
	slices.Sort(names)
	return names
}

// Close closes every database.
func (s *Server) Close() error {
	s.rwmux.Lock()
	defer s.rwmux.Unlock()
	var first error
	for name, db := range s.dbs {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(s.dbs, name)
	}
	return first
}
