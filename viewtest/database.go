package viewtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

// DBStat is the GET /{db} body.
type DBStat struct {
	DBName          string `json:"db_name"`
	UpdateSeq       int    `json:"update_seq"`
	DocCount        int    `json:"doc_count"`
	DeletedDocCount int    `json:"doc_del_count"`
}

// Database is one database of the server. Access is serialized.
type Database struct {
	name string

	mu        sync.Mutex
	store     *store
	seq       int
	views     map[string]*view
	allDocs   *view
	validator schemaValidator
}

func openDatabase(name, connectionString string) (*Database, error) {
	s, err := openStore(connectionString)
	if err != nil {
		return nil, err
	}
	db := &Database{name: name, store: s, views: make(map[string]*view), allDocs: &view{}}
	if db.seq, err = s.LastSequence(); err != nil {
		s.Close()
		return nil, err
	}
	design, err := s.GetDocumentByID(SchemaDesignID)
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := db.validator.Setup(design); err != nil {
		s.Close()
		return nil, err
	}
	return db, nil
}

// Name returns the database name.
func (db *Database) Name() string { return db.name }

// Close closes the underlying store.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.store.Close()
}

func validateDocID(id string) bool {
	id = strings.TrimSpace(id)
	if len(id) > 0 && !strings.HasPrefix(id, "_design/") && id[0] == '_' {
		return false
	}
	return true
}

// PutDocument writes newDoc. Its revision must be the current one when
// the document exists and is not deleted.
func (db *Database) PutDocument(ctx context.Context, newDoc *Document) (*Document, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.putDocument(ctx, newDoc)
}

func (db *Database) putDocument(ctx context.Context, newDoc *Document) (*Document, error) {
	if !validateDocID(newDoc.ID) {
		return nil, fmt.Errorf("%s: %w", "Only reserved document ids may start with underscore.", ErrDocumentInvalidID)
	}
	if newDoc.ID == "" {
		newDoc.ID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	current, err := db.store.GetDocumentByID(newDoc.ID)
	if err != nil {
		return nil, err
	}
	switch {
	case current == nil:
		if newDoc.Version != 0 {
			return nil, ErrDocumentConflict
		}
	case current.Deleted:
		if newDoc.Version != 0 && newDoc.Rev() != current.Rev() {
			return nil, ErrDocumentConflict
		}
		newDoc.Version = current.Version
	default:
		if newDoc.Rev() != current.Rev() {
			return nil, ErrDocumentConflict
		}
	}

	if newDoc.Deleted {
		if current == nil || current.Deleted {
			return nil, ErrDocumentNotFound
		}
		newDoc.Data = []byte("{}")
	}
	if len(newDoc.Data) == 0 {
		newDoc.Data = []byte("{}")
	}
	if err := db.validator.Validate(ctx, newDoc); err != nil {
		return nil, err
	}

	newDoc.CalculateNextVersion()
	db.seq++
	err = db.store.WithTx(func() error {
		return db.store.PutDocument(db.seq, newDoc)
	})
	if err != nil {
		db.seq--
		return nil, err
	}

	if newDoc.ID == SchemaDesignID {
		if err := db.validator.Setup(newDoc); err != nil {
			glog.Warningf("viewtest: %s: %s", db.name, err)
		}
	}
	return newDoc, nil
}

// GetDocument returns the live document id.
func (db *Database) GetDocument(id string) (*Document, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	doc, err := db.store.GetDocumentByID(id)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.Deleted {
		return nil, ErrDocumentNotFound
	}
	return doc, nil
}

// DeleteDocument deletes revision rev of the document id.
func (db *Database) DeleteDocument(ctx context.Context, id, rev string) (*Document, error) {
	version, signature, err := getRev(rev)
	if err != nil {
		return nil, err
	}
	return db.PutDocument(ctx, &Document{ID: id, Version: version, Signature: signature, Deleted: true})
}

// BulkResult is one entry of a _bulk_docs answer.
type BulkResult struct {
	OK     bool   `json:"ok,omitempty"`
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// BulkDocs writes every document independently; failures are reported
// per document.
func (db *Database) BulkDocs(ctx context.Context, docs []*Document) []BulkResult {
	db.mu.Lock()
	defer db.mu.Unlock()
	results := make([]BulkResult, 0, len(docs))
	for _, doc := range docs {
		out, err := db.putDocument(ctx, doc)
		if err != nil {
			code, reason := errorString(err)
			results = append(results, BulkResult{ID: doc.ID, Error: code, Reason: reason})
			continue
		}
		results = append(results, BulkResult{OK: true, ID: out.ID, Rev: out.Rev()})
	}
	return results
}

// DefineView registers a view of the design document design.
func (db *Database) DefineView(design, name string, def ViewDef) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.views[strings.TrimPrefix(design, "_design/")+"/"+name] = &view{def: def}
}

// SelectView queries a view; the index is rebuilt when documents changed
// since the last query.
func (db *Database) SelectView(design, name string, values url.Values) ([]byte, error) {
	q, err := parseViewQuery(values)
	if err != nil {
		return nil, err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	v, ok := db.views[strings.TrimPrefix(design, "_design/")+"/"+name]
	if !ok {
		return nil, ErrViewNotFound
	}
	if !v.built || v.builtSeq != db.seq {
		glog.V(2).Infof("viewtest: %s: building %s/%s at seq %d", db.name, design, name, db.seq)
		if err := v.build(db.seq, db.store.AllDocuments); err != nil {
			return nil, err
		}
	}

	c := newCollator()
	rs, err := selectRows(v.rows, q, v.def.Reduce, c.Compare)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rs)
}

// AllDocs lists the live documents by id.
func (db *Database) AllDocs(values url.Values) ([]byte, error) {
	q, err := parseViewQuery(values)
	if err != nil {
		return nil, err
	}
	if q.reduce != nil && *q.reduce {
		return nil, queryParseError("Reduce is invalid for map-only views.")
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	v := db.allDocs
	if !v.built || v.builtSeq != db.seq {
		var rows []indexRow
		err := db.store.AllDocuments(func(doc *Document) error {
			rows = append(rows, indexRow{ID: doc.ID, Key: doc.ID, Value: map[string]interface{}{"rev": doc.Rev()}, Doc: doc})
			return nil
		})
		if err != nil {
			return nil, err
		}
		v.rows, v.builtSeq, v.built = rows, db.seq, true
	}

	c := newCollator()
	idCompare := func(a, b interface{}) int {
		as, aok := a.(string)
		bs, bok := b.(string)
		if aok && bok {
			return rawCompare(as, bs)
		}
		return c.Compare(a, b)
	}
	rs, err := selectRows(v.rows, q, "", idCompare)
	if err != nil {
		return nil, err
	}
	return json.Marshal(rs)
}

// Stat describes the database.
func (db *Database) Stat() (*DBStat, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	live, deleted, err := db.store.DocumentCount()
	if err != nil {
		return nil, err
	}
	return &DBStat{DBName: db.name, UpdateSeq: db.seq, DocCount: live, DeletedDocCount: deleted}, nil
}
