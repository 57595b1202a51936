package viewtest

import (
	"github.com/bvinc/go-sqlite-lite/sqlite3"
)

func setupDatabaseScript() string {
	return `
		CREATE TABLE IF NOT EXISTS documents (
			doc_id 		TEXT,
			version     INTEGER,
			hash 		TEXT,
			deleted     BOOL,
			data        TEXT,
			seq         INTEGER,
			PRIMARY KEY (doc_id)
		) WITHOUT ROWID;

		CREATE INDEX IF NOT EXISTS idx_changes ON documents
			(seq, doc_id, deleted);
		`
}

// store keeps the documents of one database in sqlite. It is not safe
// for concurrent use; Database serializes access.
type store struct {
	conn *sqlite3.Conn

	stmtPutDocument   *sqlite3.Stmt
	stmtDocumentByID  *sqlite3.Stmt
	stmtAllDocuments  *sqlite3.Stmt
	stmtDocumentCount *sqlite3.Stmt
	stmtLastSequence  *sqlite3.Stmt
}

func openStore(connectionString string) (*store, error) {
	con, err := sqlite3.Open(connectionString)
	if err != nil {
		return nil, err
	}
	s := &store{conn: con}

	if err := con.Exec(setupDatabaseScript()); err != nil {
		con.Close()
		return nil, err
	}
	if err := s.prepare(); err != nil {
		con.Close()
		return nil, err
	}
	return s, nil
}

func (s *store) prepare() error {
	con := s.conn
	var err error
	s.stmtPutDocument, err = con.Prepare("INSERT OR REPLACE INTO documents (doc_id, version, hash, deleted, seq, data) VALUES(?, ?, ?, ?, ?, ?)")
	if err != nil {
		return err
	}
	s.stmtDocumentByID, err = con.Prepare("SELECT doc_id, version, hash, deleted, data FROM documents WHERE doc_id = ?")
	if err != nil {
		return err
	}
	s.stmtAllDocuments, err = con.Prepare("SELECT doc_id, version, hash, deleted, data FROM documents WHERE deleted != 1 ORDER BY doc_id")
	if err != nil {
		return err
	}
	s.stmtDocumentCount, err = con.Prepare("SELECT deleted, COUNT(1) as count FROM documents GROUP BY deleted")
	if err != nil {
		return err
	}
	s.stmtLastSequence, err = con.Prepare("SELECT IFNULL(MAX(seq), 0) FROM documents")
	return err
}

// WithTx runs fn in a transaction.
func (s *store) WithTx(fn func() error) error {
	return s.conn.WithTx(fn)
}

// GetDocumentByID returns the document id, deleted or not, or nil.
func (s *store) GetDocumentByID(id string) (*Document, error) {
	defer s.stmtDocumentByID.Reset()
	if err := s.stmtDocumentByID.Bind(id); err != nil {
		return nil, err
	}
	hasRow, err := s.stmtDocumentByID.Step()
	if err != nil || !hasRow {
		return nil, err
	}
	doc := &Document{}
	if err := s.stmtDocumentByID.Scan(&doc.ID, &doc.Version, &doc.Signature, &doc.Deleted, &doc.Data); err != nil {
		return nil, err
	}
	return doc, nil
}

// PutDocument writes doc as the current revision.
func (s *store) PutDocument(seq int, doc *Document) error {
	defer s.stmtPutDocument.Reset()
	return s.stmtPutDocument.Exec(doc.ID, doc.Version, doc.Signature, doc.Deleted, seq, doc.Data)
}

// AllDocuments calls fn for every live document in id order.
func (s *store) AllDocuments(fn func(doc *Document) error) error {
	defer s.stmtAllDocuments.Reset()
	for {
		hasRow, err := s.stmtAllDocuments.Step()
		if err != nil {
			return err
		}
		if !hasRow {
			return nil
		}
		doc := &Document{}
		if err := s.stmtAllDocuments.Scan(&doc.ID, &doc.Version, &doc.Signature, &doc.Deleted, &doc.Data); err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
}

// DocumentCount returns the number of live and deleted documents.
func (s *store) DocumentCount() (int, int, error) {
	defer s.stmtDocumentCount.Reset()
	docCount, deletedDocCount := 0, 0
	for {
		hasRow, err := s.stmtDocumentCount.Step()
		if err != nil {
			return 0, 0, err
		}
		if !hasRow {
			return docCount, deletedDocCount, nil
		}
		var deleted, count int
		if err := s.stmtDocumentCount.Scan(&deleted, &count); err != nil {
			return 0, 0, err
		}
		if deleted == 0 {
			docCount = count
		} else {
			deletedDocCount = count
		}
	}
}

// LastSequence returns the highest update sequence written.
func (s *store) LastSequence() (int, error) {
	defer s.stmtLastSequence.Reset()
	hasRow, err := s.stmtLastSequence.Step()
	if err != nil || !hasRow {
		return 0, err
	}
	var seq int
	err = s.stmtLastSequence.Scan(&seq)
	return seq, err
}

// Close releases the statements and the connection.
func (s *store) Close() error {
	for _, stmt := range []*sqlite3.Stmt{s.stmtPutDocument, s.stmtDocumentByID, s.stmtAllDocuments, s.stmtDocumentCount, s.stmtLastSequence} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.conn.Close()
}
