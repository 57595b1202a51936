package viewtest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/bvinc/go-sqlite-lite/sqlite3"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/valyala/fastjson"
)

const maxBodySize = 1 << 20

type handler struct {
	server *Server
}

func writeJSON(w http.ResponseWriter, statusCode int, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	w.Write(data)
}

func (h *handler) database(w http.ResponseWriter, r *http.Request) (*Database, bool) {
	db, err := h.server.Database(mux.Vars(r)["db"])
	if err != nil {
		NotOK(err, w)
		return nil, false
	}
	return db, true
}

func (h *handler) GetInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, []byte(fmt.Sprintf(`{"couchdb":"Welcome","vendor":{"name":"viewtest"},"sqlite_version":%q}`, sqlite3.Version())))
}

func (h *handler) AllDatabases(w http.ResponseWriter, r *http.Request) {
	list := h.server.ListDatabases()
	if list == nil {
		list = []string{}
	}
	data, _ := json.Marshal(list)
	writeJSON(w, http.StatusOK, data)
}

func (h *handler) GetUUIDs(w http.ResponseWriter, r *http.Request) {
	count, _ := strconv.Atoi(r.FormValue("count"))
	if count <= 0 {
		count = 1
	}
	list := make([]string, 0, count)
	for i := 0; i < count; i++ {
		list = append(list, strings.ReplaceAll(uuid.NewString(), "-", ""))
	}
	data, _ := json.Marshal(map[string][]string{"uuids": list})
	writeJSON(w, http.StatusOK, data)
}

func (h *handler) GetDatabase(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}
	stat, err := db.Stat()
	if err != nil {
		NotOK(err, w)
		return
	}
	data, _ := json.Marshal(stat)
	writeJSON(w, http.StatusOK, data)
}

func (h *handler) PutDatabase(w http.ResponseWriter, r *http.Request) {
	if _, err := h.server.CreateDatabase(mux.Vars(r)["db"]); err != nil {
		NotOK(err, w)
		return
	}
	writeJSON(w, http.StatusCreated, []byte(`{"ok":true}`))
}

func (h *handler) DeleteDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.server.DeleteDatabase(mux.Vars(r)["db"]); err != nil {
		NotOK(err, w)
		return
	}
	writeJSON(w, http.StatusOK, []byte(`{"ok":true}`))
}

func (h *handler) DatabaseAllDocs(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}
	rs, err := db.AllDocs(r.URL.Query())
	if err != nil {
		NotOK(err, w)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *handler) SelectView(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}
	vars := mux.Vars(r)
	rs, err := db.SelectView(vars["docid"], vars["view"], r.URL.Query())
	if err != nil {
		NotOK(err, w)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func readDocument(r *http.Request) (*Document, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	return ParseDocument(body)
}

func (h *handler) putDocument(docid string, w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}
	inputDoc, err := readDocument(r)
	if err != nil {
		NotOK(err, w)
		return
	}
	if docid != "" {
		if inputDoc.ID != "" && inputDoc.ID != docid {
			NotOK(fmt.Errorf("%s: %w", "Document id does not match the url", ErrDocumentInvalidID), w)
			return
		}
		inputDoc.ID = docid
	}
	if rev := r.FormValue("rev"); rev != "" && inputDoc.Version == 0 {
		if inputDoc.Version, inputDoc.Signature, err = getRev(rev); err != nil {
			NotOK(err, w)
			return
		}
	}
	outputDoc, err := db.PutDocument(r.Context(), inputDoc)
	if err != nil {
		NotOK(err, w)
		return
	}
	w.Header().Set("ETag", strconv.Quote(outputDoc.Rev()))
	writeJSON(w, http.StatusCreated, []byte(formatDocString(outputDoc)))
}

func (h *handler) getDocument(docid string, w http.ResponseWriter, r *http.Request, head bool) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}
	doc, err := db.GetDocument(docid)
	if err != nil {
		NotOK(err, w)
		return
	}
	w.Header().Set("ETag", strconv.Quote(doc.Rev()))
	if head {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, doc.JSON())
}

func (h *handler) deleteDocument(docid string, w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}
	rev := r.FormValue("rev")
	if rev == "" {
		rev = strings.Trim(r.Header.Get("If-Match"), `"`)
	}
	if rev == "" {
		NotOK(ErrDocumentConflict, w)
		return
	}
	outputDoc, err := db.DeleteDocument(r.Context(), docid, rev)
	if err != nil {
		NotOK(err, w)
		return
	}
	writeJSON(w, http.StatusOK, []byte(formatDocString(outputDoc)))
}

func (h *handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	h.getDocument(mux.Vars(r)["docid"], w, r, false)
}

func (h *handler) HeadDocument(w http.ResponseWriter, r *http.Request) {
	h.getDocument(mux.Vars(r)["docid"], w, r, true)
}

func (h *handler) PutDocument(w http.ResponseWriter, r *http.Request) {
	h.putDocument(mux.Vars(r)["docid"], w, r)
}

func (h *handler) PostDocument(w http.ResponseWriter, r *http.Request) {
	h.putDocument("", w, r)
}

func (h *handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	h.deleteDocument(mux.Vars(r)["docid"], w, r)
}

func (h *handler) GetDDocument(w http.ResponseWriter, r *http.Request) {
	h.getDocument("_design/"+mux.Vars(r)["docid"], w, r, false)
}

func (h *handler) HeadDDocument(w http.ResponseWriter, r *http.Request) {
	h.getDocument("_design/"+mux.Vars(r)["docid"], w, r, true)
}

func (h *handler) PutDDocument(w http.ResponseWriter, r *http.Request) {
	h.putDocument("_design/"+mux.Vars(r)["docid"], w, r)
}

func (h *handler) DeleteDDocument(w http.ResponseWriter, r *http.Request) {
	h.deleteDocument("_design/"+mux.Vars(r)["docid"], w, r)
}

func (h *handler) BulkDocs(w http.ResponseWriter, r *http.Request) {
	db, ok := h.database(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		NotOK(err, w)
		return
	}

	var docs []*Document
	var results []BulkResult
	parser := parserPool.Get()
	fValues, err := parser.ParseBytes(body)
	if err != nil {
		parserPool.Put(parser)
		NotOK(fmt.Errorf("%s: %w", err, ErrBadJSON), w)
		return
	}
	items := fValues.GetArray("docs")
	if fValues.Get("docs") == nil || fValues.Get("docs").Type() != fastjson.TypeArray {
		parserPool.Put(parser)
		NotOK(fmt.Errorf("%s: %w", "POST body must include `docs` parameter.", ErrBadJSON), w)
		return
	}
	raw := make([][]byte, len(items))
	for i, item := range items {
		raw[i] = item.MarshalTo(nil)
	}
	parserPool.Put(parser)

	// documents that do not parse are answered in place
	index := make([]int, 0, len(raw))
	results = make([]BulkResult, len(raw))
	for i, data := range raw {
		doc, err := ParseDocument(data)
		if err != nil {
			code, reason := errorString(err)
			results[i] = BulkResult{Error: code, Reason: reason}
			continue
		}
		docs = append(docs, doc)
		index = append(index, i)
	}
	for j, res := range db.BulkDocs(r.Context(), docs) {
		results[index[j]] = res
	}

	data, _ := json.Marshal(results)
	writeJSON(w, http.StatusCreated, data)
}
