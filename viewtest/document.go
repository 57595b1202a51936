package viewtest

import (
	"crypto/md5"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/valyala/fastjson"
)

var parserPool fastjson.ParserPool

// Document is a stored document. Data is the body without the _id, _rev
// and _deleted members.
type Document struct {
	ID        string
	Version   int
	Signature string
	Deleted   bool
	Data      []byte
}

// Rev returns the revision string, empty for a document never written.
func (doc *Document) Rev() string {
	if doc.Version == 0 {
		return ""
	}
	return formatRev(doc.Version, doc.Signature)
}

// CalculateNextVersion bumps the version and signs the new body.
func (doc *Document) CalculateNextVersion() {
	doc.Version = doc.Version + 1
	doc.Signature = fmt.Sprintf("%x", md5.Sum(append([]byte(strconv.FormatBool(doc.Deleted)), doc.Data...)))
}

// JSON returns the document with its metadata members.
func (doc *Document) JSON() []byte {
	meta := fmt.Sprintf(`{"_id":%s,"_rev":"%s"`, quote(doc.ID), doc.Rev())
	if doc.Deleted {
		meta += `,"_deleted":true`
	}
	body := doc.Data
	if len(body) <= 2 {
		return []byte(meta + "}")
	}
	data := make([]byte, 0, len(meta)+len(body))
	data = append(data, meta...)
	data = append(data, ',')
	return append(data, body[1:]...)
}

// ParseDocument splits a JSON object into metadata and body.
func ParseDocument(value []byte) (*Document, error) {
	parser := parserPool.Get()
	defer parserPool.Put(parser)
	v, err := parser.ParseBytes(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", err, ErrBadJSON)
	}

	if v.Type() != fastjson.TypeObject {
		return nil, fmt.Errorf("%s: %w", "Document must be a JSON object", ErrBadJSON)
	}

	doc := &Document{}
	if v.Exists("_id") {
		id := v.Get("_id")
		if id.Type() != fastjson.TypeString {
			return nil, fmt.Errorf("%s: %w", "Document id must be a string", ErrDocumentInvalidID)
		}
		doc.ID = string(id.GetStringBytes())
	}

	if v.Exists("_rev") {
		doc.Version, doc.Signature, err = getRev(string(v.GetStringBytes("_rev")))
		if err != nil {
			return nil, err
		}
	}

	doc.Deleted = v.GetBool("_deleted")

	if doc.ID == "" && doc.Version != 0 {
		return nil, fmt.Errorf("%s: %w", "document can't have _rev without _id", ErrDocumentInvalidID)
	}

	v.Del("_id")
	v.Del("_rev")
	v.Del("_deleted")
	doc.Data = v.MarshalTo(nil)

	return doc, nil
}

func formatRev(version int, hash string) string {
	return fmt.Sprintf("%d-%s", version, hash)
}

func getRev(rev string) (int, string, error) {
	fields := strings.SplitN(strings.ReplaceAll(rev, `"`, ""), "-", 2)
	if len(fields) != 2 {
		return 0, "", fmt.Errorf("%s: %w", "Invalid rev format", ErrBadJSON)
	}
	version, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, "", fmt.Errorf("%s: %w", "Invalid rev format", ErrBadJSON)
	}
	return version, fields[1], nil
}

func formatDocString(doc *Document) string {
	return fmt.Sprintf(`{"ok":true,"id":%s,"rev":"%s"}`, quote(doc.ID), doc.Rev())
}

func quote(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}
