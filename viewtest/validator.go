package viewtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/qri-io/jsonschema"
	"github.com/valyala/fastjson"
)

// SchemaDesignID is the design document holding per-kind JSON schemas.
// A document whose "kind" member names one of them is validated before
// it is written.
const SchemaDesignID = "_design/_schema"

type schemaValidator struct {
	schema map[string]*jsonschema.Schema
}

// Setup loads the schemas declared by design. A nil design clears them.
func (validator *schemaValidator) Setup(design *Document) error {
	schemas := make(map[string]*jsonschema.Schema)
	if design == nil || design.Deleted {
		validator.schema = schemas
		return nil
	}

	parser := parserPool.Get()
	defer parserPool.Put(parser)
	v, err := parser.ParseBytes(design.Data)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrBadJSON)
	}

	var setupErr error
	if obj := v.GetObject("schema"); obj != nil {
		obj.Visit(func(key []byte, value *fastjson.Value) {
			if setupErr != nil {
				return
			}
			rs := &jsonschema.Schema{}
			value.Set("type", fastjson.MustParse(`"object"`))
			if err := json.Unmarshal(value.MarshalTo(nil), rs); err != nil {
				setupErr = fmt.Errorf("%s: %w", err, ErrDocumentInvalidInput)
				return
			}
			schemas[string(key)] = rs
		})
	}
	if setupErr != nil {
		return setupErr
	}
	validator.schema = schemas
	return nil
}

// Validate checks doc against the schema of its kind.
func (validator *schemaValidator) Validate(ctx context.Context, doc *Document) error {
	if doc.Deleted || len(validator.schema) == 0 {
		return nil
	}

	parser := parserPool.Get()
	defer parserPool.Put(parser)
	v, err := parser.ParseBytes(doc.Data)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrBadJSON)
	}
	kind := string(v.GetStringBytes("kind"))
	schema, ok := validator.schema[kind]
	if !ok {
		return nil
	}

	errs, err := schema.ValidateBytes(ctx, doc.Data)
	if err != nil {
		return fmt.Errorf("%s: %w", err, ErrInternalError)
	}
	if len(errs) > 0 {
		var messages []string
		for _, e := range errs {
			messages = append(messages, e.Message)
		}
		return fmt.Errorf("%s: %w", strings.Join(messages, "; "), ErrDocumentInvalidInput)
	}
	return nil
}
