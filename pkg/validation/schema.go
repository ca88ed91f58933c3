package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cuejson "cuelang.org/go/encoding/json"
	"cuelang.org/go/encoding/jsonschema"
)

// Validator checks a raw resource model.
type Validator interface {
	// Validate returns *Error when the model is invalid, or another error when
	// validation itself could not run.
	Validate(ctx context.Context, raw json.RawMessage) error
}

// SchemaValidator validates models against a JSON Schema compiled to CUE.
// Models are read strictly: an object whose schema declares properties
// rejects every key it does not declare, whatever additionalProperties says,
// unless additionalProperties is itself a schema (a map type).
type SchemaValidator struct {
	mu     sync.Mutex // cue.Context is not safe for concurrent use
	ctx    *cue.Context
	schema cue.Value
	keys   *keyChecker
}

// NewSchemaValidator compiles a JSON Schema document.
func NewSchemaValidator(schemaJSON []byte) (*SchemaValidator, error) {
	ctx := cuecontext.New()

	expr, err := cuejson.Extract("schema.json", schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	doc := ctx.BuildExpr(expr)
	if err := doc.Err(); err != nil {
		return nil, fmt.Errorf("failed to build schema document: %w", err)
	}

	file, err := jsonschema.Extract(doc, &jsonschema.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to convert JSON Schema: %w", err)
	}

	schema := ctx.BuildFile(file)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	keys, err := newKeyChecker(schemaJSON)
	if err != nil {
		return nil, err
	}

	return &SchemaValidator{ctx: ctx, schema: schema, keys: keys}, nil
}

// Validate implements Validator.
func (v *SchemaValidator) Validate(_ context.Context, raw json.RawMessage) error {
	if len(raw) == 0 {
		verr := &Error{}
		verr.Add(RootPointer, "resource model is required", "schema")
		return verr
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	expr, err := cuejson.Extract("model.json", raw)
	if err != nil {
		verr := &Error{}
		verr.Add(RootPointer, fmt.Sprintf("resource model is not valid JSON: %v", err), "schema")
		return verr
	}

	model := v.ctx.BuildExpr(expr)
	unified := v.schema.Unify(model)

	verr := &Error{}
	if err := fromCUE(unified.Validate(cue.Concrete(true))); err != nil {
		if !errors.As(err, &verr) {
			return err
		}
	}
	if err := v.keys.check(raw, verr); err != nil {
		return err
	}
	return verr.OrNil()
}

// fromCUE converts CUE errors into violations, one per distinct path and message.
func fromCUE(err error) error {
	if err == nil {
		return nil
	}

	verr := &Error{}
	seen := make(map[string]bool)
	for _, e := range cueerrors.Errors(err) {
		pointer := Pointer(cleanPath(cueerrors.Path(e)))
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)

		key := pointer + "\x00" + msg
		if seen[key] {
			continue
		}
		seen[key] = true
		verr.Add(pointer, msg, "schema")
	}
	if len(verr.Violations) == 0 {
		verr.Add(RootPointer, err.Error(), "schema")
	}
	return verr
}

// cleanPath unquotes CUE labels that are not identifiers.
func cleanPath(path []string) []string {
	out := make([]string, 0, len(path))
	for _, p := range path {
		if strings.HasPrefix(p, `"`) {
			if s, err := strconv.Unquote(p); err == nil {
				p = s
			}
		}
		out = append(out, p)
	}
	return out
}

// Chain runs validators in order and merges their violations. A non-validation
// error stops the chain.
type Chain []Validator

// Validate implements Validator.
func (c Chain) Validate(ctx context.Context, raw json.RawMessage) error {
	merged := &Error{}
	for _, v := range c {
		if v == nil {
			continue
		}
		err := v.Validate(ctx, raw)
		if err == nil {
			continue
		}
		var verr *Error
		if !errors.As(err, &verr) {
			return err
		}
		merged.Violations = append(merged.Violations, verr.Violations...)
	}
	return merged.OrNil()
}
