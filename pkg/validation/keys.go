package validation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// maxSchemaDepth bounds $ref resolution and combinator nesting.
const maxSchemaDepth = 32

// keyChecker rejects object keys a JSON Schema does not declare.
type keyChecker struct {
	doc      interface{}
	patterns map[string]*regexp.Regexp
}

func newKeyChecker(schemaJSON []byte) (*keyChecker, error) {
	var doc interface{}
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse schema: %w", err)
	}
	return &keyChecker{doc: doc, patterns: make(map[string]*regexp.Regexp)}, nil
}

// objectShape is what a schema node declares about the keys of an object.
type objectShape struct {
	declared   bool
	properties map[string]interface{}
	patterns   []patternProperty
	additional map[string]interface{} // schema of undeclared keys, nil when they are not allowed
}

type patternProperty struct {
	re     *regexp.Regexp
	schema interface{}
}

// check adds a violation to verr for every undeclared key in raw. Keys that
// already carry a violation are not reported twice.
func (k *keyChecker) check(raw json.RawMessage, verr *Error) error {
	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return fmt.Errorf("failed to decode model: %w", err)
	}

	reported := make(map[string]bool, len(verr.Violations))
	for _, v := range verr.Violations {
		reported[v.Pointer] = true
	}
	k.walk(k.doc, value, nil, verr, reported)
	return nil
}

func (k *keyChecker) walk(node, value interface{}, path []string, verr *Error, reported map[string]bool) {
	if len(path) > maxSchemaDepth {
		return
	}

	switch v := value.(type) {
	case map[string]interface{}:
		shape := objectShape{properties: make(map[string]interface{})}
		k.describe(node, &shape, 0)

		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		for _, key := range keys {
			child := append(path[:len(path):len(path)], key)
			if schema, ok := shape.properties[key]; ok {
				k.walk(schema, v[key], child, verr, reported)
				continue
			}
			if schema, ok := shape.matchPattern(key); ok {
				k.walk(schema, v[key], child, verr, reported)
				continue
			}
			if shape.additional != nil {
				k.walk(shape.additional, v[key], child, verr, reported)
				continue
			}
			if !shape.declared {
				continue
			}
			pointer := Pointer(child)
			if reported[pointer] {
				continue
			}
			reported[pointer] = true
			verr.Add(pointer, fmt.Sprintf("extraneous key [%s] is not permitted", key), "schema")
		}

	case []interface{}:
		items := k.items(node, 0)
		if items == nil {
			return
		}
		for i, item := range v {
			k.walk(items, item, append(path[:len(path):len(path)], fmt.Sprint(i)), verr, reported)
		}
	}
}

// describe merges what node and its allOf/anyOf/oneOf branches declare.
func (k *keyChecker) describe(node interface{}, shape *objectShape, depth int) {
	m := k.resolve(node, depth)
	if m == nil || depth > maxSchemaDepth {
		return
	}

	if props, ok := m["properties"].(map[string]interface{}); ok {
		shape.declared = true
		for name, schema := range props {
			if _, seen := shape.properties[name]; !seen {
				shape.properties[name] = schema
			}
		}
	}
	if patterns, ok := m["patternProperties"].(map[string]interface{}); ok {
		shape.declared = true
		for expr, schema := range patterns {
			if re := k.compile(expr); re != nil {
				shape.patterns = append(shape.patterns, patternProperty{re: re, schema: schema})
			}
		}
	}
	if additional, ok := m["additionalProperties"].(map[string]interface{}); ok && shape.additional == nil {
		shape.additional = additional
	}

	for _, combinator := range []string{"allOf", "anyOf", "oneOf"} {
		branches, _ := m[combinator].([]interface{})
		for _, branch := range branches {
			k.describe(branch, shape, depth+1)
		}
	}
}

func (k *keyChecker) items(node interface{}, depth int) interface{} {
	m := k.resolve(node, depth)
	if m == nil {
		return nil
	}
	if items, ok := m["items"].(map[string]interface{}); ok {
		return items
	}
	return nil
}

// resolve follows local $ref pointers such as "#/definitions/Tag".
func (k *keyChecker) resolve(node interface{}, depth int) map[string]interface{} {
	m, _ := node.(map[string]interface{})
	for i := depth; m != nil && i <= maxSchemaDepth; i++ {
		ref, ok := m["$ref"].(string)
		if !ok || !strings.HasPrefix(ref, "#") {
			return m
		}
		m, _ = lookupPointer(k.doc, strings.TrimPrefix(ref, "#")).(map[string]interface{})
	}
	return m
}

func (k *keyChecker) compile(expr string) *regexp.Regexp {
	if re, ok := k.patterns[expr]; ok {
		return re
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		re = nil
	}
	k.patterns[expr] = re
	return re
}

func (s *objectShape) matchPattern(key string) (interface{}, bool) {
	for _, p := range s.patterns {
		if p.re.MatchString(key) {
			return p.schema, true
		}
	}
	return nil, false
}

// lookupPointer evaluates an RFC 6901 pointer against doc.
func lookupPointer(doc interface{}, pointer string) interface{} {
	if pointer == "" {
		return doc
	}
	cur := doc
	for _, token := range strings.Split(strings.TrimPrefix(pointer, "/"), "/") {
		token = strings.ReplaceAll(token, "~1", "/")
		token = strings.ReplaceAll(token, "~0", "~")
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = m[token]
	}
	return cur
}
