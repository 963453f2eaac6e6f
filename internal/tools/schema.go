package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compileSchema compiles a JSON Schema document held as a decoded map. A nil
// or empty schema compiles to nil, which accepts anything.
func compileSchema(tool, part string, doc map[string]interface{}) (*jsonschema.Schema, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s schema: %w", part, err)
	}

	url := fmt.Sprintf("mem://tools/%s/%s.json", tool, part)
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("load %s schema: %w", part, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", part, err)
	}
	return s, nil
}

// decodeArguments parses raw tool arguments. Numbers are kept as
// json.Number so integer constraints are checked exactly. Empty input is
// treated as an empty object.
func decodeArguments(raw json.RawMessage) (interface{}, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]interface{}{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("arguments contain trailing data")
	}
	return v, nil
}

// validate checks v against s and flattens the validator's error tree into
// one line per violation.
func validate(s *jsonschema.Schema, v interface{}) error {
	if s == nil {
		return nil
	}
	err := s.Validate(v)
	if err == nil {
		return nil
	}
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err
	}
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}

// normalizeValue round-trips a Go value through JSON so it can be checked
// against a schema.
func normalizeValue(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeArguments(b)
}
