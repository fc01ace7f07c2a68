package xqueue

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

var headerSchema = jsonschema.MustCompileString("https://gema.dev/schemas/xqueue_header.json", `{
  "type": "object",
  "required": ["lms_key"],
  "properties": {
    "lms_key": {"type": "string", "minLength": 1},
    "lms_callback_url": {"type": "string"},
    "queue_name": {"type": "string"}
  }
}`)

var verdictSchema = jsonschema.MustCompileString("https://gema.dev/schemas/xqueue_verdict.json", `{
  "type": "object",
  "required": ["score", "msg"],
  "anyOf": [
    {"required": ["correct"]},
    {"required": ["correctness"]}
  ],
  "properties": {
    "correct": {"type": "boolean"},
    "correctness": {"enum": ["correct", "partially-correct", "incorrect"]},
    "score": {"type": "number"},
    "msg": {"type": "string"}
  }
}`)

// ParseCallback validates and decodes a callback's form fields.
func ParseCallback(fields map[string]string) (Callback, error) {
	var c Callback
	if err := decodeValidated(fields, FieldHeader, headerSchema, &c.Header); err != nil {
		return Callback{}, err
	}
	if err := decodeValidated(fields, FieldBody, verdictSchema, &c.Body); err != nil {
		return Callback{}, err
	}
	return c, nil
}

// Outcome returns the verdict as one of correct, partially-correct or
// incorrect.
func (v Verdict) Outcome() string {
	if v.Correctness != "" {
		return v.Correctness
	}
	if v.Correct != nil && *v.Correct {
		return "correct"
	}
	return "incorrect"
}

func decodeValidated(fields map[string]string, name string, schema *jsonschema.Schema, target any) error {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return fmt.Errorf("%w: missing %s", ErrMalformed, name)
	}

	decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
	decoder.UseNumber()
	var doc any
	if err := decoder.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	if err := json.Unmarshal([]byte(raw), target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}
	return nil
}
