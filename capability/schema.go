package capability

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/xeipuuv/gojsonschema"
)

// EmptyObjectSchema accepts only an object with no properties.
var EmptyObjectSchema = json.RawMessage(`{"type":"object","properties":{},"additionalProperties":false}`)

func compileSchema(raw json.RawMessage) (*gojsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = EmptyObjectSchema
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchema, err)
	}
	return schema, nil
}

// validateArgs checks args against schema. Blank arguments count as an empty object.
func validateArgs(schema *gojsonschema.Schema, args json.RawMessage) (json.RawMessage, error) {
	args = bytes.TrimSpace(args)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !sonic.Valid(args) {
		return nil, fmt.Errorf("arguments are not valid JSON")
	}
	if args[0] != '{' {
		return nil, fmt.Errorf("arguments must be a JSON object")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return nil, fmt.Errorf("validating arguments: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			msgs[i] = desc.String()
		}
		return nil, fmt.Errorf("argument validation failed: %s", strings.Join(msgs, "; "))
	}
	return args, nil
}
