package config

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/objstore/errors"
)

//go:embed schema.json
var schemaJSON []byte

var configSchema = gojsonschema.NewBytesLoader(schemaJSON)

// Schema returns the JSON schema every configuration file is checked against
func Schema() []byte {
	out := make([]byte, len(schemaJSON))
	copy(out, schemaJSON)
	return out
}

// validateSchema checks one decoded configuration layer against the embedded schema
func validateSchema(raw map[string]any) error {
	result, err := gojsonschema.Validate(configSchema, gojsonschema.NewGoLoader(raw))
	if err != nil {
		return fmt.Errorf("%w: schema validation: %w", errors.ErrInvalidConfig, err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(msgs, "; "))
}
