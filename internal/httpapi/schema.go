package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const documentBodySchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["fields"],
	"additionalProperties": false,
	"properties": {
		"fields": {
			"type": "object",
			"propertyNames": {"minLength": 1, "maxLength": 128}
		}
	}
}`

// BackupSchema describes an exported data set: a flat object of storage keys.
const BackupSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"propertyNames": {"minLength": 1, "maxLength": 128, "not": {"const": "user_settings"}}
}`

// CompileSchema compiles a JSON schema document held in memory.
func CompileSchema(name, text string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(name)
}

func MustCompileSchema(name, text string) *jsonschema.Schema {
	schema, err := CompileSchema(name, text)
	if err != nil {
		panic(err)
	}
	return schema
}

// ValidateJSON parses body and validates it against schema.
func ValidateJSON(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
