package httpapi

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	schemaBaseURL   = "https://conversational-ivr.local/"
	callEventSchema = "schemas/call_event.json"
	flowSchema      = "schemas/flow.json"
)

// schemas holds the compiled request body schemas.
type schemas struct {
	callEvent *jsonschema.Schema
	flow      *jsonschema.Schema
}

func compileSchemas() (schemas, error) {
	callEvent, err := compileSchema(callEventSchema)
	if err != nil {
		return schemas{}, err
	}
	flow, err := compileSchema(flowSchema)
	if err != nil {
		return schemas{}, err
	}
	return schemas{callEvent: callEvent, flow: flow}, nil
}

func compileSchema(name string) (*jsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("read schema %s: %w", name, err)
	}
	url := schemaBaseURL + name
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// validateBody checks raw JSON against schema and decodes it into out.
func validateBody(schema *jsonschema.Schema, raw []byte, out any) error {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(payload); err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}
