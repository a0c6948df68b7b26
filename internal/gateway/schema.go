package gateway

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// requestSchema names one of the compiled request body schemas.
type requestSchema int

const (
	schemaQuery requestSchema = iota
	schemaResume
)

const querySchemaJSON = `{
	"type": "object",
	"required": ["query"],
	"properties": {
		"session_id": {"type": "string", "maxLength": 128},
		"query": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

const resumeSchemaJSON = `{
	"type": "object",
	"required": ["token", "decision"],
	"properties": {
		"token": {"type": "string", "minLength": 1},
		"decision": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

var compiledSchemas = func() map[requestSchema]*jsonschema.Schema {
	c := jsonschema.NewCompiler()
	add := func(name, text string) {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			panic(fmt.Sprintf("parse schema %s: %v", name, err))
		}
		if err := c.AddResource(name, doc); err != nil {
			panic(fmt.Sprintf("add schema %s: %v", name, err))
		}
	}
	add("query.json", querySchemaJSON)
	add("resume.json", resumeSchemaJSON)
	return map[requestSchema]*jsonschema.Schema{
		schemaQuery:  c.MustCompile("query.json"),
		schemaResume: c.MustCompile("resume.json"),
	}
}()

// readValidated reads the body and validates it against the named schema,
// returning the raw bytes for binding.
func readValidated(r io.Reader, schema requestSchema) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("malformed JSON body")
	}
	if err := compiledSchemas[schema].Validate(inst); err != nil {
		return nil, err
	}
	return raw, nil
}
