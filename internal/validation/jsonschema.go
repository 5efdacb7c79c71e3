package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/hitl/pkg/schema"
)

const (
	inboundSchemaURL = "https://hitl.dev/schemas/inbound-response.json"
	formSchemaURL    = "https://hitl.dev/schemas/form.json"
	startSchemaURL   = "https://hitl.dev/schemas/start-execution.json"
)

// MissingTokenMessage is the 400 body text for webhook deliveries without a token.
const MissingTokenMessage = "Missing correlationToken in webhook payload"

// inboundSchemaJSON accepts any object carrying a non-empty string token.
// Every other field is an opaque pass-through.
const inboundSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://hitl.dev/schemas/inbound-response.json",
  "type": "object",
  "required": ["correlationToken"],
  "properties": {
    "correlationToken": { "type": "string", "minLength": 1 }
  }
}`

// formSchemaJSON is the strict-mode shape of a structured-form definition:
// an object whose elements (directly or inside pages) are named, typed questions.
const formSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://hitl.dev/schemas/form.json",
  "type": "object",
  "anyOf": [
    { "required": ["elements"] },
    { "required": ["pages"] }
  ],
  "properties": {
    "elements": { "$ref": "#/$defs/elements" },
    "pages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["elements"],
        "properties": { "elements": { "$ref": "#/$defs/elements" } }
      }
    }
  },
  "$defs": {
    "elements": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type", "name"],
        "properties": {
          "type": { "type": "string", "minLength": 1 },
          "name": { "type": "string", "minLength": 1 }
        }
      }
    }
  }
}`

// startSchemaJSON validates the body of POST /api/executions.
const startSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://hitl.dev/schemas/start-execution.json",
  "type": "object",
  "required": ["workflow", "params"],
  "properties": {
    "workflow": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" }
      }
    },
    "node": { "type": "string" },
    "credential": { "type": "string" },
    "continueOnFail": { "type": "boolean" },
    "input": { "type": "array", "items": { "type": "object" } },
    "inputSchema": { "type": "object" },
    "params": {
      "type": "object",
      "required": ["title", "message", "responseShape"],
      "properties": {
        "operation": { "type": "string" },
        "title": { "type": "string", "minLength": 1 },
        "message": { "type": "string", "minLength": 1 },
        "responseShape": { "enum": ["ack", "binary", "free-text", "structured-form"] },
        "formSchema": { "type": "string" },
        "additionalData": { "type": "string" },
        "options": {
          "type": "object",
          "properties": {
            "priority": { "enum": ["low", "normal", "high", "urgent"] },
            "timeoutMinutes": { "type": "integer", "minimum": 0 },
            "assignee": { "type": "string" },
            "tags": { "type": "string" }
          },
          "additionalProperties": false
        }
      }
    }
  }
}`

// JSONSchemaValidator implements Validator using JSON Schema Draft 2020-12.
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	inbound *jsonschema.Schema
	form    *jsonschema.Schema
	start   *jsonschema.Schema

	// mu guards the cache of dynamically compiled input schemas.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator pre-compiles the built-in schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()
	for url, src := range map[string]string{
		inboundSchemaURL: inboundSchemaJSON,
		formSchemaURL:    formSchemaJSON,
		startSchemaURL:   startSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add %s: %w", url, err)
		}
	}

	v := &JSONSchemaValidator{cache: make(map[string]*jsonschema.Schema)}
	var err error
	if v.inbound, err = c.Compile(inboundSchemaURL); err != nil {
		return nil, fmt.Errorf("compile inbound schema: %w", err)
	}
	if v.form, err = c.Compile(formSchemaURL); err != nil {
		return nil, fmt.Errorf("compile form schema: %w", err)
	}
	if v.start, err = c.Compile(startSchemaURL); err != nil {
		return nil, fmt.Errorf("compile start schema: %w", err)
	}
	return v, nil
}

// ValidateInbound checks a webhook body and returns its decoded fields.
// Every failure is a WEBHOOK_VALIDATION_ERROR whose message is MissingTokenMessage.
func (v *JSONSchemaValidator) ValidateInbound(body []byte) (map[string]any, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeWebhookValidation, MissingTokenMessage).WithCause(err)
	}
	if err := v.inbound.Validate(doc); err != nil {
		verr := toHITLError(err)
		return nil, schema.NewError(schema.ErrCodeWebhookValidation, MissingTokenMessage).
			WithDetails(verr.Details).WithCause(verr)
	}

	var fields map[string]any
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, schema.NewError(schema.ErrCodeWebhookValidation, MissingTokenMessage).WithCause(err)
	}
	return fields, nil
}

// ValidateForm checks a structured-form definition in strict mode.
func (v *JSONSchemaValidator) ValidateForm(form json.RawMessage) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(form))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "formSchema is not valid JSON").WithCause(err)
	}
	if err := v.form.Validate(doc); err != nil {
		return toHITLError(err)
	}
	return nil
}

// ValidateStart checks the body of a start-execution request.
func (v *JSONSchemaValidator) ValidateStart(body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "request body is not valid JSON").WithCause(err)
	}
	if err := v.start.Validate(doc); err != nil {
		return toHITLError(err)
	}
	return nil
}

// ValidateInput validates an input item against a caller-provided JSON Schema.
// Compiled schemas are cached by their source text.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toHITLError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Fresh compiler per dynamic schema so resource URLs never collide.
	url := fmt.Sprintf("hitl://input-schema/%d", len(v.cache))
	c := newCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// toHITLError flattens a ValidationError tree into a VALIDATION_ERROR with
// one "location: message" entry per leaf.
func toHITLError(err error) *schema.HITLError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
