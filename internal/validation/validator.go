package validation

import "encoding/json"

// Validator checks inbound webhook bodies, form definitions and API input.
type Validator interface {
	ValidateInbound(body []byte) (map[string]any, error)
	ValidateForm(form json.RawMessage) error
	ValidateStart(body []byte) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

var _ Validator = (*JSONSchemaValidator)(nil)
