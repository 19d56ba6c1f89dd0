package ipc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchema validates the request envelope before any action-specific
// decoding happens. Payload shapes are checked per action.
const envelopeSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["action"],
	"properties": {
		"id": {"type": "string", "maxLength": 128},
		"action": {"type": "string", "minLength": 1, "maxLength": 64},
		"group": {"type": "string", "maxLength": 64},
		"payload": {"type": "object"}
	}
}`

func compileEnvelopeSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(envelopeSchema))
	if err != nil {
		return nil, fmt.Errorf("unmarshal envelope schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("envelope.json", doc); err != nil {
		return nil, fmt.Errorf("add envelope schema: %w", err)
	}
	schema, err := c.Compile("envelope.json")
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	return schema, nil
}

// Request is the envelope an agent writes into its IPC directory.
type Request struct {
	// ID, when present, asks for a response file under responses/.
	ID     string `json:"id,omitempty"`
	Action string `json:"action"`
	// Group is the target group; empty means the writer's own group.
	Group   string          `json:"group,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is written to responses/<id>.json for requests carrying an id.
type Response struct {
	ID     string `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// validateEnvelope checks raw bytes against the envelope schema using
// json.Number semantics, then decodes into a Request.
func (d *Dispatcher) validateEnvelope(raw []byte) (Request, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return Request{}, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := d.schema.Validate(doc); err != nil {
		return Request{}, fmt.Errorf("envelope rejected: %w", err)
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

func decodePayload[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode payload: %w", err)
	}
	return v, nil
}
