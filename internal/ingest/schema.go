package ingest

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Record kinds accepted by the ingester.
const (
	KindActivation  = "activation"
	KindOutcome     = "outcome"
	KindInteraction = "interaction"
)

const activationSchema = `{
  "type": "object",
  "required": ["rule_id", "task_id"],
  "properties": {
    "kind": {"const": "activation"},
    "rule_id": {"type": "string", "minLength": 1},
    "task_id": {"type": "string", "minLength": 1},
    "timestamp": {"type": "string", "format": "date-time"},
    "context_type": {"type": "string"},
    "tokens_before": {"type": "integer", "minimum": 0},
    "tokens_after": {"type": "integer", "minimum": 0},
    "duration_ms": {"type": "integer", "minimum": 0},
    "success": {"type": "boolean"},
    "error_kind": {"type": "string"}
  },
  "additionalProperties": false
}`

const outcomeSchema = `{
  "type": "object",
  "required": ["task_id", "rule_sequence", "status"],
  "properties": {
    "kind": {"const": "outcome"},
    "task_id": {"type": "string", "minLength": 1},
    "rule_sequence": {"type": "array", "minItems": 1, "items": {"type": "string", "minLength": 1}},
    "total_tokens": {"type": "integer", "minimum": 0},
    "total_time_ms": {"type": "integer", "minimum": 0},
    "quality": {"type": "number", "minimum": 0, "maximum": 1},
    "creativity": {"type": "number", "minimum": 0, "maximum": 1},
    "safety_incidents": {"type": "integer", "minimum": 0},
    "revisions": {"type": "integer", "minimum": 0},
    "status": {"enum": ["success", "partial", "failed"]}
  },
  "additionalProperties": false
}`

const interactionSchema = `{
  "type": "object",
  "required": ["rules", "effect"],
  "properties": {
    "kind": {"const": "interaction"},
    "task_id": {"type": "string"},
    "rules": {"type": "array", "minItems": 2, "uniqueItems": true, "items": {"type": "string", "minLength": 1}},
    "effect": {"type": "number", "minimum": -1, "maximum": 1},
    "tags": {"type": "array", "items": {"type": "string"}}
  },
  "additionalProperties": false
}`

// ValidationError describes a payload rejected before any write.
type ValidationError struct {
	Kind    string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Kind == "" {
		return "invalid payload: " + e.Message
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Kind, e.Message)
}

type schemas map[string]*jsonschema.Schema

func compileSchemas() (schemas, error) {
	out := schemas{}
	for kind, src := range map[string]string{
		KindActivation:  activationSchema,
		KindOutcome:     outcomeSchema,
		KindInteraction: interactionSchema,
	} {
		// Use jsonschema.UnmarshalJSON for correct number handling (json.Number).
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("unmarshal %s schema: %w", kind, err)
		}
		c := jsonschema.NewCompiler()
		name := kind + ".json"
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add %s schema resource: %w", kind, err)
		}
		s, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		out[kind] = s
	}
	return out, nil
}

func (s schemas) validate(kind string, raw []byte) error {
	schema, ok := s[kind]
	if !ok {
		return &ValidationError{Message: fmt.Sprintf("unknown record kind %q", kind)}
	}
	parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return &ValidationError{Kind: kind, Message: fmt.Sprintf("invalid JSON: %s", err)}
	}
	if err := schema.Validate(parsed); err != nil {
		return &ValidationError{Kind: kind, Message: fmt.Sprintf("schema validation failed: %s", err)}
	}
	return nil
}
