package queue

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	apperrors "github.com/internet-programming-projects-group-14/source-code-sub000/internal/errors"
	"github.com/internet-programming-projects-group-14/source-code-sub000/internal/models"
)

const schemaBaseURL = "https://schemas.netpulse.app/outbox/"

const feedbackSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["rating", "captured_at"],
  "properties": {
    "rating": {"type": "integer", "minimum": 1, "maximum": 5},
    "category": {"type": "string", "minLength": 1, "maxLength": 64},
    "comment": {"type": "string", "maxLength": 2000},
    "network_type": {"type": "string"},
    "operator": {"type": "string"},
    "location": {
      "type": "object",
      "required": ["lat", "lng"],
      "properties": {
        "lat": {"type": "number", "minimum": -90, "maximum": 90},
        "lng": {"type": "number", "minimum": -180, "maximum": 180},
        "accuracy": {"type": "number", "minimum": 0}
      }
    },
    "device": {"type": "object", "additionalProperties": {"type": "string"}},
    "captured_at": {"type": "integer", "minimum": 0}
  }
}`

const metricsSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["window_start", "window_end", "samples"],
  "properties": {
    "window_start": {"type": "integer", "minimum": 0},
    "window_end": {"type": "integer", "minimum": 0},
    "samples": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["ts", "signal_dbm"],
        "properties": {
          "ts": {"type": "integer", "minimum": 0},
          "signal_dbm": {"type": "integer", "minimum": -150, "maximum": 0},
          "network_type": {"type": "string"},
          "operator": {"type": "string"},
          "latency_ms": {"type": "number", "minimum": 0}
        }
      }
    },
    "latency": {
      "type": "object",
      "properties": {
        "count": {"type": "integer", "minimum": 0},
        "p50": {"type": "number"},
        "p90": {"type": "number"},
        "p99": {"type": "number"}
      }
    }
  }
}`

// Validator checks payloads against the per-kind JSON schemas.
type Validator struct {
	schemas map[models.PayloadKind]*jsonschema.Schema
}

// NewValidator compiles the built-in schemas.
func NewValidator() (*Validator, error) {
	sources := map[models.PayloadKind]string{
		models.KindFeedback: feedbackSchema,
		models.KindMetrics:  metricsSchema,
	}

	c := jsonschema.NewCompiler()
	for kind, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("parse %s schema: %w", kind, err)
		}
		if err := c.AddResource(schemaURL(kind), doc); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", kind, err)
		}
	}

	v := &Validator{schemas: make(map[models.PayloadKind]*jsonschema.Schema, len(sources))}
	for kind := range sources {
		sch, err := c.Compile(schemaURL(kind))
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", kind, err)
		}
		v.schemas[kind] = sch
	}
	return v, nil
}

// Validate returns INVALID_INPUT for an unknown kind and VALIDATION_ERROR for
// a payload that is not JSON or does not match the kind's schema.
func (v *Validator) Validate(kind models.PayloadKind, payload []byte) error {
	sch, ok := v.schemas[kind]
	if !ok {
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unknown payload kind %q", kind))
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "payload is not valid JSON", err)
	}
	if err := sch.Validate(inst); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("%s payload rejected", kind), err)
	}
	return nil
}

func schemaURL(kind models.PayloadKind) string {
	return schemaBaseURL + string(kind) + ".json"
}
