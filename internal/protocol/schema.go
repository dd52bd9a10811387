package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// resultSchema is the structural contract every worker result must
// satisfy before any of its content is merged. A result failing this
// check is discarded wholesale, exactly like a crashed worker.
const resultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "dispatch_id", "worker_id", "tick"],
  "properties": {
    "type": {"const": "RESULT"},
    "dispatch_id": {"type": "string", "minLength": 1},
    "worker_id": {"type": "integer", "minimum": 0},
    "tick": {"type": "integer", "minimum": 0},
    "updated": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "location": {"type": "string"}
        }
      }
    },
    "effects": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["kind"],
        "properties": {
          "kind": {"type": "string", "minLength": 1}
        }
      }
    },
    "error": {"type": "string"},
    "item_errors": {"type": "integer", "minimum": 0}
  }
}`

var compiledResultSchema = jsonschema.MustCompileString("result.schema.json", resultSchema)

// DecodeResult validates a raw result envelope against the schema and
// decodes it. Validation runs on the decoded JSON value, not on the
// typed struct, so missing or mistyped fields cannot hide behind Go
// zero values.
func DecodeResult(raw []byte) (ResultEnvelope, error) {
	var env ResultEnvelope
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return env, fmt.Errorf("result envelope: %w", err)
	}
	if err := compiledResultSchema.Validate(v); err != nil {
		return env, fmt.Errorf("result envelope: %w", err)
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("result envelope: %w", err)
	}
	return env, nil
}
