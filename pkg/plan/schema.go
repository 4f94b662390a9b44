package plan

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// createPlanSchema is the wire-shape contract for plan creation. Structural
// problems are rejected here with a schema pointer before any semantic
// validation runs.
const createPlanSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["tenant_id", "instance_id", "source", "plan_id", "requested_by", "pit", "scope", "execution_options", "rows"],
  "properties": {
    "tenant_id": {"type": "string", "minLength": 1},
    "instance_id": {"type": "string", "minLength": 1},
    "source": {"type": "string", "minLength": 1},
    "plan_id": {"type": "string", "minLength": 1},
    "requested_by": {"type": "string", "minLength": 1},
    "pit": {
      "type": "object",
      "required": ["restore_time", "pit_algorithm_version"],
      "properties": {
        "restore_time": {"type": "string", "minLength": 1},
        "restore_timezone": {"type": "string"},
        "pit_algorithm_version": {"type": "string", "minLength": 1},
        "tie_breaker": {"type": "array", "items": {"type": "string"}},
        "tie_breaker_fallback": {"type": "array", "items": {"type": "string"}}
      }
    },
    "scope": {
      "type": "object",
      "required": ["mode", "tables"],
      "properties": {
        "mode": {"type": "string", "minLength": 1},
        "tables": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "encoded_query": {"type": "string"}
      }
    },
    "execution_options": {
      "type": "object",
      "required": ["missing_row_mode", "conflict_policy", "schema_compatibility_mode", "workflow_mode"]
    },
    "rows": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["row_id", "table", "record_sys_id", "action"],
        "properties": {
          "row_id": {"type": "string", "minLength": 1},
          "table": {"type": "string", "minLength": 1},
          "record_sys_id": {"type": "string", "minLength": 1},
          "action": {"enum": ["update", "insert", "delete", "skip"]}
        }
      }
    },
    "conflicts": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["conflict_id", "row_id", "class"],
        "properties": {
          "conflict_id": {"type": "string", "minLength": 1},
          "row_id": {"type": "string", "minLength": 1}
        }
      }
    },
    "delete_candidates": {
      "type": "array",
      "items": {"type": "object", "required": ["candidate_id", "row_id"]}
    },
    "media_candidates": {
      "type": "array",
      "items": {"type": "object", "required": ["candidate_id", "row_id", "file_name"]}
    },
    "pit_candidates": {
      "type": "array",
      "items": {"type": "object", "required": ["candidate_id", "row_id", "candidate_time"]}
    },
    "watermarks": {"type": "array"}
  }
}`

var compiledCreatePlanSchema = jsonschema.MustCompileString("create_dry_run_plan.json", createPlanSchema)

// validateCreatePlanShape checks the serialized request against the wire
// schema and returns the first structural violation.
func validateCreatePlanShape(raw []byte) error {
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	if err := compiledCreatePlanSchema.Validate(doc); err != nil {
		return err
	}
	return nil
}
