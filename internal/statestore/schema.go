package statestore

import (
	"bytes"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// runStateSchemaJSON mirrors the RunState field table in §3.1. additionalProperties:false
// enforces the "unknown fields rejected on load" invariant from §4.2 at the
// schema layer, ahead of the stricter DisallowUnknownFields() decode pass
// (belt-and-braces: the schema layer gives callers a structured validation
// error with a JSON-pointer path; the decoder catches anything the schema
// author forgot to enumerate).
const runStateSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$id": "https://adw.internal/schemas/run_state.json",
  "type": "object",
  "additionalProperties": false,
  "required": ["version", "run_id", "model_set", "data_source", "completed", "created_at", "updated_at"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "run_id": {"type": "string", "pattern": "^[a-zA-Z0-9]{1,8}$"},
    "issue_number": {"type": "string"},
    "branch_name": {"type": "string"},
    "plan_file": {"type": "string"},
    "issue_class": {"enum": ["bug", "feature", "chore"]},
    "worktree_path": {"type": "string"},
    "ws_port": {"type": "integer"},
    "fe_port": {"type": "integer"},
    "model_set": {"enum": ["base", "heavy"]},
    "data_source": {"enum": ["forge", "board"]},
    "issue_payload": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "forge": {
          "type": "object",
          "additionalProperties": false,
          "properties": {"number": {"type": "string"}}
        },
        "board": {
          "type": "object",
          "additionalProperties": false,
          "properties": {
            "title": {"type": "string"},
            "body": {"type": "string"},
            "labels": {"type": "array", "items": {"type": "string"}},
            "attachments": {"type": "array", "items": {"type": "string"}}
          }
        }
      }
    },
    "linked_runs": {"type": "array", "items": {"type": "string"}},
    "patch_file": {"type": "string"},
    "patch_history": {"type": "array", "items": {"type": "string"}},
    "completed": {"type": "boolean"},
    "created_at": {"type": "string"},
    "updated_at": {"type": "string"}
  }
}`

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	const resourceName = "run_state.json"
	if err := compiler.AddResource(resourceName, bytes.NewReader([]byte(runStateSchemaJSON))); err != nil {
		return nil, err
	}
	return compiler.Compile(resourceName)
}
