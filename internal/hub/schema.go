package hub

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// triggerRequestSchemaJSON validates the inner `data` object of a
// trigger_workflow message (§3.4): workflow_type and model_set are
// required; run_id/issue_number/trigger_reason/board_data are optional.
const triggerRequestSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$id": "https://adw.internal/schemas/trigger_workflow.json",
  "type": "object",
  "required": ["workflow_type", "model_set"],
  "properties": {
    "workflow_type": {"type": "string", "minLength": 1},
    "run_id": {"type": "string"},
    "issue_number": {"type": "string"},
    "model_set": {"enum": ["base", "heavy"]},
    "trigger_reason": {"type": "string"},
    "board_data": {"type": "object"}
  }
}`

var (
	triggerSchemaOnce sync.Once
	triggerSchema     *jsonschema.Schema
	triggerSchemaErr  error
)

func compiledTriggerSchema() (*jsonschema.Schema, error) {
	triggerSchemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		const resourceName = "trigger_workflow.json"
		if err := compiler.AddResource(resourceName, bytes.NewReader([]byte(triggerRequestSchemaJSON))); err != nil {
			triggerSchemaErr = err
			return
		}
		triggerSchema, triggerSchemaErr = compiler.Compile(resourceName)
	})
	return triggerSchema, triggerSchemaErr
}

// ValidateTriggerRequest validates raw (the trigger_workflow message's
// `data` field) against the §3.4 schema.
func ValidateTriggerRequest(raw []byte) error {
	schema, err := compiledTriggerSchema()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return err
	}
	return schema.Validate(v)
}
