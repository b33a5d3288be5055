package agentrunner

// ModelSet selects which model tier a run's phases use (§3.1, §4.5).
type ModelSet string

const (
	ModelSetBase  ModelSet = "base"
	ModelSetHeavy ModelSet = "heavy"
)

// modelTable is the static (slash_command, model_set) -> model name
// binding required by §4.5 "Model selection". Planning and review are the
// phases that most benefit from a heavier model, so model_set=heavy
// upgrades only those two; every other phase stays on the fast model even
// under model_set=heavy, matching the teacher's per-provider CLISpec
// philosophy of keeping cheap phases cheap.
var modelTable = map[string]map[ModelSet]string{
	"/plan": {
		ModelSetBase:  "claude-3-5-haiku",
		ModelSetHeavy: "claude-opus-4",
	},
	"/classify-issue": {
		ModelSetBase:  "claude-3-5-haiku",
		ModelSetHeavy: "claude-3-5-haiku",
	},
	"/branch-name": {
		ModelSetBase:  "claude-3-5-haiku",
		ModelSetHeavy: "claude-3-5-haiku",
	},
	"/build": {
		ModelSetBase:  "claude-3-5-sonnet",
		ModelSetHeavy: "claude-3-5-sonnet",
	},
	"/test": {
		ModelSetBase:  "claude-3-5-sonnet",
		ModelSetHeavy: "claude-3-5-sonnet",
	},
	"/resolve-test-failures": {
		ModelSetBase:  "claude-3-5-sonnet",
		ModelSetHeavy: "claude-3-5-sonnet",
	},
	"/review": {
		ModelSetBase:  "claude-3-5-sonnet",
		ModelSetHeavy: "claude-opus-4",
	},
	"/document": {
		ModelSetBase:  "claude-3-5-sonnet",
		ModelSetHeavy: "claude-3-5-sonnet",
	},
	"/ship": {
		ModelSetBase:  "claude-3-5-sonnet",
		ModelSetHeavy: "claude-3-5-sonnet",
	},
}

// ResolveModel looks up the model for slashCommand under modelSet. An
// explicit override always wins (§4.5 "Deviations... take precedence").
func ResolveModel(slashCommand string, modelSet ModelSet, override string) string {
	if override != "" {
		return override
	}
	row, ok := modelTable[slashCommand]
	if !ok {
		return defaultFallbackModel(modelSet)
	}
	model, ok := row[modelSet]
	if !ok {
		return row[ModelSetBase]
	}
	return model
}

func defaultFallbackModel(modelSet ModelSet) string {
	if modelSet == ModelSetHeavy {
		return "claude-opus-4"
	}
	return "claude-3-5-sonnet"
}
