// Package config handles the orchestrator's ambient configuration: the
// recognized environment variables (§6.5) and a YAML run-config file,
// grounded on the teacher's engine.RunConfigFile (engine/config.go) and
// cmd/kilroy/main.go's applyDefaults env-handling style.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Env holds the process-wide settings read from environment variables
// (§6.5).
type Env struct {
	AgentCLIPath  string
	ForgeRepoURL  string
	ForgeToken    string
	HubPort       int
	Debug         bool
	StatestoreDir string
	TreesDir      string
}

// LoadEnv reads the recognized environment variables, applying the
// teacher's defaulting convention (os.Getenv plus a fallback, no
// external env-parsing library).
func LoadEnv() (Env, error) {
	e := Env{
		AgentCLIPath:  getenvDefault("AGENT_CLI_PATH", "claude"),
		ForgeRepoURL:  os.Getenv("FORGE_REPO_URL"),
		ForgeToken:    os.Getenv("FORGE_TOKEN"),
		StatestoreDir: getenvDefault("STATESTORE_DIR", "./statestore"),
		TreesDir:      getenvDefault("TREES_DIR", "./trees"),
	}

	portStr := getenvDefault("HUB_PORT", "8080")
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Env{}, fmt.Errorf("config: invalid HUB_PORT %q: %w", portStr, err)
	}
	e.HubPort = port

	e.Debug = parseBool(os.Getenv("DEBUG"))
	return e, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseBool(s string) bool {
	switch s {
	case "1", "true", "TRUE", "True":
		return true
	default:
		return false
	}
}

// RunConfig is the per-run YAML configuration file, mirroring the
// teacher's RunConfigFile shape scoped to this spec's domain.
type RunConfig struct {
	Version int `yaml:"version"`

	Repo struct {
		Path string `yaml:"path"`
	} `yaml:"repo"`

	ArtifactPolicy struct {
		Checkpoint struct {
			ExcludeGlobs []string `yaml:"exclude_globs,omitempty"`
		} `yaml:"checkpoint"`
	} `yaml:"artifact_policy,omitempty"`

	Retry struct {
		MaxResolveFailureAttempts int `yaml:"max_resolve_failure_attempts,omitempty"`
	} `yaml:"retry,omitempty"`
}

// defaultExcludeGlobs mirrors the teacher's
// applyArtifactPolicyDefaults fallback list (artifact_policy.go).
var defaultExcludeGlobs = []string{
	"**/node_modules/**",
	"**/.cargo-target*/**",
	"**/.wasm-pack/**",
	"**/.tmpbuild/**",
}

// LoadRunConfig reads and parses the YAML run-config at path, applying
// defaults for any unset field.
func LoadRunConfig(path string) (RunConfig, error) {
	var cfg RunConfig
	b, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("config: read run config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("config: parse run config %s: %w", path, err)
	}
	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *RunConfig) {
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if len(cfg.ArtifactPolicy.Checkpoint.ExcludeGlobs) == 0 {
		cfg.ArtifactPolicy.Checkpoint.ExcludeGlobs = defaultExcludeGlobs
	}
	if cfg.Retry.MaxResolveFailureAttempts == 0 {
		cfg.Retry.MaxResolveFailureAttempts = 3
	}
}
