// Package statestore implements the durable, file-resident RunState record
// described in §3.1 and the load/update/persist operations of §4.2 (C2).
//
// One JSON file per run gives natural isolation and trivial inspection;
// concurrency comes from run-level sharding (one writer per run_id, guarded
// by an in-process mutex per run), not row-level database locks.
package statestore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// IssueClass is the classification a plan phase assigns to an issue.
type IssueClass string

const (
	IssueClassBug     IssueClass = "bug"
	IssueClassFeature IssueClass = "feature"
	IssueClassChore   IssueClass = "chore"
)

// ModelSet selects which agent model each slash command binds to (§4.5b).
type ModelSet string

const (
	ModelSetBase  ModelSet = "base"
	ModelSetHeavy ModelSet = "heavy"
)

// DataSource controls whether forge comments/PRs are produced.
type DataSource string

const (
	DataSourceForge DataSource = "forge"
	DataSourceBoard DataSource = "board"
)

// IssuePayload is the §9 tagged-variant replacement for the source's
// open-schema "issue_json": exactly one of Forge or Board is populated,
// selected by DataSource.
type IssuePayload struct {
	Forge *ForgeIssueRef `json:"forge,omitempty"`
	Board *BoardIssue    `json:"board,omitempty"`
}

// ForgeIssueRef identifies an issue living in the hosted code-forge.
type ForgeIssueRef struct {
	Number string `json:"number"`
}

// BoardIssue is the inlined issue body used when DataSource=board.
type BoardIssue struct {
	Title       string   `json:"title"`
	Body        string   `json:"body"`
	Labels      []string `json:"labels,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// RunState is the persistent per-run record described in §3.1.
type RunState struct {
	Version int `json:"version"`

	RunID         string       `json:"run_id"`
	IssueNumber   string       `json:"issue_number,omitempty"`
	BranchName    string       `json:"branch_name,omitempty"`
	PlanFile      string       `json:"plan_file,omitempty"`
	IssueClass    IssueClass   `json:"issue_class,omitempty"`
	WorktreePath  string       `json:"worktree_path,omitempty"`
	WSPort        int          `json:"ws_port,omitempty"`
	FEPort        int          `json:"fe_port,omitempty"`
	ModelSet      ModelSet     `json:"model_set"`
	DataSource    DataSource   `json:"data_source"`
	IssuePayload  *IssuePayload `json:"issue_payload,omitempty"`
	LinkedRuns    []string     `json:"linked_runs,omitempty"`
	PatchFile     string       `json:"patch_file,omitempty"`
	PatchHistory  []string     `json:"patch_history,omitempty"`
	Completed     bool         `json:"completed"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrStateNotFound is returned by Load when no record exists for a run_id.
var ErrStateNotFound = errors.New("statestore: state not found")

// ErrStateSchemaInvalid is returned when a persisted record fails schema
// validation on load (defensive against hand-edited or partially-written
// state files, and against unknown fields from a newer schema version).
var ErrStateSchemaInvalid = errors.New("statestore: schema invalid")

// SnapshotListener is invoked by SaveSnapshot with the changed field names
// and the resulting state, so a caller (the Notification Hub) can broadcast
// a state_change event (§4.2 save_snapshot).
type SnapshotListener func(state RunState, changedFields []string)

// Store manages one JSON file per run under root.
type Store struct {
	root   string
	schema *jsonschema.Schema

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	onSnap  SnapshotListener
}

// New creates a Store rooted at dir (the <statestore> of §6.1). The
// directory is created if it does not exist.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("statestore: create root: %w", err)
	}
	sch, err := compileSchema()
	if err != nil {
		return nil, err
	}
	return &Store{
		root:   dir,
		schema: sch,
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// Root returns the directory this Store is rooted at, for callers that
// need to derive sibling paths (e.g. per-agent NDJSON output files).
func (s *Store) Root() string {
	return s.root
}

// OnSnapshot registers the listener invoked by SaveSnapshot.
func (s *Store) OnSnapshot(fn SnapshotListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSnap = fn
}

func (s *Store) lockFor(runID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[runID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[runID] = l
	}
	return l
}

func (s *Store) dir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir(runID), "state.json")
}

// Create creates the run's directory and an initial state record.
func (s *Store) Create(runID string, modelSet ModelSet, dataSource DataSource) (RunState, error) {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.dir(runID), 0o755); err != nil {
		return RunState{}, fmt.Errorf("statestore: create run dir: %w", err)
	}
	now := time.Now().UTC()
	st := RunState{
		Version:    1,
		RunID:      runID,
		ModelSet:   modelSet,
		DataSource: dataSource,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.write(runID, st); err != nil {
		return RunState{}, err
	}
	return st, nil
}

// Load reads and validates the state record for runID.
func (s *Store) Load(runID string) (RunState, error) {
	b, err := os.ReadFile(s.path(runID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return RunState{}, ErrStateNotFound
		}
		return RunState{}, fmt.Errorf("statestore: read: %w", err)
	}
	return s.decode(b)
}

func (s *Store) decode(b []byte) (RunState, error) {
	if s.schema != nil {
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return RunState{}, fmt.Errorf("%w: %v", ErrStateSchemaInvalid, err)
		}
		if err := s.schema.Validate(generic); err != nil {
			return RunState{}, fmt.Errorf("%w: %v", ErrStateSchemaInvalid, err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var st RunState
	if err := dec.Decode(&st); err != nil {
		return RunState{}, fmt.Errorf("%w: %v", ErrStateSchemaInvalid, err)
	}
	return st, nil
}

// Patch is a named-field mutation applied by Update. Only non-nil fields
// are written, so callers can merge-update a subset of RunState.
type Patch struct {
	IssueNumber  *string
	BranchName   *string
	PlanFile     *string
	IssueClass   *IssueClass
	WorktreePath *string
	WSPort       *int
	FEPort       *int
	IssuePayload *IssuePayload
	AppendLinked []string
	PatchFile    *string
	AppendPatch  []string
	Completed    *bool
	ClearWorktree bool
	ClearPorts    bool
}

// FieldNames returns the names of fields this patch actually sets, for the
// state_change broadcast's "changed field names" payload.
func (p Patch) FieldNames() []string {
	var out []string
	add := func(name string, set bool) {
		if set {
			out = append(out, name)
		}
	}
	add("issue_number", p.IssueNumber != nil)
	add("branch_name", p.BranchName != nil)
	add("plan_file", p.PlanFile != nil)
	add("issue_class", p.IssueClass != nil)
	add("worktree_path", p.WorktreePath != nil || p.ClearWorktree)
	add("ws_port", p.WSPort != nil || p.ClearPorts)
	add("fe_port", p.FEPort != nil || p.ClearPorts)
	add("issue_payload", p.IssuePayload != nil)
	add("linked_runs", len(p.AppendLinked) > 0)
	add("patch_file", p.PatchFile != nil)
	add("patch_history", len(p.AppendPatch) > 0)
	add("completed", p.Completed != nil)
	return out
}

// Update merge-updates the run's state with schema validation and an
// atomic write (write-temp, fsync, rename — §4.2).
func (s *Store) Update(runID string, patch Patch) (RunState, error) {
	lock := s.lockFor(runID)
	lock.Lock()
	defer lock.Unlock()

	st, err := s.Load(runID)
	if err != nil {
		return RunState{}, err
	}

	if patch.IssueNumber != nil {
		st.IssueNumber = *patch.IssueNumber
	}
	if patch.BranchName != nil {
		st.BranchName = *patch.BranchName
	}
	if patch.PlanFile != nil {
		st.PlanFile = *patch.PlanFile
	}
	if patch.IssueClass != nil {
		st.IssueClass = *patch.IssueClass
	}
	if patch.ClearWorktree {
		st.WorktreePath = ""
	} else if patch.WorktreePath != nil {
		st.WorktreePath = *patch.WorktreePath
	}
	if patch.ClearPorts {
		st.WSPort, st.FEPort = 0, 0
	} else {
		// Invariant: ws_port and fe_port are set together or both unset.
		if patch.WSPort != nil && patch.FEPort != nil {
			st.WSPort, st.FEPort = *patch.WSPort, *patch.FEPort
		}
	}
	if patch.IssuePayload != nil {
		st.IssuePayload = patch.IssuePayload
	}
	if len(patch.AppendLinked) > 0 {
		st.LinkedRuns = append(st.LinkedRuns, patch.AppendLinked...)
	}
	if patch.PatchFile != nil {
		st.PatchFile = *patch.PatchFile
	}
	if len(patch.AppendPatch) > 0 {
		st.PatchHistory = append(st.PatchHistory, patch.AppendPatch...)
	}
	if patch.Completed != nil {
		st.Completed = *patch.Completed
	}
	st.UpdatedAt = time.Now().UTC()

	if err := s.write(runID, st); err != nil {
		return RunState{}, err
	}
	return st, nil
}

// SaveSnapshot loads the current persisted state (Update has already
// written it atomically; SaveSnapshot itself writes nothing) and notifies
// the registered SnapshotListener with that state and the caller-supplied
// changedFields, for the Hub's state_change broadcast (§4.2). It does not
// compute which fields changed.
func (s *Store) SaveSnapshot(runID string, changedFields []string) (RunState, error) {
	st, err := s.Load(runID)
	if err != nil {
		return RunState{}, err
	}
	s.mu.Lock()
	listener := s.onSnap
	s.mu.Unlock()
	if listener != nil {
		listener(st, changedFields)
	}
	return st, nil
}

// write performs the atomic write-temp/fsync/rename described in §4.2.
func (s *Store) write(runID string, st RunState) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("statestore: marshal: %w", err)
	}
	dir := s.dir(runID)
	tmp, err := os.CreateTemp(dir, "state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("statestore: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("statestore: fsync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statestore: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(runID)); err != nil {
		return fmt.Errorf("statestore: rename: %w", err)
	}
	return nil
}
