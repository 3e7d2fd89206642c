package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Manager owns the on-disk layout under {workspaceRoot}/.openplanter/sessions/.
// Every operation is scoped to one workspace; a process that serves several
// workspaces constructs one Manager per root.
type Manager struct {
	root string
}

// NewManager returns a Manager rooted at workspaceRoot's session directory.
// No I/O happens until the first operation.
func NewManager(workspaceRoot string) *Manager {
	return &Manager{root: filepath.Join(workspaceRoot, ".openplanter", "sessions")}
}

func (m *Manager) dir(id string) string { return filepath.Join(m.root, id) }

// Create allocates a fresh session directory with a random ID (spec.md
// §4.4's create(workspace) -> session_id), seeding empty append-only logs.
func (m *Manager) Create(workspaceRoot string) (*SessionRecord, error) {
	now := time.Now().UTC()
	rec := &SessionRecord{
		ID:            uuid.NewString(),
		WorkspaceRoot: workspaceRoot,
		CreatedAt:     now,
		UpdatedAt:     now,
		Status:        StatusActive,
	}
	dir := m.dir(rec.ID)
	if err := os.MkdirAll(filepath.Join(dir, "artifacts"), 0o755); err != nil {
		return nil, fmt.Errorf("session: create %s: %w", rec.ID, err)
	}
	for _, name := range []string{"events.jsonl", "replay.jsonl"} {
		if err := touchFile(filepath.Join(dir, name)); err != nil {
			return nil, fmt.Errorf("session: create %s: %w", rec.ID, err)
		}
	}
	if err := m.writeMetadata(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Resume loads an existing session's metadata by ID (spec.md §4.4's
// resume(id) -> session).
func (m *Manager) Resume(id string) (*SessionRecord, error) {
	data, err := os.ReadFile(filepath.Join(m.dir(id), "metadata.json"))
	if err != nil {
		return nil, fmt.Errorf("session: resume %s: %w", id, err)
	}
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("session: resume %s: corrupt metadata.json: %w", id, err)
	}
	return &rec, nil
}

// List enumerates every session directory under this workspace's root
// (spec.md §4.4's list(workspace) -> ids), sorted by ID string for
// determinism (IDs are random UUIDs, so this is not creation order).
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: list: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SetStatus updates a session's terminal/active status, touching
// updated_at. Called by the engine when a solve reaches Done,
// BudgetExhausted, or Fatal (spec.md §4.3 state machine).
func (m *Manager) SetStatus(id string, status Status) error {
	rec, err := m.Resume(id)
	if err != nil {
		return err
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return m.writeMetadata(rec)
}

func (m *Manager) writeMetadata(rec *SessionRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(m.dir(rec.ID), "metadata.json"), data)
}

// AppendEvent appends one line to events.jsonl (spec.md §4.4's
// append_event(session, event)). The file is opened O_APPEND and never
// truncated: events.jsonl is strictly append-only (spec.md §4.4
// invariant, §8 P7).
func (m *Manager) AppendEvent(id string, ev EventRecord) error {
	ev.Timestamp = time.Now().UTC()
	return appendJSONLine(filepath.Join(m.dir(id), "events.jsonl"), ev)
}

// ReplayRecord appends one captured model call to replay.jsonl (spec.md
// §4.4's replay_record(session, call_delta)), equally append-only.
func (m *Manager) ReplayRecord(id string, rec TurnRecord) error {
	rec.Timestamp = time.Now().UTC()
	return appendJSONLine(filepath.Join(m.dir(id), "replay.jsonl"), rec)
}

// SnapshotState overwrites state.json with the latest ExternalContext
// snapshot, atomically (write-temp-then-rename per spec.md §4.4's
// invariant "state.json is overwritten atomically").
func (m *Manager) SnapshotState(id string, state any) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(m.dir(id), "state.json"), data)
}

// LoadState decodes state.json into out, for resuming a session with its
// prior ExternalContext. Returns an error wrapping os.ErrNotExist if no
// snapshot has been taken yet.
func (m *Manager) LoadState(id string, out any) error {
	data, err := os.ReadFile(filepath.Join(m.dir(id), "state.json"))
	if err != nil {
		return fmt.Errorf("session: load state %s: %w", id, err)
	}
	return json.Unmarshal(data, out)
}

// WriteArtifact persists a named blob under artifacts/ (spec.md §4.4's
// write_artifact(session, name, bytes)) — captured patches, generated
// files, and similar named byproducts of a solve.
func (m *Manager) WriteArtifact(id, name string, data []byte) error {
	if err := validArtifactName(name); err != nil {
		return err
	}
	return writeAtomic(filepath.Join(m.dir(id), "artifacts", name), data)
}

// ReadArtifact reads a previously written artifact back.
func (m *Manager) ReadArtifact(id, name string) ([]byte, error) {
	if err := validArtifactName(name); err != nil {
		return nil, err
	}
	return os.ReadFile(filepath.Join(m.dir(id), "artifacts", name))
}

// WritePlan persists an investigation plan as {name}.plan.md (spec.md
// §4.4's `*.plan.md` entry: "newest auto-injected into the next solve's
// initial context").
func (m *Manager) WritePlan(id, name string, markdown []byte) error {
	if err := validArtifactName(name); err != nil {
		return err
	}
	if !strings.HasSuffix(name, ".plan.md") {
		name += ".plan.md"
	}
	return writeAtomic(filepath.Join(m.dir(id), name), markdown)
}

// LatestPlan returns the most recently modified *.plan.md file's content
// for this session, if any exist.
func (m *Manager) LatestPlan(id string) (string, bool) {
	entries, err := os.ReadDir(m.dir(id))
	if err != nil {
		return "", false
	}
	var newestName string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".plan.md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newestMod) {
			newestMod = info.ModTime()
			newestName = e.Name()
		}
	}
	if newestName == "" {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(m.dir(id), newestName))
	if err != nil {
		return "", false
	}
	return string(data), true
}

func validArtifactName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("session: invalid artifact name %q", name)
	}
	return nil
}

func touchFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// writeAtomic writes data to path via a temp file in the same directory
// followed by os.Rename; the temp file shares the target's directory, so
// the rename never crosses filesystems and a crash mid-write never leaves a half-written
// metadata.json/state.json/artifact in place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// appendJSONLine marshals v and appends it, newline-terminated, to path.
func appendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}
