package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	return NewManager(dir), dir
}

func TestManager_CreateAndResume(t *testing.T) {
	m, root := newTestManager(t)

	rec, err := m.Create(root)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.ID == "" {
		t.Fatal("expected a non-empty session ID")
	}
	if rec.Status != StatusActive {
		t.Errorf("expected status active, got %s", rec.Status)
	}

	resumed, err := m.Resume(rec.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.ID != rec.ID || resumed.WorkspaceRoot != root {
		t.Errorf("resumed record mismatch: %+v", resumed)
	}

	for _, name := range []string{"events.jsonl", "replay.jsonl"} {
		if _, err := os.Stat(filepath.Join(root, ".openplanter", "sessions", rec.ID, name)); err != nil {
			t.Errorf("expected %s to exist: %v", name, err)
		}
	}
}

func TestManager_List(t *testing.T) {
	m, root := newTestManager(t)

	a, _ := m.Create(root)
	b, _ := m.Create(root)

	ids, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(ids))
	}
	seen := map[string]bool{ids[0]: true, ids[1]: true}
	if !seen[a.ID] || !seen[b.ID] {
		t.Errorf("List missing a created session: %v", ids)
	}
}

func TestManager_ListEmptyWorkspace(t *testing.T) {
	m, _ := newTestManager(t)
	ids, err := m.List()
	if err != nil {
		t.Fatalf("List on unused workspace should not error: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no sessions, got %v", ids)
	}
}

func TestManager_SetStatus(t *testing.T) {
	m, root := newTestManager(t)
	rec, _ := m.Create(root)

	if err := m.SetStatus(rec.ID, StatusDone); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	resumed, err := m.Resume(rec.ID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != StatusDone {
		t.Errorf("expected status done, got %s", resumed.Status)
	}
}

func TestManager_AppendEventIsAppendOnly(t *testing.T) {
	m, root := newTestManager(t)
	rec, _ := m.Create(root)

	if err := m.AppendEvent(rec.ID, EventRecord{Type: "objective", Depth: 0, Text: "find the bug"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := m.AppendEvent(rec.ID, EventRecord{Type: "final", Depth: 0, Text: "done"}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, ".openplanter", "sessions", rec.ID, "events.jsonl"))
	if err != nil {
		t.Fatalf("read events.jsonl: %v", err)
	}
	lines := splitLines(string(data))
	if len(lines) != 2 {
		t.Fatalf("expected 2 event lines, got %d: %q", len(lines), data)
	}
	var first EventRecord
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("decode first event: %v", err)
	}
	if first.Type != "objective" || first.Text != "find the bug" {
		t.Errorf("unexpected first event: %+v", first)
	}
}

func TestManager_ReplayRecord(t *testing.T) {
	m, root := newTestManager(t)
	rec, _ := m.Create(root)

	req, _ := json.Marshal(map[string]string{"model": "gpt-4o"})
	resp, _ := json.Marshal(map[string]string{"text": "hi"})
	if err := m.ReplayRecord(rec.ID, TurnRecord{Depth: 0, Step: 1, Request: req, Response: resp}); err != nil {
		t.Fatalf("ReplayRecord: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, ".openplanter", "sessions", rec.ID, "replay.jsonl"))
	if err != nil {
		t.Fatalf("read replay.jsonl: %v", err)
	}
	if len(splitLines(string(data))) != 1 {
		t.Errorf("expected 1 replay line, got %q", data)
	}
}

func TestManager_SnapshotAndLoadState(t *testing.T) {
	m, root := newTestManager(t)
	rec, _ := m.Create(root)

	type state struct {
		Observations []string `json:"observations"`
	}
	if err := m.SnapshotState(rec.ID, state{Observations: []string{"a", "b"}}); err != nil {
		t.Fatalf("SnapshotState: %v", err)
	}

	var loaded state
	if err := m.LoadState(rec.ID, &loaded); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(loaded.Observations) != 2 || loaded.Observations[1] != "b" {
		t.Errorf("unexpected loaded state: %+v", loaded)
	}

	// Overwrite must replace, not append.
	if err := m.SnapshotState(rec.ID, state{Observations: []string{"c"}}); err != nil {
		t.Fatalf("SnapshotState overwrite: %v", err)
	}
	if err := m.LoadState(rec.ID, &loaded); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if len(loaded.Observations) != 1 || loaded.Observations[0] != "c" {
		t.Errorf("expected overwrite to replace state, got %+v", loaded)
	}
}

func TestManager_WriteAndReadArtifact(t *testing.T) {
	m, root := newTestManager(t)
	rec, _ := m.Create(root)

	if err := m.WriteArtifact(rec.ID, "patch.diff", []byte("--- a\n+++ b\n")); err != nil {
		t.Fatalf("WriteArtifact: %v", err)
	}
	data, err := m.ReadArtifact(rec.ID, "patch.diff")
	if err != nil {
		t.Fatalf("ReadArtifact: %v", err)
	}
	if string(data) != "--- a\n+++ b\n" {
		t.Errorf("unexpected artifact content: %q", data)
	}
}

func TestManager_WriteArtifactRejectsPathEscape(t *testing.T) {
	m, root := newTestManager(t)
	rec, _ := m.Create(root)

	if err := m.WriteArtifact(rec.ID, "../escape.txt", []byte("x")); err == nil {
		t.Error("expected an error for a path-escaping artifact name")
	}
}

func TestManager_PlanRoundTrip(t *testing.T) {
	m, root := newTestManager(t)
	rec, _ := m.Create(root)

	if _, ok := m.LatestPlan(rec.ID); ok {
		t.Error("expected no plan before any WritePlan call")
	}

	if err := m.WritePlan(rec.ID, "investigate-auth", []byte("# Investigate auth\n\n- [ ] step one\n")); err != nil {
		t.Fatalf("WritePlan: %v", err)
	}
	content, ok := m.LatestPlan(rec.ID)
	if !ok {
		t.Fatal("expected a plan after WritePlan")
	}
	if content == "" {
		t.Error("expected non-empty plan content")
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			if i > start {
				lines = append(lines, s[start:i])
			}
			start = i + 1
		}
	}
	return lines
}
