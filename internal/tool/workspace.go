package tool

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Workspace confines every tool path argument to a root directory and
// tracks the two cross-call invariants the tool layer must enforce
// itself rather than leaving to individual tools: read-before-overwrite
// (FileReadSet) and parallel write-conflict detection across
// concurrently dispatched sub-agents (spec.md §4.1 P1/P2/P4, §3).
type Workspace struct {
	root string

	mu      sync.Mutex
	readSet map[string]bool

	// conflicts is shared by a parent and every sub-agent it dispatches
	// concurrently within one step; FileReadSet itself is NOT shared —
	// each Fork gets its own (spec.md §5: "FileReadSet is per-solve and
	// not shared across sibling sub-agents... Parent enforces
	// parallel-write-conflict detection across children").
	conflicts *writeConflictRegistry

	// currentWave tags every ClaimWrite this Workspace value makes
	// during one dispatch, so EndWriteWave can release exactly those
	// claims. It is never touched by more than one goroutine at a time:
	// each run owns a distinct Workspace value (root or one Fork), and
	// a forked child's wave is independent of its parent's even though
	// the underlying conflicts registry is shared.
	currentWave uint64
}

// NewWorkspace resolves root to an absolute path and returns a
// top-level Workspace with an empty FileReadSet and a fresh
// write-conflict registry.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, NewError(ErrPathEscape, "cannot resolve workspace root %q: %v", root, err)
	}
	return &Workspace{
		root:      abs,
		readSet:   map[string]bool{},
		conflicts: newWriteConflictRegistry(),
	}, nil
}

// Fork returns a child Workspace for one sub-agent dispatch: a blank
// FileReadSet of its own, sharing the parent's write-conflict registry
// so siblings dispatched in the same step still collide correctly.
func (w *Workspace) Fork() *Workspace {
	return &Workspace{
		root:      w.root,
		readSet:   map[string]bool{},
		conflicts: w.conflicts,
	}
}

// Root returns the workspace's absolute, cleaned root path.
func (w *Workspace) Root() string { return w.root }

// Resolve confines path to the workspace root, grounded on the builtin
// file tools' own path-safety routine: symlinks are resolved on both
// the root and the target (walking up to the nearest existing ancestor
// for paths that don't exist yet, so a new file under a symlinked
// directory still resolves correctly), and containment is checked with
// a separator-suffixed prefix so that "root-evil" can't pass as a
// descendant of "root".
func (w *Workspace) Resolve(path string) (string, error) {
	var resolved string
	if filepath.IsAbs(path) {
		resolved = filepath.Clean(path)
	} else {
		resolved = filepath.Clean(filepath.Join(w.root, path))
	}

	realRoot, err := filepath.EvalSymlinks(w.root)
	if err != nil {
		realRoot = w.root
	}
	realResolved, _ := resolveExistingAncestor(resolved)

	cmpRoot, cmpResolved := realRoot, realResolved
	if runtime.GOOS == "windows" {
		cmpRoot = strings.ToLower(cmpRoot)
		cmpResolved = strings.ToLower(cmpResolved)
	}

	if cmpResolved != cmpRoot && !strings.HasPrefix(cmpResolved, cmpRoot+string(os.PathSeparator)) {
		return "", NewError(ErrPathEscape, "path %q resolves outside workspace root %q", path, w.root)
	}
	return resolved, nil
}

// resolveExistingAncestor resolves symlinks on path, or on its nearest
// existing ancestor when path itself does not yet exist (e.g. a file a
// tool is about to create).
func resolveExistingAncestor(path string) (string, error) {
	if real, err := filepath.EvalSymlinks(path); err == nil {
		return real, nil
	}
	parent := filepath.Dir(path)
	if parent == path {
		return path, nil
	}
	real, err := resolveExistingAncestor(parent)
	if err != nil {
		return path, nil
	}
	return filepath.Join(real, filepath.Base(path)), nil
}

// MarkRead records resolvedPath in this Workspace's FileReadSet. Tools
// call this after a successful read_file.
func (w *Workspace) MarkRead(resolvedPath string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readSet[resolvedPath] = true
}

// HasRead reports whether resolvedPath is in this Workspace's
// FileReadSet.
func (w *Workspace) HasRead(resolvedPath string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readSet[resolvedPath]
}

// CheckOverwrite enforces P2: write_file to a path that exists on disk
// but was never read in this solve fails with ErrUnreadOverwrite.
// Creating a brand-new path is always allowed.
func (w *Workspace) CheckOverwrite(resolvedPath string) error {
	if _, err := os.Stat(resolvedPath); err != nil {
		return nil // doesn't exist yet — creation is always allowed
	}
	if !w.HasRead(resolvedPath) {
		return NewError(ErrUnreadOverwrite, "%s exists on disk and was never read in this solve", resolvedPath)
	}
	return nil
}

// BeginWriteWave opens a new write-conflict wave for this Workspace
// value, scoped to the dispatch about to run. Every ClaimWrite made
// through this Workspace until the matching EndWriteWave is tagged with
// this wave, so releasing it can never drop a claim made by a sibling
// Workspace (e.g. a concurrently dispatched sub-agent sharing the same
// conflicts registry) whose own wave is still open.
func (w *Workspace) BeginWriteWave() {
	w.currentWave = w.conflicts.nextWave()
}

// EndWriteWave releases every claim this Workspace's current wave made,
// once its dispatch (sequential or fanned out to concurrent sub-agents)
// has fully completed.
func (w *Workspace) EndWriteWave() {
	w.conflicts.release(w.currentWave)
}

// ClaimWrite enforces P4 (parallel write conflict): the first call for
// a given resolvedPath within the current wave wins; any concurrent
// call for the same path, from this Workspace or a sibling sharing the
// same registry, fails with ErrWriteConflict until the claim's wave is
// released via EndWriteWave.
func (w *Workspace) ClaimWrite(resolvedPath string) error {
	return w.conflicts.claim(resolvedPath, w.currentWave)
}

// writeConflictRegistry tracks which paths have already been claimed
// for writing, tagged by the wave that claimed them, across a parent
// and every sub-agent it forks. A generation counter rather than a
// single reset lets nested or sibling dispatches release their own
// claims independently — essential once sub-agents recurse and fan out
// further sub-agents of their own while a cousin branch is still
// mid-dispatch.
type writeConflictRegistry struct {
	mu       sync.Mutex
	claimed  map[string]uint64
	lastWave uint64
}

func newWriteConflictRegistry() *writeConflictRegistry {
	return &writeConflictRegistry{claimed: map[string]uint64{}}
}

func (r *writeConflictRegistry) nextWave() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastWave++
	return r.lastWave
}

func (r *writeConflictRegistry) claim(path string, wave uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, claimed := r.claimed[path]; claimed {
		return NewError(ErrWriteConflict, "%s already claimed for write by a concurrent dispatch in this step", path)
	}
	r.claimed[path] = wave
	return nil
}

func (r *writeConflictRegistry) release(wave uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, w := range r.claimed {
		if w == wave {
			delete(r.claimed, path)
		}
	}
}
