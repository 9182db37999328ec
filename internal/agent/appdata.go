package agent

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// AppData remembers which relative paths are known to exist server-side.
// A locally missing path that AppData still lists is a deletion the agent
// must report as a tombstone; without this record an offline deletion
// would be indistinguishable from a path that never synced.
type AppData struct {
	mu    sync.Mutex
	path  string
	known map[string]bool
}

type appDataFile struct {
	PathsOnServer []string `json:"paths_on_server"`
}

// LoadAppData reads the state file at path, treating a missing file as
// empty state.
func LoadAppData(path string) (*AppData, error) {
	a := &AppData{path: path, known: map[string]bool{}}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return a, nil
	}
	if err != nil {
		return nil, err
	}
	var file appDataFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, err
	}
	for _, rel := range file.PathsOnServer {
		a.known[rel] = true
	}
	return a, nil
}

// Path returns the backing file location.
func (a *AppData) Path() string { return a.path }

// Known reports whether rel is recorded as existing on the server.
func (a *AppData) Known(rel string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.known[rel]
}

// Paths returns the recorded paths, sorted.
func (a *AppData) Paths() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	paths := make([]string, 0, len(a.known))
	for rel := range a.known {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	return paths
}

// Record marks rel as existing on the server and persists.
func (a *AppData) Record(rel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.known[rel] {
		return nil
	}
	a.known[rel] = true
	return a.save()
}

// Forget removes rel and every recorded path under it, then persists.
func (a *AppData) Forget(rel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	changed := false
	prefix := rel + "/"
	for known := range a.known {
		if known == rel || len(known) > len(prefix) && known[:len(prefix)] == prefix {
			delete(a.known, known)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return a.save()
}

// Rename rewrites rel and its subtree to newRel, then persists.
func (a *AppData) Rename(rel, newRel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	changed := false
	prefix := rel + "/"
	for known := range a.known {
		switch {
		case known == rel:
			delete(a.known, known)
			a.known[newRel] = true
			changed = true
		case len(known) > len(prefix) && known[:len(prefix)] == prefix:
			delete(a.known, known)
			a.known[newRel+"/"+known[len(prefix):]] = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return a.save()
}

// save writes the state atomically. Caller holds the mutex.
func (a *AppData) save() error {
	paths := make([]string, 0, len(a.known))
	for rel := range a.known {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	raw, err := json.MarshalIndent(appDataFile{PathsOnServer: paths}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(a.path), ".appdata-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, a.path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
