package agent

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/homesyncd/homesync/internal/filestore"
	"github.com/homesyncd/homesync/internal/pathsafe"
	"github.com/homesyncd/homesync/internal/reconcile"
)

// Scanner builds sync manifests by walking the watched root and folding
// in deletion tombstones from AppData.
type Scanner struct {
	root    string
	appData *AppData
}

// NewScanner returns a scanner over root using appData for tombstones.
func NewScanner(root string, appData *AppData) *Scanner {
	return &Scanner{root: root, appData: appData}
}

// transientNamePatterns are the staging files this system writes next
// to their targets: download temps, app-data temps, and the server's
// upload temps. Everything else, dotfiles included, is user data.
var transientNamePatterns = []string{".appdata-*.tmp", ".*.sync-*", ".*.tmp-*"}

func isTransientName(name string) bool {
	for _, pattern := range transientNamePatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// Manifest walks the tree and returns one item per live path, sorted,
// followed by a tombstone for every AppData path that no longer exists
// locally. The AppData file itself is never listed, nor are staging
// temps from in-flight atomic writes.
func (s *Scanner) Manifest() ([]reconcile.ClientItem, error) {
	present := map[string]bool{}
	var items []reconcile.ClientItem

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// A path can vanish mid-walk; skip it rather than aborting
			// the whole manifest.
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if path == s.root {
			return nil
		}
		if s.appData != nil && path == s.appData.Path() {
			return nil
		}
		if isTransientName(d.Name()) {
			return nil
		}
		rel, err := pathsafe.Rel(s.root, path)
		if err != nil {
			return err
		}
		item, err := itemFor(path, rel, d)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		present[rel] = true
		items = append(items, item)
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].RelativePath < items[j].RelativePath
	})

	if s.appData != nil {
		for _, rel := range s.appData.Paths() {
			if present[rel] {
				continue
			}
			items = append(items, reconcile.ClientItem{RelativePath: rel, IsDeleted: true})
		}
	}
	return items, nil
}

func itemFor(path, rel string, d fs.DirEntry) (reconcile.ClientItem, error) {
	info, err := d.Info()
	if err != nil {
		return reconcile.ClientItem{}, err
	}
	item := reconcile.ClientItem{
		RelativePath: rel,
		LastModified: pathsafe.ModEpoch(info),
		IsDirectory:  d.IsDir(),
	}
	if !d.IsDir() {
		checksum, err := filestore.Checksum(path)
		if err != nil {
			return reconcile.ClientItem{}, err
		}
		item.Checksum = checksum
	}
	return item, nil
}
