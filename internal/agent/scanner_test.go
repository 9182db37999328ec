package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/homesyncd/homesync/internal/reconcile"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func manifestMap(items []reconcile.ClientItem) map[string]reconcile.ClientItem {
	out := make(map[string]reconcile.ClientItem, len(items))
	for _, item := range items {
		out[item.RelativePath] = item
	}
	return out
}

func TestManifestListsTree(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"top.txt":        "1",
		"docs/a.txt":     "aa",
		"docs/sub/b.txt": "bb",
	})

	items, err := NewScanner(root, nil).Manifest()
	if err != nil {
		t.Fatal(err)
	}
	got := manifestMap(items)

	if len(got) != 5 {
		t.Fatalf("manifest = %+v", items)
	}
	if !got["docs"].IsDirectory || !got["docs/sub"].IsDirectory {
		t.Fatal("directories not flagged")
	}
	file := got["docs/a.txt"]
	if file.IsDirectory || file.Checksum == "" || file.LastModified == 0 {
		t.Fatalf("file item = %+v", file)
	}
	if got["top.txt"].Checksum == got["docs/a.txt"].Checksum {
		t.Fatal("distinct contents share a checksum")
	}
}

func TestManifestEmitsTombstones(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{"kept.txt": "k"})

	statePath := filepath.Join(t.TempDir(), "app_data.json")
	state, _ := LoadAppData(statePath)
	for _, rel := range []string{"kept.txt", "deleted.txt", "gone/deep.txt"} {
		if err := state.Record(rel); err != nil {
			t.Fatal(err)
		}
	}

	items, err := NewScanner(root, state).Manifest()
	if err != nil {
		t.Fatal(err)
	}
	got := manifestMap(items)

	if got["kept.txt"].IsDeleted {
		t.Fatal("live path reported deleted")
	}
	if !got["deleted.txt"].IsDeleted || !got["gone/deep.txt"].IsDeleted {
		t.Fatalf("missing tombstones: %+v", items)
	}
}

func TestManifestSkipsStateFileAndStagingTemps(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"real.txt":              "r",
		".gitignore":            "vendor/",
		"..notes.txt.sync-8812": "tmp",
		"docs/.b.txt.tmp-4":     "tmp",
		".appdata-55.tmp":       "tmp",
	})

	statePath := filepath.Join(root, "app_data.json")
	state, _ := LoadAppData(statePath)
	if err := state.Record("real.txt"); err != nil {
		t.Fatal(err)
	}

	items, err := NewScanner(root, state).Manifest()
	if err != nil {
		t.Fatal(err)
	}
	got := manifestMap(items)
	if _, ok := got["app_data.json"]; ok {
		t.Fatal("state file leaked into manifest")
	}
	for _, rel := range []string{"..notes.txt.sync-8812", "docs/.b.txt.tmp-4", ".appdata-55.tmp"} {
		if _, ok := got[rel]; ok {
			t.Fatalf("staging temp %s leaked into manifest", rel)
		}
	}
	// Dotfiles are ordinary user data.
	if _, ok := got[".gitignore"]; !ok {
		t.Fatal("dotfile missing from manifest")
	}
	if _, ok := got["real.txt"]; !ok {
		t.Fatal("real file missing")
	}
}

func TestIsTransientName(t *testing.T) {
	cases := []struct {
		name string
		want bool
	}{
		{".notes.txt.sync-123456", true},
		{".appdata-99.tmp", true},
		{".report.pdf.tmp-7", true},
		{".gitignore", false},
		{".bashrc", false},
		{"notes.txt", false},
		{"release.sync-notes", false},
	}
	for _, tc := range cases {
		if got := isTransientName(tc.name); got != tc.want {
			t.Errorf("isTransientName(%q) = %v, want %v", tc.name, got, tc.want)
		}
	}
}
