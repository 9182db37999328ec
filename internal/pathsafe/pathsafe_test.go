package pathsafe

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveKeepsPathsInsideBase(t *testing.T) {
	base := t.TempDir()
	if err := os.MkdirAll(filepath.Join(base, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	// TempDir may itself sit behind a symlink (macOS), so compare against
	// the canonical base.
	canonBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name     string
		relative string
		want     string
	}{
		{"simple file", "notes.txt", filepath.Join(canonBase, "notes.txt")},
		{"nested missing dirs", "a/b/c.txt", filepath.Join(canonBase, "a", "b", "c.txt")},
		{"existing dir", "docs", filepath.Join(canonBase, "docs")},
		{"empty means base", "", canonBase},
		{"dot means base", ".", canonBase},
		{"current-dir segments", "docs/./report.txt", filepath.Join(canonBase, "docs", "report.txt")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Resolve(base, tc.relative)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tc.relative, err)
			}
			if got != tc.want {
				t.Fatalf("Resolve(%q) = %q, want %q", tc.relative, got, tc.want)
			}
		})
	}
}

func TestResolveRejectsEscapes(t *testing.T) {
	base := t.TempDir()

	cases := []struct {
		name     string
		relative string
	}{
		{"parent segment", "../outside.txt"},
		{"nested parent segment", "docs/../../outside.txt"},
		{"absolute path", "/etc/passwd"},
		{"disguised parent", "a/../../b"},
		{"parent that would stay inside", "docs/../other.txt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Resolve(base, tc.relative)
			if !errors.Is(err, ErrUnsafePath) {
				t.Fatalf("Resolve(%q) = %v, want ErrUnsafePath", tc.relative, err)
			}
		})
	}
}

func TestResolveRejectsSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "base")
	outside := filepath.Join(root, "outside")
	for _, dir := range []string{base, outside} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Symlink(outside, filepath.Join(base, "escape")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	_, err := Resolve(base, "escape/secret.txt")
	if !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("Resolve through symlink = %v, want ErrUnsafePath", err)
	}
}

func TestResolveRequiresExistingBase(t *testing.T) {
	if _, err := Resolve(filepath.Join(t.TempDir(), "missing"), "file.txt"); err == nil {
		t.Fatal("expected error for missing base")
	}
}

func TestDescends(t *testing.T) {
	if !Descends("/srv/home", "/srv/home") {
		t.Error("base should descend from itself")
	}
	if !Descends("/srv/home", "/srv/home/docs/a.txt") {
		t.Error("child should descend")
	}
	if Descends("/srv/home", "/srv/homestead/a.txt") {
		t.Error("sibling with shared prefix must not descend")
	}
}

func TestRel(t *testing.T) {
	rel, err := Rel(filepath.Join("/srv", "home"), filepath.Join("/srv", "home", "docs", "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if rel != "docs/a.txt" {
		t.Fatalf("Rel = %q, want docs/a.txt", rel)
	}
	if _, err := Rel(filepath.Join("/srv", "home"), filepath.Join("/srv", "other")); !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("Rel outside base = %v, want ErrUnsafePath", err)
	}
}

func TestEpochTruncatesToSeconds(t *testing.T) {
	moment := time.Date(2024, 5, 1, 12, 0, 0, 999_000_000, time.UTC)
	if got, want := Epoch(moment), moment.Unix(); got != want {
		t.Fatalf("Epoch = %d, want %d", got, want)
	}
}
