package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/homesyncd/homesync/internal/metadata"
	"github.com/homesyncd/homesync/internal/pathsafe"
)

func newTestStore(t *testing.T) (*Store, *metadata.Store, string) {
	t.Helper()
	tmp := t.TempDir()
	db, err := metadata.Open("sqlite3", filepath.Join(tmp, "meta.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	meta := metadata.NewStore(db)
	base := filepath.Join(tmp, "home")
	if err := os.MkdirAll(base, 0o755); err != nil {
		t.Fatal(err)
	}
	// Resolve the base the same way handlers do, so metadata paths and
	// lookups agree even when TempDir sits behind a symlink.
	base, err = pathsafe.Resolve(base, "")
	if err != nil {
		t.Fatal(err)
	}
	return New(meta), meta, base
}

func sha256Hex(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func TestUploadWritesContentAndMetadata(t *testing.T) {
	store, meta, base := newTestStore(t)
	ctx := context.Background()
	owner := int64(7)

	result, err := store.Upload(ctx, base, "docs/report.txt", strings.NewReader("hello"), &owner, 100)
	if err != nil {
		t.Fatal(err)
	}
	if result.Checksum != sha256Hex("hello") {
		t.Fatalf("checksum = %s", result.Checksum)
	}
	if result.LastModified != 100 {
		t.Fatalf("last modified = %d, want 100", result.LastModified)
	}

	raw, err := os.ReadFile(filepath.Join(base, "docs", "report.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(raw) != "hello" {
		t.Fatalf("content = %q", raw)
	}

	info, err := os.Stat(filepath.Join(base, "docs", "report.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if pathsafe.ModEpoch(info) != 100 {
		t.Fatalf("file mtime = %d, want 100", pathsafe.ModEpoch(info))
	}

	row, err := meta.Get(ctx, result.Path)
	if err != nil {
		t.Fatal(err)
	}
	if row.Version != 1 || row.Checksum != result.Checksum || row.LastModified != 100 {
		t.Fatalf("metadata = %+v", row)
	}
	if row.OwnerUserID == nil || *row.OwnerUserID != owner {
		t.Fatalf("owner = %v", row.OwnerUserID)
	}

	// Overwriting bumps the version.
	result, err = store.Upload(ctx, base, "docs/report.txt", strings.NewReader("hello2"), &owner, 200)
	if err != nil {
		t.Fatal(err)
	}
	row, err = meta.Get(ctx, result.Path)
	if err != nil {
		t.Fatal(err)
	}
	if row.Version != 2 {
		t.Fatalf("version after overwrite = %d, want 2", row.Version)
	}
}

func TestUploadRejectsTraversal(t *testing.T) {
	store, _, base := newTestStore(t)
	_, err := store.Upload(context.Background(), base, "../escape.txt", strings.NewReader("x"), nil, 0)
	if !errors.Is(err, pathsafe.ErrUnsafePath) {
		t.Fatalf("err = %v, want ErrUnsafePath", err)
	}
}

func TestDownload(t *testing.T) {
	store, _, base := newTestStore(t)
	ctx := context.Background()

	if _, _, err := store.Download(ctx, base, "missing.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing file = %v, want ErrNotFound", err)
	}

	if _, err := store.Upload(ctx, base, "a.txt", strings.NewReader("abc"), nil, 0); err != nil {
		t.Fatal(err)
	}
	path, checksum, err := store.Download(ctx, base, "a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if checksum != sha256Hex("abc") {
		t.Fatalf("checksum = %s", checksum)
	}
	if path != filepath.Join(base, "a.txt") {
		t.Fatalf("path = %s", path)
	}

	if err := store.Mkdir(ctx, base, "d", nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := store.Download(ctx, base, "d"); !errors.Is(err, ErrIsDirectory) {
		t.Fatalf("dir download = %v, want ErrIsDirectory", err)
	}
}

func TestMkdirIsIdempotent(t *testing.T) {
	store, meta, base := newTestStore(t)
	ctx := context.Background()

	if err := store.Mkdir(ctx, base, "a/b/c", nil); err != nil {
		t.Fatal(err)
	}
	if err := store.Mkdir(ctx, base, "a/b/c", nil); err != nil {
		t.Fatal(err)
	}
	row, err := meta.Get(ctx, filepath.Join(base, "a", "b", "c"))
	if err != nil {
		t.Fatal(err)
	}
	if !row.IsDirectory {
		t.Fatal("expected directory row")
	}

	// A file in the way is a conflict, not an overwrite.
	if _, err := store.Upload(ctx, base, "f.txt", strings.NewReader("x"), nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := store.Mkdir(ctx, base, "f.txt", nil); !errors.Is(err, ErrDestinationExists) {
		t.Fatalf("mkdir over file = %v, want ErrDestinationExists", err)
	}
}

func TestDeleteFileAndDirectory(t *testing.T) {
	store, meta, base := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Upload(ctx, base, "dir/a.txt", strings.NewReader("a"), nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Upload(ctx, base, "dir/b.txt", strings.NewReader("b"), nil, 0); err != nil {
		t.Fatal(err)
	}

	if err := store.Delete(ctx, base, "dir/a.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(base, "dir", "a.txt")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("file still on disk")
	}
	if _, err := meta.Get(ctx, filepath.Join(base, "dir", "a.txt")); !errors.Is(err, metadata.ErrNotFound) {
		t.Fatal("metadata row still live")
	}
	ghost, err := meta.GetAny(ctx, filepath.Join(base, "dir", "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !ghost.IsDeleted {
		t.Fatal("expected tombstone")
	}

	if err := store.Delete(ctx, base, "dir"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(base, "dir")); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("directory still on disk")
	}
	if _, err := meta.Get(ctx, filepath.Join(base, "dir", "b.txt")); !errors.Is(err, metadata.ErrNotFound) {
		t.Fatal("subtree row still live")
	}

	// Deleting what is already gone succeeds.
	if err := store.Delete(ctx, base, "dir"); err != nil {
		t.Fatal(err)
	}
	// The base itself is protected.
	if err := store.Delete(ctx, base, ""); !errors.Is(err, ErrRefusingBase) {
		t.Fatalf("delete base = %v, want ErrRefusingBase", err)
	}
}

func TestDeletedPathReuploadRestartsLife(t *testing.T) {
	store, meta, base := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Upload(ctx, base, "x.txt", strings.NewReader("v1"), nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, base, "x.txt"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Upload(ctx, base, "x.txt", strings.NewReader("v2"), nil, 0); err != nil {
		t.Fatal(err)
	}
	row, err := meta.Get(ctx, filepath.Join(base, "x.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if row.Version < 2 {
		t.Fatalf("resurrected version = %d, want >= 2", row.Version)
	}
}

func TestRename(t *testing.T) {
	store, meta, base := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Upload(ctx, base, "old/deep/f.txt", strings.NewReader("f"), nil, 0); err != nil {
		t.Fatal(err)
	}

	if err := store.Rename(ctx, base, "old", "new"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(base, "new", "deep", "f.txt")); err != nil {
		t.Fatal("moved file missing")
	}
	if _, err := meta.Get(ctx, filepath.Join(base, "new", "deep", "f.txt")); err != nil {
		t.Fatal("moved metadata missing")
	}

	if err := store.Rename(ctx, base, "ghost", "elsewhere"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("rename missing = %v, want ErrNotFound", err)
	}
	if _, err := store.Upload(ctx, base, "taken.txt", strings.NewReader("t"), nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := store.Rename(ctx, base, "new", "taken.txt"); !errors.Is(err, ErrDestinationExists) {
		t.Fatalf("rename onto existing = %v, want ErrDestinationExists", err)
	}
}

func TestList(t *testing.T) {
	store, _, base := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Upload(ctx, base, "top.txt", strings.NewReader("1"), nil, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Upload(ctx, base, "sub/inner.txt", strings.NewReader("2"), nil, 0); err != nil {
		t.Fatal(err)
	}

	flat, err := store.List(ctx, base, "", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(flat) != 2 {
		t.Fatalf("flat entries = %d, want 2", len(flat))
	}

	deep, err := store.List(ctx, base, "", true)
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, entry := range deep {
		paths = append(paths, entry.Path)
	}
	want := map[string]bool{"top.txt": true, "sub": true, "sub/inner.txt": true}
	if len(deep) != len(want) {
		t.Fatalf("recursive entries = %v", paths)
	}
	for _, p := range paths {
		if !want[p] {
			t.Fatalf("unexpected entry %q in %v", p, paths)
		}
	}

	if _, err := store.List(ctx, base, "missing", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("list missing = %v, want ErrNotFound", err)
	}
}
