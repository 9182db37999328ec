// Package filestore performs the server's disk operations. Every mutating
// operation resolves its target through pathsafe, publishes file content
// atomically (temp file + rename), and keeps the metadata table in step.
package filestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/homesyncd/homesync/internal/metadata"
	"github.com/homesyncd/homesync/internal/pathsafe"
)

var (
	ErrNotFound          = errors.New("path not found")
	ErrIsDirectory       = errors.New("path is a directory")
	ErrDestinationExists = errors.New("destination already exists")
	ErrRefusingBase      = errors.New("refusing to operate on the base directory")
)

// Store couples disk operations with metadata bookkeeping.
type Store struct {
	meta *metadata.Store
}

// New returns a file store recording changes into meta.
func New(meta *metadata.Store) *Store {
	return &Store{meta: meta}
}

// UploadResult reports what an upload recorded.
type UploadResult struct {
	Path         string
	Checksum     string
	LastModified int64
}

// Upload streams content into base/relative. Parent directories are
// created as needed. Content is written to a temp file in the target
// directory and renamed over the target, so readers never observe a
// partial file. When lastModified is non-zero it is applied to the file
// and recorded, preserving the client's modification time.
func (s *Store) Upload(ctx context.Context, base, relative string, content io.Reader, owner *int64, lastModified int64) (UploadResult, error) {
	target, err := pathsafe.Resolve(base, relative)
	if err != nil {
		return UploadResult{}, err
	}
	if target == base {
		return UploadResult{}, ErrRefusingBase
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return UploadResult{}, err
	}

	checksum, err := writeFileAtomic(target, content, 0o644)
	if err != nil {
		return UploadResult{}, err
	}

	if lastModified > 0 {
		mtime := time.Unix(lastModified, 0)
		if err := os.Chtimes(target, mtime, mtime); err != nil {
			return UploadResult{}, err
		}
	} else {
		info, err := os.Stat(target)
		if err != nil {
			return UploadResult{}, err
		}
		lastModified = pathsafe.ModEpoch(info)
	}

	if err := s.meta.Upsert(ctx, target, checksum, lastModified, owner, false); err != nil {
		return UploadResult{}, err
	}
	return UploadResult{Path: target, Checksum: checksum, LastModified: lastModified}, nil
}

// Download resolves base/relative and returns its absolute path and
// checksum. Directories are rejected.
func (s *Store) Download(ctx context.Context, base, relative string) (string, string, error) {
	target, err := pathsafe.Resolve(base, relative)
	if err != nil {
		return "", "", err
	}
	info, err := os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return "", "", fmt.Errorf("%w: %s", ErrNotFound, relative)
	}
	if err != nil {
		return "", "", err
	}
	if info.IsDir() {
		return "", "", fmt.Errorf("%w: %s", ErrIsDirectory, relative)
	}
	checksum, err := Checksum(target)
	if err != nil {
		return "", "", err
	}
	return target, checksum, nil
}

// Mkdir recursively creates base/relative. An existing directory is
// success; metadata is upserted either way with is_directory set.
func (s *Store) Mkdir(ctx context.Context, base, relative string, owner *int64) error {
	target, err := pathsafe.Resolve(base, relative)
	if err != nil {
		return err
	}
	if target == base {
		return nil
	}
	if info, err := os.Stat(target); err == nil && !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrDestinationExists, relative)
	}
	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}
	info, err := os.Stat(target)
	if err != nil {
		return err
	}
	return s.meta.Upsert(ctx, target, "", pathsafe.ModEpoch(info), owner, true)
}

// Delete removes base/relative. Directories are tombstoned as a subtree in
// metadata before the physical remove so a crash between the two leaves
// tombstones, never orphaned live rows. Deleting a non-existent path is
// success. The base itself is refused.
func (s *Store) Delete(ctx context.Context, base, relative string) error {
	target, err := pathsafe.Resolve(base, relative)
	if err != nil {
		return err
	}
	if target == base {
		return ErrRefusingBase
	}
	info, err := os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		// Physically gone already; make sure metadata agrees.
		return s.meta.TombstoneSubtree(ctx, target)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := s.meta.TombstoneSubtree(ctx, target); err != nil {
			return err
		}
		return os.RemoveAll(target)
	}
	if err := s.meta.Tombstone(ctx, target); err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Rename moves base/oldRelative to base/newRelative. The destination must
// not exist; its parent is created if missing. Metadata paths are
// rewritten for the whole subtree.
func (s *Store) Rename(ctx context.Context, base, oldRelative, newRelative string) error {
	oldPath, err := pathsafe.Resolve(base, oldRelative)
	if err != nil {
		return err
	}
	newPath, err := pathsafe.Resolve(base, newRelative)
	if err != nil {
		return err
	}
	if oldPath == base || newPath == base {
		return ErrRefusingBase
	}
	if _, err := os.Stat(oldPath); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, oldRelative)
	} else if err != nil {
		return err
	}
	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("%w: %s", ErrDestinationExists, newRelative)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(newPath), 0o755); err != nil {
		return err
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return err
	}
	_, err = s.meta.RenameSubtree(ctx, oldPath, newPath)
	return err
}

// Entry describes one listed path.
type Entry struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	IsDirectory  bool   `json:"is_directory"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"last_modified"`
}

// List returns the entries under base/relative, immediate children only
// unless recursive is set. Paths come back relative to base in
// forward-slash form.
func (s *Store) List(ctx context.Context, base, relative string, recursive bool) ([]Entry, error) {
	target, err := pathsafe.Resolve(base, relative)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(target)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, relative)
	}
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: not a directory", ErrIsDirectory)
	}

	entries := []Entry{}
	if recursive {
		err = filepath.WalkDir(target, func(path string, d os.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if path == target {
				return nil
			}
			entry, err := entryFor(base, path, d)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return entries, nil
	}

	dirEntries, err := os.ReadDir(target)
	if err != nil {
		return nil, err
	}
	for _, d := range dirEntries {
		entry, err := entryFor(base, filepath.Join(target, d.Name()), d)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func entryFor(base, path string, d os.DirEntry) (Entry, error) {
	info, err := d.Info()
	if err != nil {
		return Entry{}, err
	}
	rel, err := pathsafe.Rel(base, path)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Name:         d.Name(),
		Path:         rel,
		IsDirectory:  d.IsDir(),
		Size:         info.Size(),
		LastModified: pathsafe.ModEpoch(info),
	}, nil
}

// Checksum returns the hex SHA-256 of the file at path.
func Checksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeFileAtomic streams content to a temp file in the target directory,
// hashes it on the way through, and renames over path. Returns the hex
// SHA-256 of what was written.
func writeFileAtomic(path string, content io.Reader, mode os.FileMode) (string, error) {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return "", err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmpFile, h), content); err != nil {
		_ = tmpFile.Close()
		return "", err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return "", err
	}
	if err := tmpFile.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", err
	}
	committed = true
	return hex.EncodeToString(h.Sum(nil)), nil
}
