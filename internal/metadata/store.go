package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// ErrNotFound is returned when a live row for the requested path does not
// exist. Tombstoned rows are treated as absent by every read path.
var ErrNotFound = errors.New("metadata not found")

// FileMetadata is the server's authoritative record for one canonical
// absolute path. Directories carry an empty checksum. A tombstoned row
// (IsDeleted) keeps its version counter so a resurrected path never reuses
// an old version number.
type FileMetadata struct {
	Path         string
	Checksum     string
	LastModified int64
	Version      int64
	OwnerUserID  *int64
	IsDirectory  bool
	IsDeleted    bool
	DeletedAt    *int64
}

// Store persists file metadata with tombstones.
type Store struct {
	db  *DB
	now func() time.Time
}

// NewStore returns a metadata store over db.
func NewStore(db *DB) *Store {
	return &Store{db: db, now: time.Now}
}

const fileMetadataColumns = "file_path, checksum, last_modified, version, owner_user_id, is_directory, is_deleted, deleted_timestamp"

// Upsert inserts a live row with version 1, or on conflict bumps the
// version, refreshes content fields, and clears any tombstone.
func (s *Store) Upsert(ctx context.Context, path, checksum string, lastModified int64, owner *int64, isDirectory bool) error {
	query := s.db.Rebind(`
		INSERT INTO file_metadata (file_path, checksum, last_modified, version, owner_user_id, is_directory, is_deleted, deleted_timestamp)
		VALUES (?, ?, ?, 1, ?, ?, 0, NULL)
		ON CONFLICT (file_path) DO UPDATE SET
			checksum = excluded.checksum,
			last_modified = excluded.last_modified,
			owner_user_id = excluded.owner_user_id,
			is_directory = excluded.is_directory,
			version = file_metadata.version + 1,
			is_deleted = 0,
			deleted_timestamp = NULL`)
	_, err := s.db.ExecContext(ctx, query, path, checksum, lastModified, nullableID(owner), boolInt(isDirectory))
	if err != nil {
		return fmt.Errorf("upsert %s: %w", path, err)
	}
	return nil
}

// Tombstone marks the row for path deleted. Idempotent: an already
// tombstoned or absent path is not an error.
func (s *Store) Tombstone(ctx context.Context, path string) error {
	query := s.db.Rebind(`
		UPDATE file_metadata SET is_deleted = 1, deleted_timestamp = ?
		WHERE file_path = ? AND is_deleted = 0`)
	if _, err := s.db.ExecContext(ctx, query, s.now().Unix(), path); err != nil {
		return fmt.Errorf("tombstone %s: %w", path, err)
	}
	return nil
}

// TombstoneSubtree tombstones path and every live row beneath it in a
// single transaction.
func (s *Store) TombstoneSubtree(ctx context.Context, path string) error {
	query := s.db.Rebind(`
		UPDATE file_metadata SET is_deleted = 1, deleted_timestamp = ?
		WHERE is_deleted = 0 AND (file_path = ? OR file_path LIKE ? ESCAPE '\')`)
	if _, err := s.db.ExecContext(ctx, query, s.now().Unix(), path, LikePrefix(path, separator())); err != nil {
		return fmt.Errorf("tombstone subtree %s: %w", path, err)
	}
	return nil
}

// RenameSubtree rewrites the oldPath prefix to newPath on every live row
// at or below oldPath, bumping each affected row's version. It returns the
// number of rewritten rows.
func (s *Store) RenameSubtree(ctx context.Context, oldPath, newPath string) (int64, error) {
	// substr and length both count characters, so the offset must be
	// computed in SQL; a Go byte length desynchronizes on multibyte paths.
	query := s.db.Rebind(`
		UPDATE file_metadata
		SET file_path = ? || substr(file_path, length(?) + 1), version = version + 1
		WHERE is_deleted = 0 AND (file_path = ? OR file_path LIKE ? ESCAPE '\')`)
	res, err := s.db.ExecContext(ctx, query, newPath, oldPath, oldPath, LikePrefix(oldPath, separator()))
	if err != nil {
		return 0, fmt.Errorf("rename subtree %s -> %s: %w", oldPath, newPath, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// QueryLiveUnder returns every live row strictly beneath prefix.
func (s *Store) QueryLiveUnder(ctx context.Context, prefix string) ([]FileMetadata, error) {
	query := s.db.Rebind(`
		SELECT ` + fileMetadataColumns + ` FROM file_metadata
		WHERE is_deleted = 0 AND file_path LIKE ? ESCAPE '\'
		ORDER BY file_path`)
	rows, err := s.db.QueryContext(ctx, query, LikePrefix(prefix, separator()))
	if err != nil {
		return nil, fmt.Errorf("query live under %s: %w", prefix, err)
	}
	defer rows.Close()

	var out []FileMetadata
	for rows.Next() {
		meta, err := scanFileMetadata(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, meta)
	}
	return out, rows.Err()
}

// Get returns the live row for path, or ErrNotFound. Tombstoned rows are
// invisible here.
func (s *Store) Get(ctx context.Context, path string) (FileMetadata, error) {
	return s.get(ctx, path, true)
}

// GetAny returns the row for path regardless of tombstone state. Intended
// for administrative tooling and version-sequence checks.
func (s *Store) GetAny(ctx context.Context, path string) (FileMetadata, error) {
	return s.get(ctx, path, false)
}

func (s *Store) get(ctx context.Context, path string, liveOnly bool) (FileMetadata, error) {
	query := `SELECT ` + fileMetadataColumns + ` FROM file_metadata WHERE file_path = ?`
	if liveOnly {
		query += ` AND is_deleted = 0`
	}
	row := s.db.QueryRowContext(ctx, s.db.Rebind(query), path)
	meta, err := scanFileMetadata(row)
	if errors.Is(err, sql.ErrNoRows) {
		return FileMetadata{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return FileMetadata{}, err
	}
	return meta, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFileMetadata(row rowScanner) (FileMetadata, error) {
	var (
		meta      FileMetadata
		owner     sql.NullInt64
		isDir     int
		isDeleted int
		deletedAt sql.NullInt64
	)
	err := row.Scan(&meta.Path, &meta.Checksum, &meta.LastModified, &meta.Version, &owner, &isDir, &isDeleted, &deletedAt)
	if err != nil {
		return FileMetadata{}, err
	}
	if owner.Valid {
		meta.OwnerUserID = &owner.Int64
	}
	meta.IsDirectory = isDir != 0
	meta.IsDeleted = isDeleted != 0
	if deletedAt.Valid {
		meta.DeletedAt = &deletedAt.Int64
	}
	return meta, nil
}

func nullableID(id *int64) any {
	if id == nil {
		return nil
	}
	return *id
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func separator() string {
	return string(filepath.Separator)
}
