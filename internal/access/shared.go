package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

var ErrStorageNotFound = errors.New("shared storage not found")

// SharedStorage is a named directory under the shared root that users can
// be granted access to as a unit.
type SharedStorage struct {
	ID   int64
	Name string
	Path string
}

// CreateSharedStorage creates the physical directory and its row, then
// grants the creator ReadWrite. Creating an existing storage is
// idempotent for the directory and the row.
func (e *Engine) CreateSharedStorage(ctx context.Context, name string, creatorID int64) (SharedStorage, error) {
	storagePath := filepath.Join(e.sharedRoot, name)
	if err := os.MkdirAll(storagePath, 0o755); err != nil {
		return SharedStorage{}, fmt.Errorf("create shared storage directory: %w", err)
	}

	insert := e.db.Rebind(`
		INSERT INTO shared_storage (storage_name, storage_path) VALUES (?, ?)
		ON CONFLICT (storage_name) DO NOTHING`)
	if _, err := e.db.ExecContext(ctx, insert, name, storagePath); err != nil {
		return SharedStorage{}, err
	}
	storage, err := e.SharedStorageByName(ctx, name)
	if err != nil {
		return SharedStorage{}, err
	}
	if err := e.GrantShared(ctx, creatorID, name, ReadWrite); err != nil {
		return SharedStorage{}, err
	}
	return storage, nil
}

// SharedStorageByName looks a storage up by its unique name.
func (e *Engine) SharedStorageByName(ctx context.Context, name string) (SharedStorage, error) {
	var storage SharedStorage
	query := e.db.Rebind(`SELECT id, storage_name, storage_path FROM shared_storage WHERE storage_name = ?`)
	err := e.db.QueryRowContext(ctx, query, name).Scan(&storage.ID, &storage.Name, &storage.Path)
	if errors.Is(err, sql.ErrNoRows) {
		return SharedStorage{}, fmt.Errorf("%w: %s", ErrStorageNotFound, name)
	}
	if err != nil {
		return SharedStorage{}, err
	}
	return storage, nil
}

// GrantShared sets userID's access level on the named storage.
func (e *Engine) GrantShared(ctx context.Context, userID int64, storageName string, level Level) error {
	storage, err := e.SharedStorageByName(ctx, storageName)
	if err != nil {
		return err
	}
	query := e.db.Rebind(`
		INSERT INTO shared_access (shared_storage_id, user_id, access) VALUES (?, ?, ?)
		ON CONFLICT (shared_storage_id, user_id) DO UPDATE SET access = excluded.access`)
	_, err = e.db.ExecContext(ctx, query, storage.ID, userID, level.String())
	return err
}

// RevokeShared removes userID's membership of the named storage. Revoking
// from a missing storage is a no-op.
func (e *Engine) RevokeShared(ctx context.Context, userID int64, storageName string) error {
	storage, err := e.SharedStorageByName(ctx, storageName)
	if errors.Is(err, ErrStorageNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = e.db.ExecContext(ctx, e.db.Rebind(`DELETE FROM shared_access WHERE shared_storage_id = ? AND user_id = ?`), storage.ID, userID)
	return err
}
