package metadata

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open("sqlite3", filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func TestUpsertBumpsVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join("/srv", "home", "alice", "notes.txt")

	require.NoError(t, store.Upsert(ctx, path, "aaa", 100, nil, false))
	meta, err := store.Get(ctx, path)
	require.NoError(t, err)
	require.Equal(t, int64(1), meta.Version)
	require.Equal(t, "aaa", meta.Checksum)
	require.Equal(t, int64(100), meta.LastModified)

	require.NoError(t, store.Upsert(ctx, path, "bbb", 200, nil, false))
	meta, err = store.Get(ctx, path)
	require.NoError(t, err)
	require.Equal(t, int64(2), meta.Version)
	require.Equal(t, "bbb", meta.Checksum)
}

func TestVersionSurvivesTombstoneAndResurrect(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join("/srv", "home", "alice", "report.txt")

	require.NoError(t, store.Upsert(ctx, path, "v1", 100, nil, false))
	require.NoError(t, store.Upsert(ctx, path, "v2", 200, nil, false))
	require.NoError(t, store.Tombstone(ctx, path))

	_, err := store.Get(ctx, path)
	require.ErrorIs(t, err, ErrNotFound)

	ghost, err := store.GetAny(ctx, path)
	require.NoError(t, err)
	require.True(t, ghost.IsDeleted)
	require.NotNil(t, ghost.DeletedAt)
	require.Equal(t, int64(2), ghost.Version)

	// A path that comes back must continue the version sequence, never
	// restart it.
	require.NoError(t, store.Upsert(ctx, path, "v3", 300, nil, false))
	meta, err := store.Get(ctx, path)
	require.NoError(t, err)
	require.False(t, meta.IsDeleted)
	require.Nil(t, meta.DeletedAt)
	require.Equal(t, int64(3), meta.Version)
}

func TestTombstoneIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	path := filepath.Join("/srv", "home", "alice", "gone.txt")

	require.NoError(t, store.Tombstone(ctx, path))

	require.NoError(t, store.Upsert(ctx, path, "x", 1, nil, false))
	require.NoError(t, store.Tombstone(ctx, path))
	first, err := store.GetAny(ctx, path)
	require.NoError(t, err)

	require.NoError(t, store.Tombstone(ctx, path))
	second, err := store.GetAny(ctx, path)
	require.NoError(t, err)
	require.Equal(t, first.DeletedAt, second.DeletedAt)
}

func TestTombstoneSubtree(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dir := filepath.Join("/srv", "home", "alice", "docs")
	inside := filepath.Join(dir, "a.txt")
	sibling := filepath.Join("/srv", "home", "alice", "docsish", "b.txt")

	require.NoError(t, store.Upsert(ctx, dir, "", 1, nil, true))
	require.NoError(t, store.Upsert(ctx, inside, "a", 1, nil, false))
	require.NoError(t, store.Upsert(ctx, sibling, "b", 1, nil, false))

	require.NoError(t, store.TombstoneSubtree(ctx, dir))

	_, err := store.Get(ctx, dir)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, inside)
	require.ErrorIs(t, err, ErrNotFound)

	// The sibling shares a name prefix but not a path prefix.
	_, err = store.Get(ctx, sibling)
	require.NoError(t, err)
}

func TestRenameSubtree(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	oldDir := filepath.Join("/srv", "home", "alice", "old")
	newDir := filepath.Join("/srv", "home", "alice", "new")
	file := filepath.Join(oldDir, "deep", "c.txt")

	require.NoError(t, store.Upsert(ctx, oldDir, "", 1, nil, true))
	require.NoError(t, store.Upsert(ctx, file, "c", 1, nil, false))

	moved, err := store.RenameSubtree(ctx, oldDir, newDir)
	require.NoError(t, err)
	require.Equal(t, int64(2), moved)

	_, err = store.Get(ctx, oldDir)
	require.ErrorIs(t, err, ErrNotFound)

	meta, err := store.Get(ctx, filepath.Join(newDir, "deep", "c.txt"))
	require.NoError(t, err)
	require.Equal(t, "c", meta.Checksum)
	require.Equal(t, int64(2), meta.Version)

	// Renaming back continues the version sequence.
	_, err = store.RenameSubtree(ctx, newDir, oldDir)
	require.NoError(t, err)
	meta, err = store.Get(ctx, file)
	require.NoError(t, err)
	require.Equal(t, int64(3), meta.Version)
}

func TestRenameSubtreeMultibytePrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	oldDir := filepath.Join("/srv", "home", "héctor", "docs")
	newDir := filepath.Join("/srv", "home", "héctor", "archive")
	file := filepath.Join(oldDir, "a.txt")

	require.NoError(t, store.Upsert(ctx, oldDir, "", 1, nil, true))
	require.NoError(t, store.Upsert(ctx, file, "a", 1, nil, false))

	moved, err := store.RenameSubtree(ctx, oldDir, newDir)
	require.NoError(t, err)
	require.Equal(t, int64(2), moved)

	// The separator after the prefix must survive even though the byte
	// and character lengths of the prefix differ.
	meta, err := store.Get(ctx, filepath.Join(newDir, "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "a", meta.Checksum)

	_, err = store.Get(ctx, file)
	require.ErrorIs(t, err, ErrNotFound)
	_, err = store.Get(ctx, filepath.Join("/srv", "home", "héctor", "archivea.txt"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestQueryLiveUnder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	home := filepath.Join("/srv", "home", "alice")

	require.NoError(t, store.Upsert(ctx, filepath.Join(home, "b.txt"), "b", 1, nil, false))
	require.NoError(t, store.Upsert(ctx, filepath.Join(home, "a.txt"), "a", 1, nil, false))
	require.NoError(t, store.Upsert(ctx, filepath.Join(home, "dead.txt"), "d", 1, nil, false))
	require.NoError(t, store.Tombstone(ctx, filepath.Join(home, "dead.txt")))
	require.NoError(t, store.Upsert(ctx, filepath.Join("/srv", "home", "bob", "x.txt"), "x", 1, nil, false))

	rows, err := store.QueryLiveUnder(ctx, home)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, filepath.Join(home, "a.txt"), rows[0].Path)
	require.Equal(t, filepath.Join(home, "b.txt"), rows[1].Path)
}

func TestLikePrefixEscapesWildcards(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	tricky := filepath.Join("/srv", "home", "a_user")
	other := filepath.Join("/srv", "home", "abuser")

	require.NoError(t, store.Upsert(ctx, filepath.Join(tricky, "f.txt"), "f", 1, nil, false))
	require.NoError(t, store.Upsert(ctx, filepath.Join(other, "g.txt"), "g", 1, nil, false))

	rows, err := store.QueryLiveUnder(ctx, tricky)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, filepath.Join(tricky, "f.txt"), rows[0].Path)
}

func TestGetAnyMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetAny(context.Background(), "/nowhere")
	require.True(t, errors.Is(err, ErrNotFound))
}
