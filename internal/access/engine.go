package access

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"

	"github.com/homesyncd/homesync/internal/metadata"
	"github.com/homesyncd/homesync/internal/pathsafe"
)

// Engine answers "what may this user do with this absolute path". Callers
// hand it resolved paths only; the engine does no canonicalization of its
// own.
type Engine struct {
	db         *metadata.DB
	users      *Users
	usersRoot  string
	sharedRoot string
}

// NewEngine returns a permission engine rooted at usersRoot / sharedRoot.
func NewEngine(db *metadata.DB, users *Users, usersRoot, sharedRoot string) *Engine {
	return &Engine{db: db, users: users, usersRoot: usersRoot, sharedRoot: sharedRoot}
}

// Permission resolves the effective level for userID on path.
//
// Paths under the user's home seed with ReadWrite. An explicit grant on
// the path or any ancestor short-circuits and wins outright, including an
// explicit None, which revokes inherited access. Otherwise, if the path
// lies under the shared-storage root, membership of the enclosing shared
// storage merges in, highest wins.
func (e *Engine) Permission(ctx context.Context, userID int64, path string) (Level, error) {
	highest := None

	home, err := e.users.HomeDir(ctx, userID)
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return None, err
	}
	if home != "" && pathsafe.Descends(home, path) {
		highest = ReadWrite
	}

	current := path
	for {
		level, found, err := e.explicitGrant(ctx, userID, current)
		if err != nil {
			return None, err
		}
		if found {
			return level, nil
		}
		parent := filepath.Dir(current)
		if parent == current || current == home || current == e.usersRoot || current == e.sharedRoot {
			break
		}
		current = parent
	}

	if pathsafe.Descends(e.sharedRoot, path) && path != e.sharedRoot {
		current = path
		for current != e.sharedRoot {
			level, found, err := e.sharedGrant(ctx, userID, current)
			if err != nil {
				return None, err
			}
			if found {
				if level > highest {
					highest = level
				}
				break
			}
			parent := filepath.Dir(current)
			if parent == current {
				break
			}
			current = parent
		}
	}
	return highest, nil
}

// GrantExplicit records an explicit grant for userID on path, replacing
// any previous grant there. Granting None is an explicit revocation.
func (e *Engine) GrantExplicit(ctx context.Context, userID int64, path string, level Level) error {
	query := e.db.Rebind(`
		INSERT INTO permissions (user_id, path, access) VALUES (?, ?, ?)
		ON CONFLICT (user_id, path) DO UPDATE SET access = excluded.access`)
	_, err := e.db.ExecContext(ctx, query, userID, path, level.String())
	return err
}

// RevokeExplicit removes an explicit grant, restoring inheritance.
func (e *Engine) RevokeExplicit(ctx context.Context, userID int64, path string) error {
	_, err := e.db.ExecContext(ctx, e.db.Rebind(`DELETE FROM permissions WHERE user_id = ? AND path = ?`), userID, path)
	return err
}

func (e *Engine) explicitGrant(ctx context.Context, userID int64, path string) (Level, bool, error) {
	var access string
	query := e.db.Rebind(`SELECT access FROM permissions WHERE user_id = ? AND path = ?`)
	err := e.db.QueryRowContext(ctx, query, userID, path).Scan(&access)
	if errors.Is(err, sql.ErrNoRows) {
		return None, false, nil
	}
	if err != nil {
		return None, false, err
	}
	return ParseLevel(access), true, nil
}

func (e *Engine) sharedGrant(ctx context.Context, userID int64, storagePath string) (Level, bool, error) {
	var access string
	query := e.db.Rebind(`
		SELECT sa.access FROM shared_access sa
		JOIN shared_storage ss ON sa.shared_storage_id = ss.id
		WHERE sa.user_id = ? AND ss.storage_path = ?`)
	err := e.db.QueryRowContext(ctx, query, userID, storagePath).Scan(&access)
	if errors.Is(err, sql.ErrNoRows) {
		return None, false, nil
	}
	if err != nil {
		return None, false, err
	}
	return ParseLevel(access), true, nil
}
