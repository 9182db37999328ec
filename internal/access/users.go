package access

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/bcrypt"

	"github.com/homesyncd/homesync/internal/metadata"
)

var (
	ErrUsernameTaken      = errors.New("username already taken")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserNotFound       = errors.New("user not found")
)

// User is a registered account with its server-side home directory.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	HomeDir      string
}

// PasswordHasher abstracts password hashing so tests can swap in a cheap
// implementation.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(password, storedHash string) bool
}

// BcryptHasher hashes with bcrypt at the default cost.
type BcryptHasher struct{}

func (BcryptHasher) Hash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (BcryptHasher) Verify(password, storedHash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)) == nil
}

// Users manages account rows and their home directories under usersRoot.
type Users struct {
	db        *metadata.DB
	usersRoot string
	hasher    PasswordHasher
}

// NewUsers returns a user store creating homes under usersRoot.
func NewUsers(db *metadata.DB, usersRoot string, hasher PasswordHasher) *Users {
	if hasher == nil {
		hasher = BcryptHasher{}
	}
	return &Users{db: db, usersRoot: usersRoot, hasher: hasher}
}

// Register creates the account and its home directory. Registering an
// existing username returns ErrUsernameTaken.
func (u *Users) Register(ctx context.Context, username, password string) (User, error) {
	var existing int64
	err := u.db.QueryRowContext(ctx, u.db.Rebind(`SELECT id FROM users WHERE username = ?`), username).Scan(&existing)
	switch {
	case err == nil:
		return User{}, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
	case !errors.Is(err, sql.ErrNoRows):
		return User{}, err
	}

	homeDir := filepath.Join(u.usersRoot, username)
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return User{}, fmt.Errorf("create home directory: %w", err)
	}
	hash, err := u.hasher.Hash(password)
	if err != nil {
		return User{}, err
	}

	id, err := u.insertUser(ctx, username, hash, homeDir)
	if err != nil {
		return User{}, err
	}
	return User{ID: id, Username: username, PasswordHash: hash, HomeDir: homeDir}, nil
}

func (u *Users) insertUser(ctx context.Context, username, hash, homeDir string) (int64, error) {
	if u.db.Driver() == "postgres" {
		var id int64
		query := u.db.Rebind(`INSERT INTO users (username, password_hash, home_dir) VALUES (?, ?, ?) RETURNING id`)
		if err := u.db.QueryRowContext(ctx, query, username, hash, homeDir).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}
	res, err := u.db.ExecContext(ctx, u.db.Rebind(`INSERT INTO users (username, password_hash, home_dir) VALUES (?, ?, ?)`), username, hash, homeDir)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Authenticate verifies the password and returns the account.
func (u *Users) Authenticate(ctx context.Context, username, password string) (User, error) {
	user, err := u.ByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return User{}, ErrInvalidCredentials
		}
		return User{}, err
	}
	if !u.hasher.Verify(password, user.PasswordHash) {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// ByID looks a user up by id.
func (u *Users) ByID(ctx context.Context, id int64) (User, error) {
	var user User
	query := u.db.Rebind(`SELECT id, username, password_hash, home_dir FROM users WHERE id = ?`)
	err := u.db.QueryRowContext(ctx, query, id).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.HomeDir)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Delete removes the account. Permissions and shared access cascade;
// metadata ownership is nulled by the schema.
func (u *Users) Delete(ctx context.Context, id int64) error {
	_, err := u.db.ExecContext(ctx, u.db.Rebind(`DELETE FROM users WHERE id = ?`), id)
	return err
}

// HomeDir returns the home directory for id.
func (u *Users) HomeDir(ctx context.Context, id int64) (string, error) {
	user, err := u.ByID(ctx, id)
	if err != nil {
		return "", err
	}
	return user.HomeDir, nil
}

// ByUsername looks a user up by username.
func (u *Users) ByUsername(ctx context.Context, username string) (User, error) {
	var user User
	query := u.db.Rebind(`SELECT id, username, password_hash, home_dir FROM users WHERE username = ?`)
	err := u.db.QueryRowContext(ctx, query, username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.HomeDir)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	return user, nil
}
