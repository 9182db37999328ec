// Package metadata owns the server database: connection management, the
// embedded schema, and the tombstoned file-metadata table that backs every
// sync decision.
package metadata

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/homesyncd/homesync/internal/metadata/migrations"
)

// DB wraps *sql.DB with the driver name so query code can rebind
// placeholders for postgres.
type DB struct {
	*sql.DB
	driver string
}

// Open opens the database for the given driver ("sqlite3" or "postgres"),
// applies pending migrations, and returns the handle. For sqlite3 the DSN
// is a filesystem path; parent directories are created as needed.
func Open(driver, dsn string) (*DB, error) {
	switch driver {
	case "sqlite3":
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		if !strings.Contains(dsn, "?") {
			dsn += "?_foreign_keys=on&_busy_timeout=5000"
		}
	case "postgres":
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite3" {
		// sqlite serializes writers; a single connection avoids
		// SQLITE_BUSY churn under the handler pool.
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrations.Up(db, driver); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{DB: db, driver: driver}, nil
}

// Driver returns the driver name the database was opened with.
func (d *DB) Driver() string { return d.driver }

// Rebind converts ?-style placeholders into the driver's native form.
// Queries in this repo are written with ? and rebound once at call sites.
func (d *DB) Rebind(query string) string {
	if d.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// LikePrefix builds a LIKE pattern matching prefix + separator + anything,
// escaping LIKE metacharacters in the prefix. Patterns built here are used
// with ESCAPE '\'.
func LikePrefix(prefix, separator string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(prefix+separator) + "%"
}
