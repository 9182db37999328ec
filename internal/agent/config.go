// Package agent implements the client side: the watched directory, the
// change watcher, and the sync loop that keeps it mirrored to the server.
package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Config is the agent's configuration, loaded from a key=value file.
type Config struct {
	ServerURL   string
	Username    string
	Password    string
	WatcherRoot string
	// SyncInterval caps how long a dirty tree waits before syncing.
	SyncInterval time.Duration
	// QuietPeriod is how long the tree must stay quiet after a change
	// before an early sync fires.
	QuietPeriod time.Duration
}

// LoadConfig parses the key=value file at path. Lines starting with '#'
// and blank lines are skipped; unknown keys are rejected so typos fail
// loudly.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Config{
		SyncInterval: 10 * time.Second,
		QuietPeriod:  time.Second,
	}
	for lineNo, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found {
			return Config{}, fmt.Errorf("config line %d: expected key=value, got %q", lineNo+1, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "server_url":
			cfg.ServerURL = strings.TrimRight(value, "/")
		case "username":
			cfg.Username = value
		case "password":
			cfg.Password = value
		case "watcher_root":
			cfg.WatcherRoot = value
		case "sync_interval_seconds":
			seconds, err := strconv.Atoi(value)
			if err != nil || seconds <= 0 {
				return Config{}, fmt.Errorf("config line %d: invalid sync_interval_seconds %q", lineNo+1, value)
			}
			cfg.SyncInterval = time.Duration(seconds) * time.Second
		default:
			return Config{}, fmt.Errorf("config line %d: unknown key %q", lineNo+1, key)
		}
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	cfg.WatcherRoot, err = filepath.Abs(cfg.WatcherRoot)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	var missing []string
	if c.ServerURL == "" {
		missing = append(missing, "server_url")
	}
	if c.Username == "" {
		missing = append(missing, "username")
	}
	if c.Password == "" {
		missing = append(missing, "password")
	}
	if c.WatcherRoot == "" {
		missing = append(missing, "watcher_root")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config is missing required keys: %s", strings.Join(missing, ", "))
	}
	info, err := os.Stat(c.WatcherRoot)
	if err != nil {
		return fmt.Errorf("watcher_root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watcher_root %q is not a directory", c.WatcherRoot)
	}
	return nil
}

// NotifyConfigChanges watches the config file and logs when it changes.
// Changes take effect on the next agent start; the notice tells the
// operator a restart is due. The returned stop function releases the
// watch.
func NotifyConfigChanges(path string, log logrus.FieldLogger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors replace config files by
	// rename, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	base := filepath.Base(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != base {
					continue
				}
				if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
					log.WithField("config", path).Warn("configuration file changed; restart the agent to apply it")
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return func() { _ = watcher.Close() }, nil
}
