package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.conf")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, strings.Join([]string{
		"# homesync agent configuration",
		"server_url = http://localhost:8080/",
		"username=alice",
		"password = hunter2",
		"",
		"watcher_root = " + root,
		"sync_interval_seconds = 30",
	}, "\n"))

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ServerURL != "http://localhost:8080" {
		t.Fatalf("server url = %q (trailing slash should be stripped)", cfg.ServerURL)
	}
	if cfg.Username != "alice" || cfg.Password != "hunter2" {
		t.Fatalf("credentials = %q / %q", cfg.Username, cfg.Password)
	}
	if cfg.SyncInterval != 30*time.Second {
		t.Fatalf("sync interval = %v", cfg.SyncInterval)
	}
	if !filepath.IsAbs(cfg.WatcherRoot) {
		t.Fatalf("watcher root not absolute: %q", cfg.WatcherRoot)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	root := t.TempDir()
	path := writeConfig(t, "server_url=http://s\nusername=u\npassword=p\nwatcher_root="+root)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SyncInterval != 10*time.Second {
		t.Fatalf("default sync interval = %v", cfg.SyncInterval)
	}
	if cfg.QuietPeriod != time.Second {
		t.Fatalf("default quiet period = %v", cfg.QuietPeriod)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	root := t.TempDir()
	cases := []struct {
		name    string
		content string
		wantSub string
	}{
		{
			name:    "missing keys",
			content: "server_url=http://s",
			wantSub: "missing required keys",
		},
		{
			name:    "unknown key",
			content: "server_url=http://s\nusername=u\npassword=p\nwatcher_root=" + root + "\nserver_uri=oops",
			wantSub: "unknown key",
		},
		{
			name:    "malformed line",
			content: "server_url http://s",
			wantSub: "expected key=value",
		},
		{
			name:    "bad interval",
			content: "server_url=http://s\nusername=u\npassword=p\nwatcher_root=" + root + "\nsync_interval_seconds=zero",
			wantSub: "sync_interval_seconds",
		},
		{
			name:    "watcher root missing",
			content: "server_url=http://s\nusername=u\npassword=p\nwatcher_root=" + filepath.Join(root, "nope"),
			wantSub: "watcher_root",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.content))
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("err = %v, want substring %q", err, tc.wantSub)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.conf")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
