// Command homesync-agent watches a local directory and keeps it mirrored
// to the user's server-side home.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/homesyncd/homesync/internal/agent"
)

func main() {
	log := logrus.New()

	configPath := flag.String("config", defaultConfigPath(), "path to the agent config file")
	register := flag.Bool("register", false, "register the account before the first login")
	flag.Parse()

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	stopConfigWatch, err := agent.NotifyConfigChanges(*configPath, log)
	if err != nil {
		log.WithError(err).Warn("config file change notices unavailable")
	} else {
		defer stopConfigWatch()
	}

	appData, err := agent.LoadAppData(appDataPath())
	if err != nil {
		log.WithError(err).Fatal("failed to load agent state")
	}

	client := agent.NewClient(agent.ClientOptions{
		BaseURL:  cfg.ServerURL,
		Username: cfg.Username,
		Password: cfg.Password,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *register {
		if err := client.Register(ctx); err != nil {
			log.WithError(err).Fatal("registration failed")
		}
	}
	if err := client.Login(ctx); err != nil {
		log.WithError(err).Fatal("login failed")
	}

	queue := agent.NewChangeQueue(0)
	ignore := agent.NewEventIgnoreSet()
	watcher, err := agent.NewWatcher(cfg.WatcherRoot, queue, ignore, log, nil)
	if err != nil {
		log.WithError(err).Fatal("failed to watch directory")
	}
	go watcher.Run()

	scanner := agent.NewScanner(cfg.WatcherRoot, appData)
	coordinator := agent.NewCoordinator(cfg, client, scanner, appData, queue, ignore, watcher.Wake(), log, nil)

	log.WithFields(logrus.Fields{
		"root":   cfg.WatcherRoot,
		"server": cfg.ServerURL,
		"user":   cfg.Username,
	}).Info("homesync agent started")

	err = coordinator.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("sync loop stopped")
	}

	_ = watcher.Close()

	// The signal context is already done; give the logout its own window.
	logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Logout(logoutCtx); err != nil {
		log.WithError(err).Warn("logout failed")
	}
	log.Info("homesync agent stopped")
}

func defaultConfigPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "homesync", "agent.conf")
	}
	return "agent.conf"
}

func appDataPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "homesync", "app_data.json")
	}
	return "app_data.json"
}
