// Command homesync-server runs the synchronization server: user accounts,
// per-user homes, shared storages, and the manifest reconciler behind an
// HTTP API.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/homesyncd/homesync/internal/access"
	"github.com/homesyncd/homesync/internal/filestore"
	"github.com/homesyncd/homesync/internal/httpapi"
	"github.com/homesyncd/homesync/internal/metadata"
)

type serverConfig struct {
	ListenAddr string `mapstructure:"listen_addr" validate:"required"`
	UsersRoot  string `mapstructure:"users_root" validate:"required"`
	SharedRoot string `mapstructure:"shared_root" validate:"required"`
	Database   struct {
		Driver string `mapstructure:"driver" validate:"required,oneof=sqlite3 postgres"`
		DSN    string `mapstructure:"dsn" validate:"required"`
	} `mapstructure:"database"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
	MaxBodyBytes       int64         `mapstructure:"max_body_bytes"`
	Log                struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format" validate:"omitempty,oneof=text json"`
	} `mapstructure:"log"`
}

func main() {
	log := logrus.New()

	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}
	configureLogger(log, cfg)

	if err := os.MkdirAll(cfg.UsersRoot, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create users root")
	}
	if err := os.MkdirAll(cfg.SharedRoot, 0o755); err != nil {
		log.WithError(err).Fatal("failed to create shared root")
	}

	db, err := metadata.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.WithError(err).Fatal("failed to open metadata database")
	}
	defer db.Close()

	meta := metadata.NewStore(db)
	users := access.NewUsers(db, cfg.UsersRoot, nil)
	perms := access.NewEngine(db, users, cfg.UsersRoot, cfg.SharedRoot)
	files := filestore.New(meta)

	server, err := httpapi.NewServer(users, perms, files, meta, log, httpapi.ServerConfig{
		SessionIdleTimeout: cfg.SessionIdleTimeout,
		MaxBodyBytes:       cfg.MaxBodyBytes,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to build server")
	}

	log.WithFields(logrus.Fields{
		"addr":   cfg.ListenAddr,
		"driver": cfg.Database.Driver,
	}).Info("homesync server listening")
	if err := http.ListenAndServe(cfg.ListenAddr, server); err != nil {
		log.WithError(err).Fatal("server failed")
	}
}

// loadConfig reads the YAML config named by HOMESYNC_CONFIG (default
// ./homesync.yaml), with HOMESYNC_* env overrides for every key.
func loadConfig() (serverConfig, error) {
	v := viper.New()
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("session_idle_timeout", "30m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	path := os.Getenv("HOMESYNC_CONFIG")
	if path == "" {
		path = "homesync.yaml"
	}
	v.SetConfigFile(path)
	v.SetEnvPrefix("HOMESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return serverConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg serverConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return serverConfig{}, fmt.Errorf("parse config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return serverConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func configureLogger(log *logrus.Logger, cfg serverConfig) {
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Log.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
}
