package main

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/blossomkit/nostrconnect/kvstore"
	"github.com/blossomkit/nostrconnect/kvstore/badger"
	"github.com/blossomkit/nostrconnect/kvstore/lmdb"
	"github.com/blossomkit/nostrconnect/kvstore/memory"
	"github.com/blossomkit/nostrconnect/kvstore/redis"
	"github.com/blossomkit/nostrconnect/kvstore/sqlkv"
	"go-simpler.org/env"
	_ "modernc.org/sqlite"
)

type Config struct {
	AppName  string        `env:"NOSTRCONNECT_APP_NAME" default:"nostrconnect" usage:"name announced to remote signers and used for the data directory"`
	Relays   []string      `env:"NOSTRCONNECT_RELAYS" default:"wss://relay.nsec.app" usage:"relays used for new invitations"`
	Store    string        `env:"NOSTRCONNECT_STORE" default:"badger" usage:"session storage: memory, badger, lmdb, sqlite or redis"`
	DataDir  string        `env:"NOSTRCONNECT_DATA_DIR" usage:"where sessions are kept (default is under the XDG data home)"`
	RedisURL string        `env:"NOSTRCONNECT_REDIS_URL" default:"redis://localhost:6379/0" usage:"redis connection string when the store is redis"`
	Timeout  time.Duration `env:"NOSTRCONNECT_TIMEOUT" default:"30s" usage:"how long to wait for the remote signer"`
	Perms    string        `env:"NOSTRCONNECT_PERMS" usage:"comma separated permissions requested when pairing"`
}

func loadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Load(cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Join(xdg.DataHome, cfg.AppName)
	}
	return cfg, nil
}

func printUsage(cfg *Config) {
	env.Usage(cfg, os.Stdout, &env.Options{SliceSep: ","})
}

func (cfg *Config) openKV() (kvstore.KVStore, error) {
	if cfg.Store != "memory" && cfg.Store != "redis" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, err
		}
	}

	switch cfg.Store {
	case "memory":
		return memory.NewStore(), nil
	case "badger":
		return badger.NewStore(filepath.Join(cfg.DataDir, "badger"))
	case "lmdb":
		return lmdb.NewStore(filepath.Join(cfg.DataDir, "lmdb"))
	case "sqlite":
		db, err := sql.Open("sqlite", filepath.Join(cfg.DataDir, "sessions.sqlite"))
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(1)
		return sqlkv.NewStore(db, "sqlite3")
	case "redis":
		return redis.NewStore(cfg.RedisURL, cfg.AppName)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
