package cursor

import (
	"context"
	"fmt"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"gorm.io/gorm"

	"github.com/assetflow/assetflow/pkg/database"
)

// Store types accepted by Open.
const (
	TypeMemory   = "memory"
	TypeFile     = "file"
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeRedis    = "redis"
)

// StoreConfig selects and configures a Store.
type StoreConfig struct {
	Type string `hcl:"type,optional"`

	// Path is the directory for "file".
	Path string `hcl:"path,optional"`

	// DSN is the database for "sqlite" and "postgres".
	DSN string `hcl:"dsn,optional"`

	// Addr, Password, DB and Prefix configure "redis".
	Addr     string `hcl:"addr,optional"`
	Password string `hcl:"password,optional"`
	DB       int    `hcl:"db,optional"`
	Prefix   string `hcl:"prefix,optional"`
}

// Open builds the Store described by cfg. An empty type selects memory.
func Open(ctx context.Context, cfg StoreConfig, log hclog.Logger) (Store, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	log = log.Named("cursor-store")

	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", TypeMemory:
		log.Debug("using in-memory cursor store")
		return NewMemoryStore(), nil

	case TypeFile:
		log.Debug("using file cursor store", "path", cfg.Path)
		return NewFileStore(afero.NewOsFs(), cfg.Path)

	case TypeSQLite, TypePostgres:
		db, err := database.Connect(database.Config{Driver: cfg.Type, DSN: cfg.DSN}, log)
		if err != nil {
			return nil, err
		}
		return openSQL(db, log)

	case TypeRedis:
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis cursor store requires addr")
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
		}
		log.Debug("using redis cursor store", "addr", cfg.Addr)
		return NewRedisStore(client, cfg.Prefix), nil

	default:
		return nil, fmt.Errorf("unknown cursor store type %q", cfg.Type)
	}
}

// Close releases store resources when it holds any.
func Close(s Store) error {
	if c, ok := s.(Closer); ok {
		return c.Close()
	}
	return nil
}

// openSQL wraps db in a SQLStore. db is closed when the store cannot be
// created.
func openSQL(db *gorm.DB, log hclog.Logger) (Store, error) {
	store, err := NewSQLStore(db)
	if err != nil {
		if cerr := database.Close(db); cerr != nil {
			log.Warn("failed to close database", "error", cerr)
		}
		return nil, err
	}
	return store, nil
}
