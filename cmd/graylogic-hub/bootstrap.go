package main

import (
	"context"
	"fmt"

	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/redis"
	"github.com/nerrad567/gray-logic-hub/internal/state"
	"github.com/nerrad567/gray-logic-hub/internal/topology"
	"github.com/nerrad567/gray-logic-hub/migrations"
)

// loadConfig reads the configuration and builds the configured logger.
func loadConfig(configPath string) (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, logging.New(cfg.Logging, version), nil
}

// openDatabase opens the topology database without migrating it.
func openDatabase(cfg *config.Config) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return db, nil
}

// core is the state every command that touches topology or property state
// needs: a migrated database, a loaded registry and the state managers.
type core struct {
	cfg      *config.Config
	log      *logging.Logger
	db       *database.DB
	redis    *redis.Client // nil with the memory backend
	registry *topology.Registry
	managers *state.Managers
}

// openCore loads configuration and opens the database and state store.
// On error everything opened so far is closed again.
func openCore(ctx context.Context, configPath string) (c *core, err error) {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	c = &core{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			c.Close()
			c = nil
		}
	}()

	if c.db, err = openDatabase(cfg); err != nil {
		return nil, err
	}
	log.Info("database connected", "path", cfg.Database.Path)

	if err = c.db.Migrate(ctx, migrations.FS, migrations.Dir); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	c.registry = topology.NewRegistry(topology.NewSQLiteRepository(c.db.DB))
	c.registry.SetLogger(log.Component("topology"))
	if err = c.registry.RefreshCache(ctx); err != nil {
		return nil, fmt.Errorf("loading topology: %w", err)
	}
	stats := c.registry.Stats()
	log.Info("topology loaded",
		"connectors", stats.Connectors,
		"devices", stats.Devices,
		"properties", stats.Properties,
	)

	store, err := c.openStore(ctx)
	if err != nil {
		return nil, err
	}
	c.managers = state.NewManagers(store)
	c.managers.SetLogger(log.Component("state"))
	return c, nil
}

func (c *core) openStore(ctx context.Context) (state.Store, error) {
	if c.cfg.StateStore.Backend != config.StateBackendRedis {
		c.log.Info("state store ready", "backend", config.StateBackendMemory)
		return state.NewMemoryStore(), nil
	}

	client, err := redis.Connect(ctx, c.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}
	c.redis = client
	c.log.Info("state store ready",
		"backend", config.StateBackendRedis,
		"addr", c.cfg.Redis.Addr,
	)
	return state.NewRedisStore(client.Redis(), client.KeyPrefix()), nil
}

// Close releases the state store and database, newest first.
func (c *core) Close() {
	if c.redis != nil {
		c.log.Info("closing Redis connection")
		if err := c.redis.Close(); err != nil {
			c.log.Error("error closing Redis", "error", err)
		}
	}
	if c.db != nil {
		c.log.Info("closing database")
		if err := c.db.Close(); err != nil {
			c.log.Error("error closing database", "error", err)
		}
	}
}
