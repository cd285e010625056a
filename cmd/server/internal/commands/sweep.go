package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wolfeidau/storefront/internal/logger"
	"github.com/wolfeidau/storefront/internal/tokenstore/postgres"
)

// SweepCmd removes client sessions that have not been written for a while
// from the shared PostgreSQL session store.
type SweepCmd struct {
	ConnString  string        `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`
	MaxAge      time.Duration `help:"delete sessions idle for longer than this" default:"720h"`
	AutoMigrate bool          `help:"run database migrations first" default:"false" env:"STOREFRONT_POSTGRES_AUTO_MIGRATE"`
}

func (c *SweepCmd) Run(ctx context.Context, globals *Globals) error {
	log := logger.Setup(globals.Debug)

	if c.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--conn-string or POSTGRES_CONNECTION_STRING)")
	}
	if c.MaxAge <= 0 {
		return errors.New("--max-age must be positive")
	}

	pool, err := postgres.NewPool(ctx, &postgres.PoolConfig{
		ConnString:  c.ConnString,
		MaxConns:    2,
		AutoMigrate: c.AutoMigrate,
	})
	if err != nil {
		return fmt.Errorf("failed to create connection pool: %w", err)
	}
	defer pool.Close()

	deleted, err := postgres.DeleteStale(ctx, pool, c.MaxAge)
	if err != nil {
		return err
	}

	log.Info().Int64("deleted", deleted).Dur("max_age", c.MaxAge).Msg("Swept stale sessions")
	return nil
}
