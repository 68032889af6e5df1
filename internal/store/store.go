// Package store persists CBSD records and their active grants so the fleet
// can be restored after a restart.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence contract used by the fleet. Writes are idempotent
// upserts; the latest write for a key wins.
type Store interface {
	UpsertCBSD(ctx context.Context, c model.CBSD) error
	GetCBSD(ctx context.Context, id string) (model.CBSD, error)
	ListCBSDs(ctx context.Context) ([]model.CBSD, error)

	UpsertGrant(ctx context.Context, g model.Grant) error
	DeleteGrant(ctx context.Context, deviceID, grantID string) error
	ListGrants(ctx context.Context, deviceID string) ([]model.Grant, error)

	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config selects and configures a backend.
type Config struct {
	Backend string `yaml:"backend"`
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn"`
	// RedisAddr, RedisPassword and RedisDB address the Redis server.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// KeyPrefix namespaces Redis keys.
	KeyPrefix string `yaml:"key_prefix"`
}

// Open builds the configured backend and checks connectivity.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendPostgres:
		return OpenPostgres(ctx, cfg.DSN)
	case BackendRedis:
		return OpenRedis(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("store: unknown backend %q", cfg.Backend)
	}
}

func validateGrant(g model.Grant) error {
	if g.DeviceID == "" || g.GrantID == "" {
		return fmt.Errorf("store: grant requires deviceId and grantId")
	}
	return nil
}
