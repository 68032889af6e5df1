package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

// RedisOptions addresses a Redis server.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces every key; defaults to "sasd".
	Prefix string
}

// Redis keeps each CBSD as a JSON string, the set of device ids, and one hash
// of grants per device keyed by grant id.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ Store = (*Redis)(nil)

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*Redis, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("store: redis address is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedis(rdb, opts.Prefix), nil
}

// NewRedis wraps an existing client.
func NewRedis(rdb redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "sasd"
	}
	return &Redis{rdb: rdb, prefix: prefix}
}

func (r *Redis) indexKey() string               { return r.prefix + ":cbsds" }
func (r *Redis) cbsdKey(id string) string       { return r.prefix + ":cbsd:" + id }
func (r *Redis) grantsKey(device string) string { return r.prefix + ":grants:" + device }

func (r *Redis) UpsertCBSD(ctx context.Context, c model.CBSD) error {
	if c.ID == "" {
		return fmt.Errorf("store: cbsd requires id")
	}
	rec, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cbsd: %w", err)
	}
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.cbsdKey(c.ID), rec, 0)
		pipe.SAdd(ctx, r.indexKey(), c.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert cbsd %s: %w", c.ID, err)
	}
	return nil
}

func (r *Redis) GetCBSD(ctx context.Context, id string) (model.CBSD, error) {
	rec, err := r.rdb.Get(ctx, r.cbsdKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.CBSD{}, fmt.Errorf("cbsd %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.CBSD{}, fmt.Errorf("get cbsd %s: %w", id, err)
	}
	var c model.CBSD
	if err := json.Unmarshal(rec, &c); err != nil {
		return model.CBSD{}, fmt.Errorf("decode cbsd %s: %w", id, err)
	}
	return c, nil
}

func (r *Redis) ListCBSDs(ctx context.Context) ([]model.CBSD, error) {
	ids, err := r.rdb.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list cbsds: %w", err)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.cbsdKey(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("list cbsds: %w", err)
	}
	out := make([]model.CBSD, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Index entry without a record; skip it.
			continue
		}
		var c model.CBSD
		if err := json.Unmarshal([]byte(s), &c); err != nil {
			return nil, fmt.Errorf("decode cbsd %s: %w", ids[i], err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *Redis) UpsertGrant(ctx context.Context, g model.Grant) error {
	if err := validateGrant(g); err != nil {
		return err
	}
	rec, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode grant: %w", err)
	}
	if err := r.rdb.HSet(ctx, r.grantsKey(g.DeviceID), g.GrantID, rec).Err(); err != nil {
		return fmt.Errorf("upsert grant %s: %w", g.GrantID, err)
	}
	return nil
}

func (r *Redis) DeleteGrant(ctx context.Context, deviceID, grantID string) error {
	if err := r.rdb.HDel(ctx, r.grantsKey(deviceID), grantID).Err(); err != nil {
		return fmt.Errorf("delete grant %s: %w", grantID, err)
	}
	return nil
}

func (r *Redis) ListGrants(ctx context.Context, deviceID string) ([]model.Grant, error) {
	fields, err := r.rdb.HGetAll(ctx, r.grantsKey(deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	out := make([]model.Grant, 0, len(fields))
	for id, rec := range fields {
		var g model.Grant
		if err := json.Unmarshal([]byte(rec), &g); err != nil {
			return nil, fmt.Errorf("decode grant %s: %w", id, err)
		}
		out = append(out, g)
	}
	sortGrants(out)
	return out, nil
}

// Close closes the client.
func (r *Redis) Close() error { return r.rdb.Close() }
