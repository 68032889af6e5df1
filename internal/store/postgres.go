package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/signalsfoundry/cbrs-sas-controller/model"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS cbsds (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL DEFAULT '',
	serial_number TEXT NOT NULL,
	fcc_id        TEXT NOT NULL,
	cbsd_id       TEXT NOT NULL DEFAULT '',
	state         TEXT NOT NULL,
	record        JSONB NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS grants (
	device_id  TEXT NOT NULL REFERENCES cbsds (id) ON DELETE CASCADE,
	grant_id   TEXT NOT NULL,
	state      TEXT NOT NULL,
	record     JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (device_id, grant_id)
);
`

// Postgres stores records as JSONB alongside the columns used for lookup.
type Postgres struct {
	db *sql.DB
}

var _ Store = (*Postgres)(nil)

// OpenPostgres connects to dsn, configures the pool and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	if dsn == "" {
		return nil, fmt.Errorf("store: postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := NewPostgres(db)
	if err := p.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

// NewPostgres wraps an existing pool.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate creates the tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate postgres: %w", describe(err))
	}
	return nil
}

func (p *Postgres) UpsertCBSD(ctx context.Context, c model.CBSD) error {
	if c.ID == "" {
		return fmt.Errorf("store: cbsd requires id")
	}
	rec, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cbsd: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO cbsds (id, tenant_id, serial_number, fcc_id, cbsd_id, state, record, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   tenant_id = EXCLUDED.tenant_id,
		   serial_number = EXCLUDED.serial_number,
		   fcc_id = EXCLUDED.fcc_id,
		   cbsd_id = EXCLUDED.cbsd_id,
		   state = EXCLUDED.state,
		   record = EXCLUDED.record,
		   updated_at = EXCLUDED.updated_at`,
		c.ID, c.TenantID, c.CBSDSerialNumber, c.FCCID, c.CBSDID, string(c.State), rec, updatedAt(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert cbsd %s: %w", c.ID, describe(err))
	}
	return nil
}

func (p *Postgres) GetCBSD(ctx context.Context, id string) (model.CBSD, error) {
	var rec []byte
	err := p.db.QueryRowContext(ctx, `SELECT record FROM cbsds WHERE id = $1`, id).Scan(&rec)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CBSD{}, fmt.Errorf("cbsd %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.CBSD{}, fmt.Errorf("get cbsd %s: %w", id, describe(err))
	}
	var c model.CBSD
	if err := json.Unmarshal(rec, &c); err != nil {
		return model.CBSD{}, fmt.Errorf("decode cbsd %s: %w", id, err)
	}
	return c, nil
}

func (p *Postgres) ListCBSDs(ctx context.Context) ([]model.CBSD, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT record FROM cbsds ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list cbsds: %w", describe(err))
	}
	defer rows.Close()

	var out []model.CBSD
	for rows.Next() {
		var rec []byte
		if err := rows.Scan(&rec); err != nil {
			return nil, fmt.Errorf("scan cbsd: %w", err)
		}
		var c model.CBSD
		if err := json.Unmarshal(rec, &c); err != nil {
			return nil, fmt.Errorf("decode cbsd: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) UpsertGrant(ctx context.Context, g model.Grant) error {
	if err := validateGrant(g); err != nil {
		return err
	}
	rec, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode grant: %w", err)
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO grants (device_id, grant_id, state, record, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (device_id, grant_id) DO UPDATE SET
		   state = EXCLUDED.state,
		   record = EXCLUDED.record,
		   updated_at = EXCLUDED.updated_at`,
		g.DeviceID, g.GrantID, string(g.State), rec, updatedAt(g.CreatedAt), updatedAt(g.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert grant %s: %w", g.GrantID, describe(err))
	}
	return nil
}

func (p *Postgres) DeleteGrant(ctx context.Context, deviceID, grantID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM grants WHERE device_id = $1 AND grant_id = $2`, deviceID, grantID)
	if err != nil {
		return fmt.Errorf("delete grant %s: %w", grantID, describe(err))
	}
	return nil
}

func (p *Postgres) ListGrants(ctx context.Context, deviceID string) ([]model.Grant, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT record FROM grants WHERE device_id = $1 ORDER BY created_at, grant_id`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", describe(err))
	}
	defer rows.Close()

	out := []model.Grant{}
	for rows.Next() {
		var rec []byte
		if err := rows.Scan(&rec); err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		var g model.Grant
		if err := json.Unmarshal(rec, &g); err != nil {
			return nil, fmt.Errorf("decode grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Close closes the pool.
func (p *Postgres) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// describe adds the Postgres error code to driver errors.
func describe(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return fmt.Errorf("%s (%s): %w", pqErr.Code.Name(), pqErr.Code, err)
	}
	return err
}

func updatedAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
