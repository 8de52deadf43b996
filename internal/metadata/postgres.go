package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/listing-evidence/internal/model"
)

// Pool is the subset of pgxpool.Pool used by PostgresRepository.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// PostgresRepository implements Repository using pgxpool.
type PostgresRepository struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresRepository with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresRepository, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresRepository{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS metadata_records (
	target_id  TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	fields     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// Migrate creates the schema if needed.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	_, err := r.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (r *PostgresRepository) Close() error {
	if r.closeFn != nil {
		r.closeFn()
	}
	return nil
}

func (r *PostgresRepository) Load(ctx context.Context, targetID string) (*model.MetadataRecord, error) {
	var (
		raw       []byte
		updatedAt time.Time
	)
	rec := emptyRecord(targetID)
	err := r.pool.QueryRow(ctx,
		`SELECT version, fields, updated_at FROM metadata_records WHERE target_id = $1`, targetID,
	).Scan(&rec.Version, &raw, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load %s", targetID)
	}
	if err := json.Unmarshal(raw, &rec.Fields); err != nil {
		return nil, eris.Wrapf(err, "postgres: decode fields for %s", targetID)
	}
	rec.UpdatedAt = updatedAt.UTC()
	return rec, nil
}

func (r *PostgresRepository) Save(ctx context.Context, rec *model.MetadataRecord, expectedVersion int64) error {
	raw, err := json.Marshal(rec.Fields)
	if err != nil {
		return eris.Wrap(err, "postgres: encode fields")
	}

	var tag pgconn.CommandTag
	if expectedVersion == 0 {
		tag, err = r.pool.Exec(ctx,
			`INSERT INTO metadata_records (target_id, version, fields, updated_at) VALUES ($1, 1, $2, $3)
			 ON CONFLICT (target_id) DO NOTHING`,
			rec.TargetID, raw, rec.UpdatedAt)
	} else {
		tag, err = r.pool.Exec(ctx,
			`UPDATE metadata_records SET version = version + 1, fields = $1, updated_at = $2
			 WHERE target_id = $3 AND version = $4`,
			raw, rec.UpdatedAt, rec.TargetID, expectedVersion)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: save %s", rec.TargetID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "postgres: save %s at version %d", rec.TargetID, expectedVersion)
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (r *PostgresRepository) Targets(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT target_id FROM metadata_records ORDER BY target_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list targets")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan target")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "postgres: list targets")
}
