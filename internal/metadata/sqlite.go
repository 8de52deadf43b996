package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/listing-evidence/internal/model"
)

// SQLiteRepository implements Repository using modernc.org/sqlite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn, configures WAL mode and creates
// the schema.
func NewSQLite(ctx context.Context, dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection keeps the pragmas in force and serializes writers.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	r := &SQLiteRepository{db: db}
	if err := r.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS metadata_records (
	target_id  TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	fields     TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Migrate creates the schema if needed.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Load(ctx context.Context, targetID string) (*model.MetadataRecord, error) {
	var (
		raw       string
		updatedAt string
	)
	rec := emptyRecord(targetID)
	err := r.db.QueryRowContext(ctx,
		`SELECT version, fields, updated_at FROM metadata_records WHERE target_id = ?`, targetID,
	).Scan(&rec.Version, &raw, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load %s", targetID)
	}
	if err := json.Unmarshal([]byte(raw), &rec.Fields); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode fields for %s", targetID)
	}
	if rec.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode updated_at for %s", targetID)
	}
	return rec, nil
}

func (r *SQLiteRepository) Save(ctx context.Context, rec *model.MetadataRecord, expectedVersion int64) error {
	raw, err := json.Marshal(rec.Fields)
	if err != nil {
		return eris.Wrap(err, "sqlite: encode fields")
	}

	var res sql.Result
	if expectedVersion == 0 {
		res, err = r.db.ExecContext(ctx,
			`INSERT INTO metadata_records (target_id, version, fields, updated_at) VALUES (?, 1, ?, ?)
			 ON CONFLICT (target_id) DO NOTHING`,
			rec.TargetID, string(raw), rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	} else {
		res, err = r.db.ExecContext(ctx,
			`UPDATE metadata_records SET version = version + 1, fields = ?, updated_at = ?
			 WHERE target_id = ? AND version = ?`,
			string(raw), rec.UpdatedAt.UTC().Format(time.RFC3339Nano), rec.TargetID, expectedVersion)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: save %s", rec.TargetID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrConflict, "sqlite: save %s at version %d", rec.TargetID, expectedVersion)
	}
	rec.Version = expectedVersion + 1
	return nil
}

func (r *SQLiteRepository) Targets(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT target_id FROM metadata_records ORDER BY target_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list targets")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan target")
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: list targets")
}
