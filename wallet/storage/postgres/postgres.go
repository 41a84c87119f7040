package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/elnosh/nutmelt/wallet/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const queryTimeout = 10 * time.Second

const createTableSQL = `
CREATE TABLE IF NOT EXISTS melts (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	summary BYTEA NOT NULL,
	requested BIGINT NOT NULL,
	fees BIGINT NOT NULL,
	delivered BIGINT NOT NULL DEFAULT 0,
	failed_at INT NOT NULL DEFAULT -1,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_melts_created_at ON melts(created_at);
`

// PostgresDB keeps the melt journal in a PostgreSQL table.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// InitPostgres connects using the DSN and creates the melts table if it does not exist.
func InitPostgres(ctx context.Context, dsn string) (*PostgresDB, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create melts table: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresDB) SaveMeltRecord(record storage.MeltRecord) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := p.pool.Exec(ctx, `
INSERT INTO melts (id, state, summary, requested, fees, delivered, failed_at, error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE
SET state = EXCLUDED.state,
    summary = EXCLUDED.summary,
    requested = EXCLUDED.requested,
    fees = EXCLUDED.fees,
    delivered = EXCLUDED.delivered,
    failed_at = EXCLUDED.failed_at,
    error = EXCLUDED.error,
    updated_at = EXCLUDED.updated_at
`, record.Id, string(record.State), record.Summary, int64(record.Requested), int64(record.Fees),
		int64(record.Delivered), record.FailedAt, record.Error, record.CreatedAt, record.UpdatedAt)

	return err
}

func (p *PostgresDB) UpdateMeltState(
	id string,
	from, to storage.MeltState,
	updatedAt time.Time,
) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	tag, err := p.pool.Exec(ctx, `
UPDATE melts SET state = $1, updated_at = $2
WHERE id = $3 AND state = $4
`, string(to), updatedAt, id, string(from))
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		if _, err := p.GetMeltRecord(id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresDB) GetMeltRecord(id string) (*storage.MeltRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	row := p.pool.QueryRow(ctx, `
SELECT id, state, summary, requested, fees, delivered, failed_at, error, created_at, updated_at
FROM melts
WHERE id = $1
`, id)

	record, err := scanMeltRecord(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

func (p *PostgresDB) GetMeltRecords() ([]storage.MeltRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := p.pool.Query(ctx, `
SELECT id, state, summary, requested, fees, delivered, failed_at, error, created_at, updated_at
FROM melts
ORDER BY created_at ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []storage.MeltRecord{}
	for rows.Next() {
		record, err := scanMeltRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	return records, rows.Err()
}

func scanMeltRecord(row pgx.Row) (storage.MeltRecord, error) {
	var (
		record                     storage.MeltRecord
		state                      string
		requested, fees, delivered int64
		createdAt, updatedAt       time.Time
	)

	err := row.Scan(&record.Id, &state, &record.Summary, &requested, &fees, &delivered,
		&record.FailedAt, &record.Error, &createdAt, &updatedAt)
	if err != nil {
		return storage.MeltRecord{}, err
	}

	record.State = storage.MeltState(state)
	record.Requested = uint64(requested)
	record.Fees = uint64(fees)
	record.Delivered = uint64(delivered)
	record.CreatedAt = createdAt.UTC()
	record.UpdatedAt = updatedAt.UTC()
	return record, nil
}
