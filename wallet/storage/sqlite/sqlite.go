package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/elnosh/nutmelt/wallet/storage"
	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "wallet.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}
	m.Close()

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}

func (sqlite *SQLiteDB) SaveMeltRecord(record storage.MeltRecord) error {
	_, err := sqlite.db.Exec(`
	INSERT INTO melts (id, state, summary, requested, fees, delivered, failed_at, error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		state = excluded.state,
		summary = excluded.summary,
		requested = excluded.requested,
		fees = excluded.fees,
		delivered = excluded.delivered,
		failed_at = excluded.failed_at,
		error = excluded.error,
		updated_at = excluded.updated_at
	`, record.Id, record.State, record.Summary, record.Requested, record.Fees, record.Delivered,
		record.FailedAt, record.Error, record.CreatedAt.Unix(), record.UpdatedAt.Unix())

	return err
}

func (sqlite *SQLiteDB) UpdateMeltState(
	id string,
	from, to storage.MeltState,
	updatedAt time.Time,
) (bool, error) {
	result, err := sqlite.db.Exec(`
	UPDATE melts SET state = ?, updated_at = ? WHERE id = ? AND state = ?
	`, to, updatedAt.Unix(), id, from)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if rows == 0 {
		if _, err := sqlite.GetMeltRecord(id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (sqlite *SQLiteDB) GetMeltRecord(id string) (*storage.MeltRecord, error) {
	row := sqlite.db.QueryRow(`
	SELECT id, state, summary, requested, fees, delivered, failed_at, error, created_at, updated_at
	FROM melts WHERE id = ?
	`, id)

	record, err := scanMeltRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrRecordNotFound
		}
		return nil, err
	}

	return &record, nil
}

func (sqlite *SQLiteDB) GetMeltRecords() ([]storage.MeltRecord, error) {
	rows, err := sqlite.db.Query(`
	SELECT id, state, summary, requested, fees, delivered, failed_at, error, created_at, updated_at
	FROM melts ORDER BY created_at ASC
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

type scanner interface {
	Scan(dest ...any) error
}

func scanMeltRecord(row scanner) (storage.MeltRecord, error) {
	var record storage.MeltRecord
	var createdAt, updatedAt int64

	err := row.Scan(
		&record.Id,
		&record.State,
		&record.Summary,
		&record.Requested,
		&record.Fees,
		&record.Delivered,
		&record.FailedAt,
		&record.Error,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return storage.MeltRecord{}, err
	}

	record.CreatedAt = time.Unix(createdAt, 0).UTC()
	record.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return record, nil
}
