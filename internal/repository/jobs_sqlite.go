package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/iago/llm-dvm/internal/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS job_records (
	id TEXT PRIMARY KEY,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	job_request_id TEXT NOT NULL,
	requester_identity TEXT NOT NULL,
	kind INTEGER NOT NULL,
	input_summary TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	model_used TEXT NOT NULL DEFAULT '',
	tokens_processed INTEGER,
	invoice_amount_sats INTEGER,
	invoice_bolt11 TEXT NOT NULL DEFAULT '',
	invoice_payment_hash TEXT NOT NULL DEFAULT '',
	payment_received_sats INTEGER,
	result_summary TEXT NOT NULL DEFAULT '',
	error_detail TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_job_records_status_created ON job_records(status, created_at);
CREATE INDEX IF NOT EXISTS idx_job_records_requester ON job_records(requester_identity);
`

// SQLiteJobRecordStore is the single-node persistent store. One connection
// serializes writers, so Update needs no row locks.
type SQLiteJobRecordStore struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteJobRecordStore(path string) (*SQLiteJobRecordStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteJobRecordStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SQLiteJobRecordStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteJobRecordStore) Append(ctx context.Context, record *domain.JobRecord) error {
	prepareAppend(record, s.now())
	_, err := s.db.ExecContext(ctx, insertStatement(questionPlaceholder), insertArgs(record)...)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert job record: %w", err)
	}
	return nil
}

func (s *SQLiteJobRecordStore) Get(ctx context.Context, id string) (*domain.JobRecord, error) {
	record, err := scanJobRecord(s.db.QueryRowContext(ctx,
		"SELECT "+jobRecordColumns+" FROM job_records WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job record: %w", err)
	}
	return record, nil
}

func (s *SQLiteJobRecordStore) Update(
	ctx context.Context,
	id string,
	mutate func(record *domain.JobRecord) error,
) (*domain.JobRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin job record update: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	current, err := scanJobRecord(tx.QueryRowContext(ctx,
		"SELECT "+jobRecordColumns+" FROM job_records WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load job record: %w", err)
	}

	working := current.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.ID = current.ID
	working.CreatedAt = current.CreatedAt
	working.UpdatedAt = s.now()

	if _, err := tx.ExecContext(ctx, updateStatement(questionPlaceholder), updateArgs(working)...); err != nil {
		return nil, fmt.Errorf("update job record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit job record update: %w", err)
	}
	return working, nil
}

func (s *SQLiteJobRecordStore) Page(
	ctx context.Context,
	filter domain.JobRecordFilter,
) ([]*domain.JobRecord, int, error) {
	filter = filter.Normalize()
	baseQuery, args := buildRecordFilters(filter, questionPlaceholder)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) "+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count job records: %w", err)
	}

	listQuery := "SELECT " + jobRecordColumns + " " + baseQuery + " ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?"
	listArgs := append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := s.db.QueryContext(ctx, listQuery, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list job records: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.JobRecord, 0)
	for rows.Next() {
		record, err := scanJobRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job record: %w", err)
		}
		items = append(items, record)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate job records: %w", err)
	}
	return items, total, nil
}
