package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iago/llm-dvm/internal/domain"
)

type PostgresJobRecordStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPostgresJobRecordStore(ctx context.Context, databaseURL string) (*PostgresJobRecordStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresJobRecordStore{
		pool: pool,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *PostgresJobRecordStore) Close() {
	s.pool.Close()
}

func (s *PostgresJobRecordStore) Append(ctx context.Context, record *domain.JobRecord) error {
	prepareAppend(record, s.now())
	_, err := s.pool.Exec(ctx, insertStatement(dollarPlaceholder), insertArgs(record)...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert job record: %w", err)
	}
	return nil
}

func (s *PostgresJobRecordStore) Get(ctx context.Context, id string) (*domain.JobRecord, error) {
	record, err := scanJobRecord(s.pool.QueryRow(ctx,
		"SELECT "+jobRecordColumns+" FROM job_records WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job record: %w", err)
	}
	return record, nil
}

// Update locks the row for the duration of mutate.
func (s *PostgresJobRecordStore) Update(
	ctx context.Context,
	id string,
	mutate func(record *domain.JobRecord) error,
) (*domain.JobRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin job record update: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	current, err := scanJobRecord(tx.QueryRow(ctx,
		"SELECT "+jobRecordColumns+" FROM job_records WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock job record: %w", err)
	}

	working := current.Clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.ID = current.ID
	working.CreatedAt = current.CreatedAt
	working.UpdatedAt = s.now()

	if _, err := tx.Exec(ctx, updateStatement(dollarPlaceholder), updateArgs(working)...); err != nil {
		return nil, fmt.Errorf("update job record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit job record update: %w", err)
	}
	return working, nil
}

func (s *PostgresJobRecordStore) Page(
	ctx context.Context,
	filter domain.JobRecordFilter,
) ([]*domain.JobRecord, int, error) {
	filter = filter.Normalize()
	baseQuery, args := buildRecordFilters(filter, dollarPlaceholder)

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) "+baseQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count job records: %w", err)
	}

	listQuery := fmt.Sprintf(
		`SELECT %s
		%s
		ORDER BY created_at DESC, id ASC
		LIMIT $%d OFFSET $%d`,
		jobRecordColumns,
		baseQuery,
		len(args)+1,
		len(args)+2,
	)
	listArgs := append(args, filter.PageSize, (filter.Page-1)*filter.PageSize)
	rows, err := s.pool.Query(ctx, listQuery, listArgs...)
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
	if rows.Err() != nil {
		return nil, 0, fmt.Errorf("iterate job records: %w", rows.Err())
	}

	return items, total, nil
}
