package repository

import (
	"context"
	"database/sql"
)

const createRateLimitEntry = `INSERT INTO "rate_limit_entries" (
    "id", "key_type", "key_value", "created_at"
) VALUES (
    ?, ?, ?, ?
)`

func (q *Queries) CreateRateLimitEntry(ctx context.Context, arg RateLimitEntry) error {
	_, err := q.db.ExecContext(ctx, createRateLimitEntry,
		arg.ID,
		arg.KeyType,
		arg.KeyValue,
		arg.CreatedAt,
	)
	return err
}

const deleteRateLimitEntriesBefore = `DELETE FROM "rate_limit_entries"
WHERE "key_type" = ? AND "key_value" = ? AND "created_at" <= ?`

type RateLimitKeyParams struct {
	KeyType  string
	KeyValue string
	Since    int64
}

func (q *Queries) DeleteRateLimitEntriesBefore(ctx context.Context, arg RateLimitKeyParams) error {
	_, err := q.db.ExecContext(ctx, deleteRateLimitEntriesBefore, arg.KeyType, arg.KeyValue, arg.Since)
	return err
}

const countRateLimitEntries = `SELECT COUNT(*), MIN("created_at")
FROM "rate_limit_entries"
WHERE "key_type" = ? AND "key_value" = ? AND "created_at" > ?`

type CountRateLimitEntriesRow struct {
	Count  int64
	Oldest sql.NullInt64
}

func (q *Queries) CountRateLimitEntries(ctx context.Context, arg RateLimitKeyParams) (CountRateLimitEntriesRow, error) {
	row := q.db.QueryRowContext(ctx, countRateLimitEntries, arg.KeyType, arg.KeyValue, arg.Since)
	var i CountRateLimitEntriesRow
	err := row.Scan(&i.Count, &i.Oldest)
	return i, err
}

const deleteStaleRateLimitEntries = `DELETE FROM "rate_limit_entries"
WHERE "created_at" < ?`

func (q *Queries) DeleteStaleRateLimitEntries(ctx context.Context, createdAt int64) error {
	_, err := q.db.ExecContext(ctx, deleteStaleRateLimitEntries, createdAt)
	return err
}
