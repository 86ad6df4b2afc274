package repository

import (
	"context"
	"database/sql"
)

const createAuthorization = `INSERT INTO "oauth_authorizations" (
    "id", "user_id", "organization_id", "client_name", "is_active", "created_at", "updated_at"
) VALUES (
    ?, ?, ?, ?, ?, ?, ?
)
RETURNING "id", "user_id", "organization_id", "client_name", "is_active", "created_at", "updated_at"`

func (q *Queries) CreateAuthorization(ctx context.Context, arg Authorization) (Authorization, error) {
	row := q.db.QueryRowContext(ctx, createAuthorization,
		arg.ID,
		arg.UserID,
		arg.OrganizationID,
		arg.ClientName,
		arg.IsActive,
		arg.CreatedAt,
		arg.UpdatedAt,
	)
	var i Authorization
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.OrganizationID,
		&i.ClientName,
		&i.IsActive,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const getAuthorization = `SELECT "id", "user_id", "organization_id", "client_name", "is_active", "created_at", "updated_at"
FROM "oauth_authorizations"
WHERE "id" = ? LIMIT 1`

func (q *Queries) GetAuthorization(ctx context.Context, id string) (Authorization, error) {
	row := q.db.QueryRowContext(ctx, getAuthorization, id)
	var i Authorization
	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.OrganizationID,
		&i.ClientName,
		&i.IsActive,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const deactivateAuthorization = `UPDATE "oauth_authorizations"
SET "is_active" = 0, "updated_at" = ?
WHERE "id" = ? AND "is_active" = 1`

type DeactivateAuthorizationParams struct {
	ID        string
	UpdatedAt int64
}

// DeactivateAuthorization reports whether a row changed state.
func (q *Queries) DeactivateAuthorization(ctx context.Context, arg DeactivateAuthorizationParams) (bool, error) {
	result, err := q.db.ExecContext(ctx, deactivateAuthorization, arg.UpdatedAt, arg.ID)
	if err != nil {
		return false, err
	}
	return affectedOne(result)
}

const createAuthorizationCode = `INSERT INTO "oauth_authorization_codes" (
    "code_hash", "authorization_id", "expires_at", "used_at", "created_at"
) VALUES (
    ?, ?, ?, NULL, ?
)`

func (q *Queries) CreateAuthorizationCode(ctx context.Context, arg AuthorizationCode) error {
	_, err := q.db.ExecContext(ctx, createAuthorizationCode,
		arg.CodeHash,
		arg.AuthorizationID,
		arg.ExpiresAt,
		arg.CreatedAt,
	)
	return err
}

const consumeAuthorizationCode = `UPDATE "oauth_authorization_codes"
SET "used_at" = ?
WHERE "code_hash" = ? AND "used_at" IS NULL AND "expires_at" > ?
RETURNING "authorization_id"`

type ConsumeAuthorizationCodeParams struct {
	CodeHash string
	Now      int64
}

// ConsumeAuthorizationCode marks an unused, unexpired code as used in a single
// statement and returns its authorization. sql.ErrNoRows means nothing matched.
func (q *Queries) ConsumeAuthorizationCode(ctx context.Context, arg ConsumeAuthorizationCodeParams) (string, error) {
	row := q.db.QueryRowContext(ctx, consumeAuthorizationCode, arg.Now, arg.CodeHash, arg.Now)
	var authorizationID string
	err := row.Scan(&authorizationID)
	return authorizationID, err
}

const deleteExpiredAuthorizationCodes = `DELETE FROM "oauth_authorization_codes"
WHERE "expires_at" < ?`

func (q *Queries) DeleteExpiredAuthorizationCodes(ctx context.Context, expiresAt int64) error {
	_, err := q.db.ExecContext(ctx, deleteExpiredAuthorizationCodes, expiresAt)
	return err
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
