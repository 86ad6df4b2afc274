package repository

import "context"

const createAccessToken = `INSERT INTO "oauth_access_tokens" (
    "token_hash", "authorization_id", "expires_at", "created_at"
) VALUES (
    ?, ?, ?, ?
)`

func (q *Queries) CreateAccessToken(ctx context.Context, arg AccessToken) error {
	_, err := q.db.ExecContext(ctx, createAccessToken,
		arg.TokenHash,
		arg.AuthorizationID,
		arg.ExpiresAt,
		arg.CreatedAt,
	)
	return err
}

const createRefreshToken = `INSERT INTO "oauth_refresh_tokens" (
    "token_hash", "authorization_id", "expires_at", "created_at"
) VALUES (
    ?, ?, ?, ?
)`

func (q *Queries) CreateRefreshToken(ctx context.Context, arg RefreshToken) error {
	_, err := q.db.ExecContext(ctx, createRefreshToken,
		arg.TokenHash,
		arg.AuthorizationID,
		arg.ExpiresAt,
		arg.CreatedAt,
	)
	return err
}

// TokenGrant joins a token with the authorization it belongs to.
type TokenGrant struct {
	TokenHash     string
	ExpiresAt     int64
	Authorization Authorization
}

const getAccessTokenGrant = `SELECT t."token_hash", t."expires_at",
    a."id", a."user_id", a."organization_id", a."client_name", a."is_active", a."created_at", a."updated_at"
FROM "oauth_access_tokens" t
JOIN "oauth_authorizations" a ON a."id" = t."authorization_id"
WHERE t."token_hash" = ? LIMIT 1`

func (q *Queries) GetAccessTokenGrant(ctx context.Context, tokenHash string) (TokenGrant, error) {
	return q.getTokenGrant(ctx, getAccessTokenGrant, tokenHash)
}

const getRefreshTokenGrant = `SELECT t."token_hash", t."expires_at",
    a."id", a."user_id", a."organization_id", a."client_name", a."is_active", a."created_at", a."updated_at"
FROM "oauth_refresh_tokens" t
JOIN "oauth_authorizations" a ON a."id" = t."authorization_id"
WHERE t."token_hash" = ? LIMIT 1`

func (q *Queries) GetRefreshTokenGrant(ctx context.Context, tokenHash string) (TokenGrant, error) {
	return q.getTokenGrant(ctx, getRefreshTokenGrant, tokenHash)
}

func (q *Queries) getTokenGrant(ctx context.Context, query string, tokenHash string) (TokenGrant, error) {
	row := q.db.QueryRowContext(ctx, query, tokenHash)
	var i TokenGrant
	err := row.Scan(
		&i.TokenHash,
		&i.ExpiresAt,
		&i.Authorization.ID,
		&i.Authorization.UserID,
		&i.Authorization.OrganizationID,
		&i.Authorization.ClientName,
		&i.Authorization.IsActive,
		&i.Authorization.CreatedAt,
		&i.Authorization.UpdatedAt,
	)
	return i, err
}

const deleteExpiredAccessTokens = `DELETE FROM "oauth_access_tokens"
WHERE "expires_at" < ?`

func (q *Queries) DeleteExpiredAccessTokens(ctx context.Context, expiresAt int64) error {
	_, err := q.db.ExecContext(ctx, deleteExpiredAccessTokens, expiresAt)
	return err
}

const deleteExpiredRefreshTokens = `DELETE FROM "oauth_refresh_tokens"
WHERE "expires_at" < ?`

func (q *Queries) DeleteExpiredRefreshTokens(ctx context.Context, expiresAt int64) error {
	_, err := q.db.ExecContext(ctx, deleteExpiredRefreshTokens, expiresAt)
	return err
}
