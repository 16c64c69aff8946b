package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/cvelab/cvehub"
)

// InsertToken implements datastore.TokenStore.
func (s *Store) InsertToken(ctx context.Context, t *cvehub.RefreshToken) (err error) {
	const query = `
	INSERT INTO refresh_tokens (user_id, token, expires_at, is_revoked, created_at)
	VALUES ($1, $2, $3, $4, $5);`
	done := observe("insertToken", time.Now())
	defer func() { done(err) }()

	if _, err := s.pool.Exec(ctx, query, t.UserID, t.Token, t.ExpiresAt, t.IsRevoked, t.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// GetToken implements datastore.TokenStore.
func (s *Store) GetToken(ctx context.Context, token string) (_ *cvehub.RefreshToken, err error) {
	const query = `
	SELECT user_id, token, expires_at, is_revoked, created_at
	FROM refresh_tokens WHERE token = $1;`
	done := observe("getToken", time.Now())
	defer func() { done(err) }()

	var t cvehub.RefreshToken
	switch err := s.pool.QueryRow(ctx, query, token).
		Scan(&t.UserID, &t.Token, &t.ExpiresAt, &t.IsRevoked, &t.CreatedAt); {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		return nil, &cvehub.Error{
			Op:      "postgres/Store.GetToken",
			Kind:    cvehub.ErrNotFound,
			Message: "no such refresh token",
		}
	default:
		return nil, fmt.Errorf("failed to query refresh token: %w", err)
	}
	return &t, nil
}

// RevokeToken implements datastore.TokenStore. Revocation is one-way: a
// second revoke reports conflict so token reuse is detectable.
func (s *Store) RevokeToken(ctx context.Context, token string) (err error) {
	const query = `
	UPDATE refresh_tokens SET is_revoked = TRUE
	WHERE token = $1 AND is_revoked = FALSE;`
	done := observe("revokeToken", time.Now())
	defer func() { done(err) }()

	tag, err := s.pool.Exec(ctx, query, token)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &cvehub.Error{
			Op:      "postgres/Store.RevokeToken",
			Kind:    cvehub.ErrConflict,
			Message: "refresh token missing or already revoked",
		}
	}
	return nil
}
