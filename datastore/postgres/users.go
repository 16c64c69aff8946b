package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cvelab/cvehub"
)

// GetUser implements datastore.UserStore.
func (s *Store) GetUser(ctx context.Context, username string) (_ *cvehub.User, err error) {
	const query = `
	SELECT id, username, email, password_hash, is_admin, created_at
	FROM users WHERE username = $1;`
	done := observe("getUser", time.Now())
	defer func() { done(err) }()
	return s.scanUser(s.pool.QueryRow(ctx, query, username), username)
}

// GetUserByID implements datastore.UserStore.
func (s *Store) GetUserByID(ctx context.Context, id string) (_ *cvehub.User, err error) {
	const query = `
	SELECT id, username, email, password_hash, is_admin, created_at
	FROM users WHERE id = $1;`
	done := observe("getUserByID", time.Now())
	defer func() { done(err) }()
	return s.scanUser(s.pool.QueryRow(ctx, query, id), id)
}

func (s *Store) scanUser(row pgx.Row, key string) (*cvehub.User, error) {
	var u cvehub.User
	switch err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.CreatedAt); {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		return nil, &cvehub.Error{
			Op:      "postgres/Store.GetUser",
			Kind:    cvehub.ErrNotFound,
			Message: fmt.Sprintf("no such user: %q", key),
		}
	default:
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return &u, nil
}

// CreateUser implements datastore.UserStore.
func (s *Store) CreateUser(ctx context.Context, u *cvehub.User) (err error) {
	const query = `
	INSERT INTO users (id, username, email, password_hash, is_admin, created_at)
	VALUES ($1, $2, $3, $4, $5, $6);`
	done := observe("createUser", time.Now())
	defer func() { done(err) }()

	_, err = s.pool.Exec(ctx, query, u.ID, u.Username, u.Email, u.PasswordHash, u.IsAdmin, u.CreatedAt)
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
	case errors.As(err, &pgErr) && pgErr.Code == "23505":
		return &cvehub.Error{
			Op:      "postgres/Store.CreateUser",
			Kind:    cvehub.ErrConflict,
			Message: fmt.Sprintf("username taken: %q", u.Username),
			Inner:   err,
		}
	default:
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}
