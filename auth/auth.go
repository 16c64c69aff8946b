// Package auth issues and verifies credentials: bcrypt password hashes,
// short-lived JWT access tokens, and persisted, rotating refresh tokens.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/quay/zlog"
	"golang.org/x/crypto/bcrypt"

	"github.com/cvelab/cvehub"
	"github.com/cvelab/cvehub/datastore"
)

// Default token lifetimes.
const (
	DefaultAccessTokenTTL  = 30 * time.Minute
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
)

// Issuer is the JWT iss claim.
const Issuer = "cvehub"

// Store is the persistence auth needs.
type Store interface {
	datastore.UserStore
	datastore.TokenStore
}

// Opts configures a Service. Zero durations take the defaults.
type Opts struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration
}

// Service mints and verifies credentials.
type Service struct {
	store      Store
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// New returns a Service signing with the given secret.
func New(store Store, secret []byte, opts Opts) *Service {
	if opts.AccessTTL == 0 {
		opts.AccessTTL = DefaultAccessTokenTTL
	}
	if opts.RefreshTTL == 0 {
		opts.RefreshTTL = DefaultRefreshTokenTTL
	}
	return &Service{
		store:      store,
		secret:     secret,
		accessTTL:  opts.AccessTTL,
		refreshTTL: opts.RefreshTTL,
	}
}

// Claims is the access-token claim set.
type Claims struct {
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
	jwt.RegisteredClaims
}

// TokenPair is what a successful grant returns.
type TokenPair struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int          `json:"expires_in"`
	User         *cvehub.User `json:"user"`
}

func (s *Service) mint(ctx context.Context, u *cvehub.User) (*TokenPair, error) {
	now := cvehub.Now()
	claims := Claims{
		Username: u.Username,
		IsAdmin:  u.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	refresh := uuid.New().String()
	if err := s.store.InsertToken(ctx, &cvehub.RefreshToken{
		UserID:    u.ID,
		Token:     refresh,
		ExpiresAt: now.Add(s.refreshTTL),
		CreatedAt: now,
	}); err != nil {
		return nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresIn:    int(s.accessTTL.Seconds()),
		User:         u,
	}, nil
}

// Signup creates a user and logs them in.
func (s *Service) Signup(ctx context.Context, username, email, password string) (*TokenPair, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "auth/Service.Signup")
	if username == "" || password == "" {
		return nil, &cvehub.Error{
			Op:      "auth/Service.Signup",
			Kind:    cvehub.ErrInvalid,
			Message: "username and password are required",
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	u := cvehub.User{
		ID:           uuid.New().String(),
		Username:     username,
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    cvehub.Now(),
	}
	if err := s.store.CreateUser(ctx, &u); err != nil {
		return nil, err
	}
	zlog.Info(ctx).Str("username", username).Msg("user created")
	return s.mint(ctx, &u)
}

// Login performs the password grant.
func (s *Service) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "auth/Service.Login")
	badCreds := &cvehub.Error{
		Op:      "auth/Service.Login",
		Kind:    cvehub.ErrUnauthorized,
		Message: "bad credentials",
	}
	u, err := s.store.GetUser(ctx, username)
	switch {
	case err == nil:
	case errors.Is(err, cvehub.ErrNotFound):
		return nil, badCreds
	default:
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, badCreds
	}
	return s.mint(ctx, u)
}

// Refresh rotates a refresh token: the old one is revoked and a fresh
// pair is issued. Reuse of a revoked token is treated as theft and
// rejected.
func (s *Service) Refresh(ctx context.Context, token string) (*TokenPair, error) {
	ctx = zlog.ContextWithValues(ctx, "component", "auth/Service.Refresh")
	badToken := &cvehub.Error{
		Op:      "auth/Service.Refresh",
		Kind:    cvehub.ErrUnauthorized,
		Message: "bad refresh token",
	}
	rt, err := s.store.GetToken(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, cvehub.ErrNotFound):
		return nil, badToken
	default:
		return nil, err
	}
	if rt.IsRevoked {
		zlog.Warn(ctx).Str("user_id", rt.UserID).Msg("revoked refresh token reused")
		return nil, badToken
	}
	if !cvehub.Now().Before(rt.ExpiresAt) {
		return nil, badToken
	}
	if err := s.store.RevokeToken(ctx, token); err != nil {
		// A concurrent rotation got there first; the token is burned
		// either way.
		if errors.Is(err, cvehub.ErrConflict) {
			return nil, badToken
		}
		return nil, err
	}
	u, err := s.store.GetUserByID(ctx, rt.UserID)
	if err != nil {
		return nil, err
	}
	return s.mint(ctx, u)
}

// Logout revokes a refresh token. Revoking an unknown or already-revoked
// token is reported as success to keep logout idempotent from the
// client's view.
func (s *Service) Logout(ctx context.Context, token string) error {
	ctx = zlog.ContextWithValues(ctx, "component", "auth/Service.Logout")
	err := s.store.RevokeToken(ctx, token)
	switch {
	case err == nil:
	case errors.Is(err, cvehub.ErrConflict), errors.Is(err, cvehub.ErrNotFound):
		zlog.Debug(ctx).Msg("logout of dead token")
	default:
		return err
	}
	return nil
}

// Verify parses and validates an access token, returning its claims.
func (s *Service) Verify(ctx context.Context, token string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return nil, &cvehub.Error{
			Op:      "auth/Service.Verify",
			Kind:    cvehub.ErrUnauthorized,
			Message: "bad access token",
			Inner:   err,
		}
	}
	return &claims, nil
}

// Me loads the user behind a verified claim set.
func (s *Service) Me(ctx context.Context, claims *Claims) (*cvehub.User, error) {
	return s.store.GetUserByID(ctx, claims.Subject)
}

// Username resolves a bearer token to a username; the push fabric's
// socket authentication uses this shape.
func (s *Service) Username(ctx context.Context, token string) (string, error) {
	claims, err := s.Verify(ctx, token)
	if err != nil {
		return "", err
	}
	return claims.Username, nil
}
