// Package postgres provides a PostgreSQL-backed token store for processes
// that hold many client sessions at once, such as a storefront BFF.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefront/internal/models"
	"github.com/wolfeidau/storefront/internal/tokenstore"
)

// Store implements tokenstore.Store for one session key. Every session is a
// single row, so the token pair is always written by one statement.
type Store struct {
	pool *pgxpool.Pool
	key  uuid.UUID
}

var _ tokenstore.Store = (*Store)(nil)

// New creates a store bound to the given session key.
func New(pool *pgxpool.Pool, key uuid.UUID) *Store {
	return &Store{pool: pool, key: key}
}

// ForSession returns a store for another session sharing the same pool.
func (s *Store) ForSession(key uuid.UUID) *Store {
	return &Store{pool: s.pool, key: key}
}

// Key returns the session key this store is bound to.
func (s *Store) Key() uuid.UUID {
	return s.key
}

func (s *Store) GetTokens(ctx context.Context) (tokenstore.Tokens, error) {
	var tokens tokenstore.Tokens
	err := s.pool.QueryRow(ctx, `
		SELECT access_token, refresh_token
		FROM client_sessions
		WHERE session_key = $1
	`, s.key).Scan(&tokens.AccessToken, &tokens.RefreshToken)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return tokenstore.Tokens{}, nil
		}
		return tokenstore.Tokens{}, fmt.Errorf("failed to get tokens: %w", mapPostgresError(err))
	}

	return tokens, nil
}

func (s *Store) SetTokens(ctx context.Context, access, refresh string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO client_sessions (session_key, access_token, refresh_token, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (session_key) DO UPDATE
		SET access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			updated_at = now()
	`, s.key, access, refresh)
	if err != nil {
		return fmt.Errorf("failed to set tokens: %w", mapPostgresError(err))
	}

	log.Debug().
		Str("session_key", s.key.String()).
		Str("access", tokenstore.Fingerprint(access)).
		Msg("Stored session tokens")

	return nil
}

func (s *Store) GetUser(ctx context.Context) (*models.UserProfile, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `
		SELECT user_profile
		FROM client_sessions
		WHERE session_key = $1
	`, s.key).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", mapPostgresError(err))
	}
	if raw == nil {
		return nil, nil
	}

	var profile models.UserProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode cached user: %w", err)
	}

	return &profile, nil
}

func (s *Store) SetUser(ctx context.Context, profile *models.UserProfile) error {
	var raw []byte
	if profile != nil {
		var err error
		raw, err = json.Marshal(profile)
		if err != nil {
			return fmt.Errorf("failed to encode user: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO client_sessions (session_key, user_profile, updated_at)
		VALUES ($1, $2::jsonb, now())
		ON CONFLICT (session_key) DO UPDATE
		SET user_profile = EXCLUDED.user_profile,
			updated_at = now()
	`, s.key, raw)
	if err != nil {
		return fmt.Errorf("failed to set user: %w", mapPostgresError(err))
	}

	return nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM client_sessions WHERE session_key = $1`, s.key)
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", mapPostgresError(err))
	}

	log.Debug().Str("session_key", s.key.String()).Msg("Cleared session")

	return nil
}

// DeleteStale removes sessions not written for longer than maxAge and
// returns how many were removed.
func DeleteStale(ctx context.Context, pool *pgxpool.Pool, maxAge time.Duration) (int64, error) {
	result, err := pool.Exec(ctx,
		`DELETE FROM client_sessions WHERE updated_at < $1`,
		time.Now().Add(-maxAge),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale sessions: %w", mapPostgresError(err))
	}

	return result.RowsAffected(), nil
}
