// Package redis provides a Redis-backed token store. Each session is one
// hash, so the token pair is written by a single HSET.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/storefront/internal/models"
	"github.com/wolfeidau/storefront/internal/tokenstore"
)

const (
	fieldAccessToken  = "accessToken"
	fieldRefreshToken = "refreshToken"
	fieldUser         = "user"

	defaultPrefix = "storefront:session:"
)

// Config holds connection settings for the Redis store.
type Config struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// Connect creates a client and verifies the connection.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return client, nil
}

// Store implements tokenstore.Store for one session key.
type Store struct {
	client goredis.UniversalClient
	key    string
	ttl    time.Duration
}

var _ tokenstore.Store = (*Store)(nil)

// New creates a store for sessionKey. A positive ttl expires idle sessions;
// every write renews it.
func New(client goredis.UniversalClient, prefix, sessionKey string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, key: prefix + sessionKey, ttl: ttl}
}

func (s *Store) GetTokens(ctx context.Context) (tokenstore.Tokens, error) {
	vals, err := s.client.HMGet(ctx, s.key, fieldAccessToken, fieldRefreshToken).Result()
	if err != nil {
		return tokenstore.Tokens{}, fmt.Errorf("failed to get tokens: %w", err)
	}

	return tokenstore.Tokens{
		AccessToken:  asString(vals[0]),
		RefreshToken: asString(vals[1]),
	}, nil
}

func (s *Store) SetTokens(ctx context.Context, access, refresh string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.key, fieldAccessToken, access, fieldRefreshToken, refresh)
		s.expire(ctx, pipe)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set tokens: %w", err)
	}

	log.Debug().
		Str("key", s.key).
		Str("access", tokenstore.Fingerprint(access)).
		Msg("Stored session tokens")

	return nil
}

func (s *Store) GetUser(ctx context.Context) (*models.UserProfile, error) {
	raw, err := s.client.HGet(ctx, s.key, fieldUser).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var profile models.UserProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("failed to decode cached user: %w", err)
	}

	return &profile, nil
}

func (s *Store) SetUser(ctx context.Context, profile *models.UserProfile) error {
	if profile == nil {
		if err := s.client.HDel(ctx, s.key, fieldUser).Err(); err != nil {
			return fmt.Errorf("failed to clear user: %w", err)
		}
		return nil
	}

	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, s.key, fieldUser, raw)
		s.expire(ctx, pipe)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set user: %w", err)
	}

	return nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (s *Store) expire(ctx context.Context, pipe goredis.Pipeliner) {
	if s.ttl > 0 {
		pipe.Expire(ctx, s.key, s.ttl)
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
