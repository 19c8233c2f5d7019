package collector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey      = errors.New("missing ingest key")
	ErrInvalidKey      = errors.New("invalid ingest key")
	ErrAuthUnavailable = errors.New("auth store unavailable")
)

// ClientContext identifies an authenticated ingest client.
type ClientContext struct {
	ClientID string
	Disabled bool
}

// ClientStore abstracts the key lookup for testability.
type ClientStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*clientRow, error)
}

type clientRow struct {
	ClientID string
	KeyHash  string // bcrypt hash of the full ingest key
	Disabled bool
}

// sqlClientStore is the real implementation backed by Postgres (via the
// pgx database/sql driver).
type sqlClientStore struct {
	db *sql.DB
}

func (s *sqlClientStore) LookupByPrefix(ctx context.Context, prefix string) (*clientRow, error) {
	row := &clientRow{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, ingest_key_hash, disabled
		 FROM ingest_clients
		 WHERE ingest_key_prefix = $1`,
		prefix,
	).Scan(&row.ClientID, &row.KeyHash, &row.Disabled)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrInvalidKey // no client with this prefix — reject
		}
		return nil, fmt.Errorf("sqlClientStore.LookupByPrefix: %w", err)
	}
	return row, nil
}

// Authenticator validates bearer ingest keys (prefix "bsk_") against the
// ingest_clients table, with a stale-while-revalidate cache so DB +
// bcrypt stay off the hot path.
type Authenticator struct {
	store  ClientStore
	cache  *KeyCache
	logger *zap.Logger
}

// AuthConfig configures the Authenticator.
type AuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // default 30s
	Logger   *zap.Logger
}

// NewAuthenticator creates an authenticator backed by Postgres.
func NewAuthenticator(cfg AuthConfig) *Authenticator {
	return &Authenticator{
		store:  &sqlClientStore{db: cfg.DB},
		cache:  NewKeyCache(cfg.CacheTTL),
		logger: cfg.Logger,
	}
}

// newAuthenticatorWithStore injects a store for testing.
func newAuthenticatorWithStore(store ClientStore, cache *KeyCache, logger *zap.Logger) *Authenticator {
	return &Authenticator{store: store, cache: cache, logger: logger}
}

// Authenticate validates an ingest key.
//
// Flow: cache lookup (fresh hit returns immediately; stale hit returns
// the stale client and refreshes in the background); on a miss, a
// synchronous prefix lookup + bcrypt compare.
func (a *Authenticator) Authenticate(ctx context.Context, key string) (*ClientContext, error) {
	if key == "" {
		return nil, ErrMissingKey
	}

	result := a.cache.Get(key)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(key)
		}
		if result.Client.Disabled {
			return nil, ErrInvalidKey
		}
		return result.Client, nil
	}

	client, err := a.lookupAndVerify(ctx, key)
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			return nil, ErrInvalidKey
		}
		a.logger.Warn("auth store unreachable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}

	a.cache.Set(key, client)
	if client.Disabled {
		return nil, ErrInvalidKey
	}
	return client, nil
}

// backgroundRefresh re-verifies the key off the request path. On failure
// the entry is dropped so the next stale read retries synchronously.
func (a *Authenticator) backgroundRefresh(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := a.lookupAndVerify(ctx, key)
	if err != nil {
		a.logger.Warn("background key refresh failed", zap.Error(err))
		a.cache.Delete(key)
		return
	}
	a.cache.Set(key, client)
}

// lookupAndVerify does the prefix lookup + bcrypt verification.
// The key prefix is the first 8 chars (e.g. "bsk_a1b2").
func (a *Authenticator) lookupAndVerify(ctx context.Context, key string) (*ClientContext, error) {
	if len(key) < 8 {
		return nil, ErrInvalidKey
	}
	row, err := a.store.LookupByPrefix(ctx, key[:8])
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(key)); err != nil {
		return nil, ErrInvalidKey
	}
	return &ClientContext{ClientID: row.ClientID, Disabled: row.Disabled}, nil
}
