package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

type fakeClientStore struct {
	rows    map[string]*clientRow // prefix → row
	err     error
	lookups int
}

func (s *fakeClientStore) LookupByPrefix(_ context.Context, prefix string) (*clientRow, error) {
	s.lookups++
	if s.err != nil {
		return nil, s.err
	}
	row, ok := s.rows[prefix]
	if !ok {
		return nil, ErrInvalidKey
	}
	return row, nil
}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(h)
}

func newTestAuthenticator(store ClientStore) *Authenticator {
	return newAuthenticatorWithStore(store, NewKeyCache(time.Minute), zap.NewNop())
}

func TestAuthenticate_ValidKey(t *testing.T) {
	key := "bsk_a1b2c3d4e5f6"
	store := &fakeClientStore{rows: map[string]*clientRow{
		key[:8]: {ClientID: "client-1", KeyHash: hashKey(t, key)},
	}}
	auth := newTestAuthenticator(store)

	client, err := auth.Authenticate(context.Background(), key)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if client.ClientID != "client-1" {
		t.Errorf("got client %s, want client-1", client.ClientID)
	}
}

func TestAuthenticate_CachedSecondCall(t *testing.T) {
	key := "bsk_a1b2c3d4e5f6"
	store := &fakeClientStore{rows: map[string]*clientRow{
		key[:8]: {ClientID: "client-1", KeyHash: hashKey(t, key)},
	}}
	auth := newTestAuthenticator(store)

	if _, err := auth.Authenticate(context.Background(), key); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := auth.Authenticate(context.Background(), key); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if store.lookups != 1 {
		t.Errorf("expected 1 store lookup, got %d", store.lookups)
	}
}

func TestAuthenticate_MissingKey(t *testing.T) {
	auth := newTestAuthenticator(&fakeClientStore{})

	_, err := auth.Authenticate(context.Background(), "")
	if !errors.Is(err, ErrMissingKey) {
		t.Errorf("expected ErrMissingKey, got %v", err)
	}
}

func TestAuthenticate_WrongKeyRejected(t *testing.T) {
	key := "bsk_a1b2c3d4e5f6"
	store := &fakeClientStore{rows: map[string]*clientRow{
		key[:8]: {ClientID: "client-1", KeyHash: hashKey(t, key)},
	}}
	auth := newTestAuthenticator(store)

	// Same prefix, different full key: the bcrypt compare must fail.
	_, err := auth.Authenticate(context.Background(), "bsk_a1b2WRONGSUFFIX")
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestAuthenticate_UnknownPrefix(t *testing.T) {
	auth := newTestAuthenticator(&fakeClientStore{rows: map[string]*clientRow{}})

	_, err := auth.Authenticate(context.Background(), "bsk_zzzzunknown")
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestAuthenticate_ShortKeyRejected(t *testing.T) {
	auth := newTestAuthenticator(&fakeClientStore{})

	_, err := auth.Authenticate(context.Background(), "bsk_a")
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestAuthenticate_DisabledClient(t *testing.T) {
	key := "bsk_a1b2c3d4e5f6"
	store := &fakeClientStore{rows: map[string]*clientRow{
		key[:8]: {ClientID: "client-1", KeyHash: hashKey(t, key), Disabled: true},
	}}
	auth := newTestAuthenticator(store)

	_, err := auth.Authenticate(context.Background(), key)
	if !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey for disabled client, got %v", err)
	}
}

func TestAuthenticate_StoreUnavailable(t *testing.T) {
	store := &fakeClientStore{err: errors.New("connection refused")}
	auth := newTestAuthenticator(store)

	_, err := auth.Authenticate(context.Background(), "bsk_a1b2c3d4e5f6")
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Errorf("expected ErrAuthUnavailable, got %v", err)
	}
}
