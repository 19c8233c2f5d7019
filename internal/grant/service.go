package grant

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/triage-ai/bastion/internal/event"
	"go.uber.org/zap"
)

// EventSink receives access events. The pipeline satisfies this.
type EventSink interface {
	Log(t event.Type, sev event.Severity, source string, details map[string]string) string
}

// Sizer reports the size in bytes of a resource, or an error if the size
// is unknown. A nil Sizer disables the size ceiling check.
type Sizer func(resourcePath string) (int64, error)

// Grant is a signed, time-bounded permission to fetch one resource.
// The resource path never appears in the externally visible URL.
type Grant struct {
	Token        string
	ResourcePath string
	ExpiresAt    time.Time
	Signature    string
}

// URL renders the externally usable form of the grant:
// <proxyBase>/<token>?exp=<unix_ms>&sig=<hex>.
func (g *Grant) URL(proxyBase string) string {
	return fmt.Sprintf("%s/%s?exp=%d&sig=%s",
		strings.TrimRight(proxyBase, "/"), g.Token, g.ExpiresAt.UnixMilli(), g.Signature)
}

// Config holds the grant service knobs.
type Config struct {
	TTL               time.Duration // default expiry for issued grants
	AllowedExtensions []string      // lowercase, with leading dot (".png")
	MaxResourceBytes  int64         // 0 = no ceiling
	SingleUse         bool          // second validation of a token fails
	SweepInterval     time.Duration // expired-entry housekeeping cadence
}

type entry struct {
	resourcePath string
	expiresAt    time.Time
	generation   uint64
	consumed     bool
}

// Service issues and validates HMAC-signed access grants.
type Service struct {
	mu         sync.Mutex
	grants     map[string]*entry
	generation uint64

	key      []byte
	cfg      Config
	allowExt map[string]bool
	sizer    Sizer
	sink     EventSink
	logger   *zap.Logger
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewService creates a grant service with a process-lifetime random
// signing key. The background expiry sweep starts on the first Start call.
func NewService(cfg Config, sizer Sizer, sink EventSink, logger *zap.Logger) (*Service, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("grant: generate signing key: %w", err)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	allow := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allow[strings.ToLower(ext)] = true
	}
	return &Service{
		grants:   make(map[string]*entry),
		key:      key,
		cfg:      cfg,
		allowExt: allow,
		sizer:    sizer,
		sink:     sink,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}, nil
}

// Issue creates a grant for resourcePath valid for ttl. A zero ttl uses
// the configured default.
func (s *Service) Issue(resourcePath string, ttl time.Duration) (*Grant, error) {
	ext := strings.ToLower(path.Ext(resourcePath))
	if len(s.allowExt) > 0 && !s.allowExt[ext] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedResourceType, ext)
	}
	if s.cfg.MaxResourceBytes > 0 && s.sizer != nil {
		size, err := s.sizer(resourcePath)
		if err == nil && size > s.cfg.MaxResourceBytes {
			return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
		}
	}
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}

	tok := make([]byte, 16)
	if _, err := rand.Read(tok); err != nil {
		return nil, fmt.Errorf("grant: generate token: %w", err)
	}
	token := hex.EncodeToString(tok)
	expiresAt := s.now().Add(ttl)
	sig := s.sign(token, expiresAt.UnixMilli(), resourcePath)

	s.mu.Lock()
	s.grants[token] = &entry{
		resourcePath: resourcePath,
		expiresAt:    expiresAt,
		generation:   s.generation,
	}
	s.mu.Unlock()

	return &Grant{
		Token:        token,
		ResourcePath: resourcePath,
		ExpiresAt:    expiresAt,
		Signature:    sig,
	}, nil
}

// Validate checks a presented token/signature/expiry triple and returns
// the resource path it unlocks. Every outcome, success or failure, is
// logged as an access event with a reason code.
func (s *Service) Validate(token, sig string, expUnixMS int64) (string, error) {
	resourcePath, err := s.validate(token, sig, expUnixMS)
	if err != nil {
		s.logAccess(false, token, reasonFor(err))
		return "", err
	}
	s.logAccess(true, token, "ok")
	return resourcePath, nil
}

func (s *Service) validate(token, sig string, expUnixMS int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.grants[token]
	if !ok {
		return "", ErrNotFound
	}
	if e.generation != s.generation {
		delete(s.grants, token)
		return "", ErrRevoked
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.grants, token)
		return "", ErrExpired
	}
	want := s.sign(token, expUnixMS, e.resourcePath)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return "", ErrSignatureMismatch
	}
	if s.cfg.SingleUse {
		if e.consumed {
			return "", ErrAlreadyConsumed
		}
		e.consumed = true
	}
	return e.resourcePath, nil
}

// RevokeAll invalidates every outstanding grant immediately. Validations
// racing with the revocation fail: the generation is bumped before the
// store is cleared.
func (s *Service) RevokeAll() {
	s.mu.Lock()
	s.generation++
	n := len(s.grants)
	s.grants = make(map[string]*entry)
	s.mu.Unlock()
	s.logger.Warn("all grants revoked", zap.Int("revoked", n))
}

// Start launches the periodic expiry sweep. Expiry is also enforced at
// validation time, so the sweep is purely housekeeping.
func (s *Service) Start() {
	go func() {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop halts the expiry sweep.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Service) sweep() {
	now := s.now()
	s.mu.Lock()
	removed := 0
	for token, e := range s.grants {
		if !now.Before(e.expiresAt) {
			delete(s.grants, token)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		s.logger.Debug("swept expired grants", zap.Int("removed", removed))
	}
}

// Outstanding returns the number of live grants.
func (s *Service) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.grants)
}

func (s *Service) sign(token string, expUnixMS int64, resourcePath string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(token))
	mac.Write([]byte(strconv.FormatInt(expUnixMS, 10)))
	mac.Write([]byte(resourcePath))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) logAccess(granted bool, token, reason string) {
	if s.sink == nil {
		return
	}
	t := event.TypeAssetAccessDenied
	sev := event.SeverityMedium
	if granted {
		t = event.TypeAssetAccessGranted
		sev = event.SeverityLow
	}
	s.sink.Log(t, sev, "grant_service", map[string]string{
		"token_prefix": tokenPrefix(token),
		"reason":       reason,
	})
}

func reasonFor(err error) string {
	switch {
	case err == ErrNotFound:
		return "not_found"
	case err == ErrExpired:
		return "expired"
	case err == ErrSignatureMismatch:
		return "signature_mismatch"
	case err == ErrAlreadyConsumed:
		return "already_consumed"
	case err == ErrRevoked:
		return "revoked"
	default:
		return "invalid"
	}
}

// tokenPrefix truncates a token for logging. Full tokens never appear in
// the event stream.
func tokenPrefix(token string) string {
	if len(token) > 8 {
		return token[:8]
	}
	return token
}
