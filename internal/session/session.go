// Package session implements bcrypt-verified login, bearer-token
// sessions, and the per-user rate limiting and lockout enforcement
// that gate admission ahead of the inference orchestrator.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/mladen1312/nyx-light-racunovodja/internal/domain"
	"github.com/mladen1312/nyx-light-racunovodja/internal/store"
)

// Store is the slice of internal/store.Store this package wraps.
type Store interface {
	GetUserByUsername(ctx context.Context, username string) (store.UserRecord, error)
	RecordLoginFailure(ctx context.Context, userID string, max int, lockoutTTL time.Duration) error
	ResetLoginFailures(ctx context.Context, userID string) error
	CreateSession(ctx context.Context, token, userID, role string, ttl time.Duration) error
	GetSession(ctx context.Context, token string) (store.SessionRecord, error)
	DeleteSession(ctx context.Context, token string) error
}

// Auditor is the narrow slice of internal/store.Store used to record
// auth decisions into the hash-chained event log.
type Auditor interface {
	RecordAuthEvent(ctx context.Context, eventType, userID, correlationID string, detail map[string]string) error
}

type Config struct {
	SessionTTL     time.Duration
	MaxFailed      int
	LockoutTTL     time.Duration
	RateLimitRPM   int
	RateLimitBurst int
}

type Manager struct {
	store   Store
	auditor Auditor
	cfg     Config
	log     zerolog.Logger

	mu       sync.Mutex
	limiters map[string]*bucket
}

func New(st Store, auditor Auditor, cfg Config, log zerolog.Logger) *Manager {
	if cfg.RateLimitRPM <= 0 {
		cfg.RateLimitRPM = 120
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 20
	}
	return &Manager{store: st, auditor: auditor, cfg: cfg, log: log, limiters: map[string]*bucket{}}
}

// Login verifies the password with bcrypt, enforces the lockout window,
// and issues a bearer token on success. Every decision is audited.
func (m *Manager) Login(ctx context.Context, req domain.LoginRequest, correlationID string) (domain.LoginResponse, error) {
	u, err := m.store.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.audit(ctx, "AUTH_LOGIN_FAILED", "", correlationID, map[string]string{"username": req.Username, "reason": "unknown_user"})
			return domain.LoginResponse{}, fmt.Errorf("%w: invalid credentials", domain.ErrAuthFailed)
		}
		return domain.LoginResponse{}, err
	}

	if u.LockedUntil != nil && time.Now().UTC().Before(*u.LockedUntil) {
		m.audit(ctx, "AUTH_LOGIN_LOCKED", u.ID, correlationID, map[string]string{"username": req.Username})
		return domain.LoginResponse{}, fmt.Errorf("%w: account locked until %s", domain.ErrLocked, u.LockedUntil.Format(time.RFC3339))
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password)) != nil {
		maxFailed := m.cfg.MaxFailed
		if maxFailed <= 0 {
			maxFailed = 5
		}
		if err := m.store.RecordLoginFailure(ctx, u.ID, maxFailed, m.cfg.LockoutTTL); err != nil {
			m.log.Warn().Err(err).Msg("failed to record login failure")
		}
		m.audit(ctx, "AUTH_LOGIN_FAILED", u.ID, correlationID, map[string]string{"username": req.Username, "reason": "bad_password"})
		return domain.LoginResponse{}, fmt.Errorf("%w: invalid credentials", domain.ErrAuthFailed)
	}

	if err := m.store.ResetLoginFailures(ctx, u.ID); err != nil {
		m.log.Warn().Err(err).Msg("failed to reset login failure counter")
	}

	token := uuid.New().String()
	ttl := m.cfg.SessionTTL
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	if err := m.store.CreateSession(ctx, token, u.ID, u.Role, ttl); err != nil {
		return domain.LoginResponse{}, err
	}
	m.audit(ctx, "AUTH_LOGIN_OK", u.ID, correlationID, map[string]string{"username": req.Username})

	return domain.LoginResponse{Token: token, Role: u.Role, ExpiresAt: time.Now().UTC().Add(ttl)}, nil
}

func (m *Manager) Logout(ctx context.Context, token string) error {
	return m.store.DeleteSession(ctx, token)
}

func (m *Manager) audit(ctx context.Context, eventType, userID, correlationID string, detail map[string]string) {
	if m.auditor == nil {
		return
	}
	if err := m.auditor.RecordAuthEvent(ctx, eventType, userID, correlationID, detail); err != nil {
		m.log.Warn().Err(err).Str("event_type", eventType).Msg("failed to audit auth event")
	}
}

// Principal is what Middleware attaches to the request context.
type Principal struct {
	UserID string
	Role   string
	Token  string
}

type principalKey struct{}

// FromContext returns the authenticated principal, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Middleware resolves the bearer token into a Principal and enforces
// the per-user rate limit ahead of admission to any handler. Requests
// to paths in openPaths (e.g. /auth/login, /health) skip
// authentication.
func (m *Manager) Middleware(openPaths map[string]bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if openPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			token := bearerToken(r)
			if token == "" {
				writeAuthErr(w, http.StatusUnauthorized, "auth_failed", "missing bearer token")
				return
			}
			sess, err := m.store.GetSession(r.Context(), token)
			if err != nil {
				writeAuthErr(w, http.StatusUnauthorized, "auth_failed", "invalid or expired session")
				return
			}

			if !m.allow(sess.UserID) {
				writeAuthErr(w, http.StatusTooManyRequests, "overloaded", "rate limit exceeded")
				return
			}

			ctx := context.WithValue(r.Context(), principalKey{}, Principal{UserID: sess.UserID, Role: sess.Role, Token: token})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthErr(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q,"message":%q}`, code, message)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if strings.HasPrefix(h, prefix) {
		return strings.TrimPrefix(h, prefix)
	}
	return ""
}

// bucket is a simple per-user token bucket, refilled continuously at
// RateLimitRPM tokens per minute up to RateLimitBurst.
type bucket struct {
	tokens   float64
	lastFill time.Time
}

func (m *Manager) allow(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.limiters[userID]
	now := time.Now()
	if !ok {
		b = &bucket{tokens: float64(m.cfg.RateLimitBurst), lastFill: now}
		m.limiters[userID] = b
	}

	elapsed := now.Sub(b.lastFill).Minutes()
	b.tokens += elapsed * float64(m.cfg.RateLimitRPM)
	if b.tokens > float64(m.cfg.RateLimitBurst) {
		b.tokens = float64(m.cfg.RateLimitBurst)
	}
	b.lastFill = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
