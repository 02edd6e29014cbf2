package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RecordAuthEvent journals an auth decision (login success/failure,
// lockout) into the hash-chained event log. userID may be empty for a
// login attempt against an unknown username; the event is still
// aggregated under a stable key so the chain never skips a sequence
// number over it.
func (s *Store) RecordAuthEvent(ctx context.Context, eventType, userID, correlationID string, detail map[string]string) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	aggregateID := userID
	if aggregateID == "" {
		aggregateID = "unknown"
	}
	if err := insertEvent(ctx, tx, eventType, "USER", aggregateID, correlationID, detail); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ErrLocked mirrors domain.ErrLocked at the store boundary so callers
// that only import store (migrations, CLI tools) don't need domain.
var ErrLocked = errors.New("account locked")

type UserRecord struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	FailedCount  int
	LockedUntil  *time.Time
}

func (s *Store) CreateUser(ctx context.Context, username, passwordHash, role string) (string, error) {
	id := uuid.New()
	_, err := s.db.Exec(ctx, `INSERT INTO users(user_id, username, password_hash, role) VALUES ($1,$2,$3,$4)`,
		id, username, passwordHash, role)
	return id.String(), err
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (UserRecord, error) {
	var u UserRecord
	err := s.db.QueryRow(ctx, `
		SELECT user_id::text, username, password_hash, role, failed_count, locked_until
		  FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.FailedCount, &u.LockedUntil)
	if errors.Is(err, pgx.ErrNoRows) {
		return UserRecord{}, ErrNotFound
	}
	return u, err
}

// RecordLoginFailure increments failed_count and, once it reaches max,
// locks the account until lockoutTTL elapses.
func (s *Store) RecordLoginFailure(ctx context.Context, userID string, max int, lockoutTTL time.Duration) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users SET failed_count = failed_count + 1,
		       locked_until = CASE WHEN failed_count + 1 >= $2 THEN now() + make_interval(secs => $3) ELSE locked_until END
		 WHERE user_id = $1`,
		userID, max, lockoutTTL.Seconds(),
	)
	return err
}

// ResetLoginFailures clears the failure counter after a successful
// login.
func (s *Store) ResetLoginFailures(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx, `UPDATE users SET failed_count = 0, locked_until = NULL WHERE user_id = $1`, userID)
	return err
}

func (s *Store) CreateSession(ctx context.Context, token, userID, role string, ttl time.Duration) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions(token, user_id, role, expires_at) VALUES ($1,$2,$3, now() + make_interval(secs => $4))`,
		token, userID, role, ttl.Seconds(),
	)
	return err
}

type SessionRecord struct {
	Token     string
	UserID    string
	Role      string
	ExpiresAt time.Time
}

func (s *Store) GetSession(ctx context.Context, token string) (SessionRecord, error) {
	var r SessionRecord
	err := s.db.QueryRow(ctx, `
		SELECT token, user_id::text, role, expires_at FROM sessions
		 WHERE token = $1 AND expires_at > now()`, token,
	).Scan(&r.Token, &r.UserID, &r.Role, &r.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrNotFound
	}
	return r, err
}

func (s *Store) DeleteSession(ctx context.Context, token string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token)
	return err
}

// PruneExpiredSessions deletes sessions past expiry and returns how
// many were removed. Nothing in cmd/nyx calls it.
func (s *Store) PruneExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
