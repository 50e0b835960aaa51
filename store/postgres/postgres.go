// Package postgres implements store.Store backed by PostgreSQL.
//
// Tables mirror the record types in the store package one to one.
// Transactions map directly onto PostgreSQL transactions, so the
// recovery-reset and credential-cap invariants get real ACID semantics.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/keygate/store"
)

// Store implements store.Store backed by PostgreSQL.
type Store struct {
	store.Autocommit
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// New returns a Store backed by the given pgx connection pool.
func New(pool *pgxpool.Pool) *Store {
	s := &Store{pool: pool}
	s.Autocommit = store.Autocommit{Runner: s}
	return s
}

// NewFromDSN creates a connection pool from a DSN string, ensures the
// schema exists, and returns a new Store.
func NewFromDSN(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	return New(pool), nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// WithTx runs fn inside a single PostgreSQL transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(ptx pgx.Tx) error {
		return fn(&pgTx{q: ptx})
	})
}

func credentialTable(ns store.Namespace) string {
	switch ns {
	case store.NamespacePasskey:
		return "passkey_credentials"
	case store.NamespaceSecurityKey:
		return "security_key_credentials"
	}
	panic("postgres: unknown credential namespace " + string(ns))
}

// mapError converts driver errors into the store sentinel errors.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	var pgErr *pgconn.PgError
	// 23505: unique_violation
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return store.ErrConflict
	}
	return err
}

type pgTx struct {
	q pgx.Tx
}

var _ store.Tx = (*pgTx)(nil)

const userColumns = `id, email, email_verified, password_hash, recovery_code,
	registered_totp, registered_passkey, registered_security_key, registered_recovery_code`

func scanUser(row pgx.Row) (*store.User, error) {
	var u store.User
	err := row.Scan(&u.ID, &u.Email, &u.EmailVerified, &u.PasswordHash, &u.RecoveryCode,
		&u.RegisteredTOTP, &u.RegisteredPasskey, &u.RegisteredSecurityKey, &u.RegisteredRecoveryCode)
	if err != nil {
		return nil, mapError(err)
	}
	return &u, nil
}

func (t *pgTx) UserByEmail(ctx context.Context, email string) (*store.User, error) {
	return scanUser(t.q.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = $1`, email))
}

func (t *pgTx) UserByID(ctx context.Context, id string) (*store.User, error) {
	return scanUser(t.q.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
}

func (t *pgTx) InsertUser(ctx context.Context, u *store.User) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		u.ID, u.Email, u.EmailVerified, u.PasswordHash, u.RecoveryCode,
		u.RegisteredTOTP, u.RegisteredPasskey, u.RegisteredSecurityKey, u.RegisteredRecoveryCode)
	return mapError(err)
}

func (t *pgTx) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := t.q.Exec(ctx, sql, args...)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) UpdateUserPasswordHash(ctx context.Context, userID, passwordHash string) error {
	return t.exec(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, userID, passwordHash)
}

func (t *pgTx) UpdateUserEmail(ctx context.Context, userID, email string, verified bool) error {
	return t.exec(ctx, `UPDATE users SET email = $2, email_verified = $3 WHERE id = $1`,
		userID, email, verified)
}

func (t *pgTx) SetUserEmailVerified(ctx context.Context, userID, email string) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`UPDATE users SET email_verified = TRUE WHERE id = $1 AND email = $2`, userID, email)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) UpdateUserRecoveryCode(ctx context.Context, userID string, encrypted []byte) error {
	return t.exec(ctx,
		`UPDATE users SET recovery_code = $2, registered_recovery_code = TRUE WHERE id = $1`,
		userID, encrypted)
}

func (t *pgTx) UpdateUserFactors(ctx context.Context, userID string, totp, passkey, securityKey bool) error {
	return t.exec(ctx,
		`UPDATE users SET registered_totp = $2, registered_passkey = $3, registered_security_key = $4
		 WHERE id = $1`,
		userID, totp, passkey, securityKey)
}

func (t *pgTx) SessionByID(ctx context.Context, id string) (*store.Session, error) {
	var s store.Session
	err := t.q.QueryRow(ctx,
		`SELECT id, user_id, expires_at, two_factor_verified FROM sessions WHERE id = $1`, id).
		Scan(&s.ID, &s.UserID, &s.ExpiresAt, &s.TwoFactorVerified)
	if err != nil {
		return nil, mapError(err)
	}
	return &s, nil
}

func (t *pgTx) InsertSession(ctx context.Context, s *store.Session) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO sessions (id, user_id, expires_at, two_factor_verified) VALUES ($1, $2, $3, $4)`,
		s.ID, s.UserID, s.ExpiresAt, s.TwoFactorVerified)
	return mapError(err)
}

func (t *pgTx) UpdateSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	return t.exec(ctx, `UPDATE sessions SET expires_at = $2 WHERE id = $1`, id, expiresAt)
}

func (t *pgTx) SetSessionTwoFactorVerified(ctx context.Context, id string, verified bool) error {
	return t.exec(ctx, `UPDATE sessions SET two_factor_verified = $2 WHERE id = $1`, id, verified)
}

func (t *pgTx) ClearUserSessionsTwoFactorVerified(ctx context.Context, userID string) error {
	_, err := t.q.Exec(ctx,
		`UPDATE sessions SET two_factor_verified = FALSE WHERE user_id = $1`, userID)
	return mapError(err)
}

func (t *pgTx) DeleteSession(ctx context.Context, id string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return mapError(err)
}

func (t *pgTx) DeleteUserSessions(ctx context.Context, userID string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	return mapError(err)
}

func (t *pgTx) PasswordResetSessionByID(ctx context.Context, id string) (*store.PasswordResetSession, error) {
	var s store.PasswordResetSession
	err := t.q.QueryRow(ctx,
		`SELECT id, user_id, email, code, expires_at, email_verified, two_factor_verified
		 FROM password_reset_sessions WHERE id = $1`, id).
		Scan(&s.ID, &s.UserID, &s.Email, &s.Code, &s.ExpiresAt, &s.EmailVerified, &s.TwoFactorVerified)
	if err != nil {
		return nil, mapError(err)
	}
	return &s, nil
}

func (t *pgTx) InsertPasswordResetSession(ctx context.Context, s *store.PasswordResetSession) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO password_reset_sessions (id, user_id, email, code, expires_at, email_verified, two_factor_verified)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.ID, s.UserID, s.Email, s.Code, s.ExpiresAt, s.EmailVerified, s.TwoFactorVerified)
	return mapError(err)
}

func (t *pgTx) SetPasswordResetSessionEmailVerified(ctx context.Context, id string) error {
	return t.exec(ctx, `UPDATE password_reset_sessions SET email_verified = TRUE WHERE id = $1`, id)
}

func (t *pgTx) SetPasswordResetSessionTwoFactorVerified(ctx context.Context, id string) error {
	return t.exec(ctx, `UPDATE password_reset_sessions SET two_factor_verified = TRUE WHERE id = $1`, id)
}

func (t *pgTx) DeletePasswordResetSession(ctx context.Context, id string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM password_reset_sessions WHERE id = $1`, id)
	return mapError(err)
}

func (t *pgTx) DeleteUserPasswordResetSessions(ctx context.Context, userID string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM password_reset_sessions WHERE user_id = $1`, userID)
	return mapError(err)
}

func (t *pgTx) TOTPCredentialByUser(ctx context.Context, userID string) (*store.TOTPCredential, error) {
	var c store.TOTPCredential
	err := t.q.QueryRow(ctx,
		`SELECT user_id, key FROM totp_credentials WHERE user_id = $1`, userID).
		Scan(&c.UserID, &c.Key)
	if err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

func (t *pgTx) UpsertTOTPCredential(ctx context.Context, c *store.TOTPCredential) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO totp_credentials (user_id, key) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET key = $2`,
		c.UserID, c.Key)
	return mapError(err)
}

func (t *pgTx) DeleteUserTOTPCredential(ctx context.Context, userID string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM totp_credentials WHERE user_id = $1`, userID)
	return mapError(err)
}

const credentialColumns = `id, user_id, name, algorithm, public_key`

func scanCredential(row pgx.Row) (*store.WebAuthnCredential, error) {
	var c store.WebAuthnCredential
	err := row.Scan(&c.ID, &c.UserID, &c.Name, &c.Algorithm, &c.PublicKey)
	if err != nil {
		return nil, mapError(err)
	}
	return &c, nil
}

func (t *pgTx) CredentialByID(ctx context.Context, ns store.Namespace, id []byte) (*store.WebAuthnCredential, error) {
	return scanCredential(t.q.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM `+credentialTable(ns)+` WHERE id = $1`, id))
}

func (t *pgTx) UserCredential(ctx context.Context, ns store.Namespace, userID string, id []byte) (*store.WebAuthnCredential, error) {
	return scanCredential(t.q.QueryRow(ctx,
		`SELECT `+credentialColumns+` FROM `+credentialTable(ns)+` WHERE id = $1 AND user_id = $2`,
		id, userID))
}

func (t *pgTx) UserCredentials(ctx context.Context, ns store.Namespace, userID string) ([]*store.WebAuthnCredential, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+credentialColumns+` FROM `+credentialTable(ns)+` WHERE user_id = $1`, userID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []*store.WebAuthnCredential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (t *pgTx) InsertCredential(ctx context.Context, ns store.Namespace, c *store.WebAuthnCredential) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO `+credentialTable(ns)+` (`+credentialColumns+`) VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.UserID, c.Name, c.Algorithm, c.PublicKey)
	return mapError(err)
}

func (t *pgTx) DeleteUserCredential(ctx context.Context, ns store.Namespace, userID string, id []byte) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`DELETE FROM `+credentialTable(ns)+` WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return false, mapError(err)
	}
	return tag.RowsAffected() > 0, nil
}

func (t *pgTx) DeleteUserCredentials(ctx context.Context, ns store.Namespace, userID string) error {
	_, err := t.q.Exec(ctx,
		`DELETE FROM `+credentialTable(ns)+` WHERE user_id = $1`, userID)
	return mapError(err)
}

func (t *pgTx) EmailVerificationRequestByUser(ctx context.Context, userID string) (*store.EmailVerificationRequest, error) {
	var r store.EmailVerificationRequest
	err := t.q.QueryRow(ctx,
		`SELECT id, user_id, email, code, expires_at FROM email_verification_requests
		 WHERE user_id = $1 LIMIT 1`, userID).
		Scan(&r.ID, &r.UserID, &r.Email, &r.Code, &r.ExpiresAt)
	if err != nil {
		return nil, mapError(err)
	}
	return &r, nil
}

func (t *pgTx) InsertEmailVerificationRequest(ctx context.Context, r *store.EmailVerificationRequest) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO email_verification_requests (id, user_id, email, code, expires_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.UserID, r.Email, r.Code, r.ExpiresAt)
	return mapError(err)
}

func (t *pgTx) DeleteUserEmailVerificationRequests(ctx context.Context, userID string) error {
	_, err := t.q.Exec(ctx, `DELETE FROM email_verification_requests WHERE user_id = $1`, userID)
	return mapError(err)
}
