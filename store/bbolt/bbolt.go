// Package bbolt provides a BBolt-backed store.Store.
package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/jmcleod/keygate/store"
)

var (
	bucketUsers         = []byte("users")
	bucketUsersByEmail  = []byte("users_by_email")
	bucketSessions      = []byte("sessions")
	bucketResetSessions = []byte("reset_sessions")
	bucketTOTP          = []byte("totp_credentials")
	bucketEmailRequests = []byte("email_verification_requests")
)

func credentialBucket(ns store.Namespace) []byte {
	return []byte("credentials_" + string(ns))
}

// Store implements store.Store backed by a BBolt database.
type Store struct {
	store.Autocommit
	db *bbolt.DB
}

var _ store.Store = (*Store)(nil)

// New returns a Store backed by the given BBolt database, creating the
// buckets it needs.
func New(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketUsers, bucketUsersByEmail, bucketSessions, bucketResetSessions,
			bucketTOTP, bucketEmailRequests,
			credentialBucket(store.NamespacePasskey),
			credentialBucket(store.NamespaceSecurityKey),
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating buckets: %w", err)
	}
	s := &Store{db: db}
	s.Autocommit = store.Autocommit{Runner: s}
	return s, nil
}

// NewFromFile opens a BBolt database at the given path and returns a Store.
func NewFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	return New(db)
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a single bbolt update transaction; bbolt rolls the
// whole transaction back when fn errors.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.db.Update(func(btx *bbolt.Tx) error {
		return fn(&boltTx{tx: btx})
	})
}

type boltTx struct {
	tx *bbolt.Tx
}

var _ store.Tx = (*boltTx)(nil)

func putJSON(b *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

func getJSON(b *bbolt.Bucket, key []byte, v any) error {
	data := b.Get(key)
	if data == nil {
		return store.ErrNotFound
	}
	return json.Unmarshal(data, v)
}

func (t *boltTx) UserByEmail(ctx context.Context, email string) (*store.User, error) {
	id := t.tx.Bucket(bucketUsersByEmail).Get([]byte(email))
	if id == nil {
		return nil, store.ErrNotFound
	}
	return t.UserByID(ctx, string(id))
}

func (t *boltTx) UserByID(_ context.Context, id string) (*store.User, error) {
	var u store.User
	if err := getJSON(t.tx.Bucket(bucketUsers), []byte(id), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (t *boltTx) InsertUser(_ context.Context, u *store.User) error {
	users := t.tx.Bucket(bucketUsers)
	byEmail := t.tx.Bucket(bucketUsersByEmail)
	if users.Get([]byte(u.ID)) != nil || byEmail.Get([]byte(u.Email)) != nil {
		return store.ErrConflict
	}
	if err := putJSON(users, []byte(u.ID), u); err != nil {
		return err
	}
	return byEmail.Put([]byte(u.Email), []byte(u.ID))
}

func (t *boltTx) updateUser(ctx context.Context, id string, mutate func(u *store.User)) error {
	u, err := t.UserByID(ctx, id)
	if err != nil {
		return err
	}
	oldEmail := u.Email
	mutate(u)
	if u.Email != oldEmail {
		byEmail := t.tx.Bucket(bucketUsersByEmail)
		if err := byEmail.Delete([]byte(oldEmail)); err != nil {
			return err
		}
		if err := byEmail.Put([]byte(u.Email), []byte(u.ID)); err != nil {
			return err
		}
	}
	return putJSON(t.tx.Bucket(bucketUsers), []byte(id), u)
}

func (t *boltTx) UpdateUserPasswordHash(ctx context.Context, userID, passwordHash string) error {
	return t.updateUser(ctx, userID, func(u *store.User) { u.PasswordHash = passwordHash })
}

func (t *boltTx) UpdateUserEmail(ctx context.Context, userID, email string, verified bool) error {
	return t.updateUser(ctx, userID, func(u *store.User) {
		u.Email = email
		u.EmailVerified = verified
	})
}

func (t *boltTx) SetUserEmailVerified(ctx context.Context, userID, email string) (bool, error) {
	u, err := t.UserByID(ctx, userID)
	if err != nil {
		return false, nil
	}
	if u.Email != email {
		return false, nil
	}
	err = t.updateUser(ctx, userID, func(u *store.User) { u.EmailVerified = true })
	return err == nil, err
}

func (t *boltTx) UpdateUserRecoveryCode(ctx context.Context, userID string, encrypted []byte) error {
	return t.updateUser(ctx, userID, func(u *store.User) {
		u.RecoveryCode = append([]byte(nil), encrypted...)
		u.RegisteredRecoveryCode = true
	})
}

func (t *boltTx) UpdateUserFactors(ctx context.Context, userID string, totp, passkey, securityKey bool) error {
	return t.updateUser(ctx, userID, func(u *store.User) {
		u.RegisteredTOTP = totp
		u.RegisteredPasskey = passkey
		u.RegisteredSecurityKey = securityKey
	})
}

func (t *boltTx) SessionByID(_ context.Context, id string) (*store.Session, error) {
	var s store.Session
	if err := getJSON(t.tx.Bucket(bucketSessions), []byte(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *boltTx) InsertSession(_ context.Context, s *store.Session) error {
	b := t.tx.Bucket(bucketSessions)
	if b.Get([]byte(s.ID)) != nil {
		return store.ErrConflict
	}
	return putJSON(b, []byte(s.ID), s)
}

func (t *boltTx) updateSession(ctx context.Context, id string, mutate func(s *store.Session)) error {
	s, err := t.SessionByID(ctx, id)
	if err != nil {
		return err
	}
	mutate(s)
	return putJSON(t.tx.Bucket(bucketSessions), []byte(id), s)
}

func (t *boltTx) UpdateSessionExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	return t.updateSession(ctx, id, func(s *store.Session) { s.ExpiresAt = expiresAt })
}

func (t *boltTx) SetSessionTwoFactorVerified(ctx context.Context, id string, verified bool) error {
	return t.updateSession(ctx, id, func(s *store.Session) { s.TwoFactorVerified = verified })
}

func (t *boltTx) ClearUserSessionsTwoFactorVerified(_ context.Context, userID string) error {
	b := t.tx.Bucket(bucketSessions)
	var updated []*store.Session
	err := forEachJSON(b, func(_ []byte, s *store.Session) error {
		if s.UserID == userID && s.TwoFactorVerified {
			s.TwoFactorVerified = false
			updated = append(updated, s)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, s := range updated {
		if err := putJSON(b, []byte(s.ID), s); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) DeleteSession(_ context.Context, id string) error {
	return t.tx.Bucket(bucketSessions).Delete([]byte(id))
}

func (t *boltTx) DeleteUserSessions(_ context.Context, userID string) error {
	return deleteMatching(t.tx.Bucket(bucketSessions), func(s *store.Session) bool {
		return s.UserID == userID
	})
}

func (t *boltTx) PasswordResetSessionByID(_ context.Context, id string) (*store.PasswordResetSession, error) {
	var s store.PasswordResetSession
	if err := getJSON(t.tx.Bucket(bucketResetSessions), []byte(id), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *boltTx) InsertPasswordResetSession(_ context.Context, s *store.PasswordResetSession) error {
	b := t.tx.Bucket(bucketResetSessions)
	if b.Get([]byte(s.ID)) != nil {
		return store.ErrConflict
	}
	return putJSON(b, []byte(s.ID), s)
}

func (t *boltTx) updateResetSession(ctx context.Context, id string, mutate func(s *store.PasswordResetSession)) error {
	s, err := t.PasswordResetSessionByID(ctx, id)
	if err != nil {
		return err
	}
	mutate(s)
	return putJSON(t.tx.Bucket(bucketResetSessions), []byte(id), s)
}

func (t *boltTx) SetPasswordResetSessionEmailVerified(ctx context.Context, id string) error {
	return t.updateResetSession(ctx, id, func(s *store.PasswordResetSession) { s.EmailVerified = true })
}

func (t *boltTx) SetPasswordResetSessionTwoFactorVerified(ctx context.Context, id string) error {
	return t.updateResetSession(ctx, id, func(s *store.PasswordResetSession) { s.TwoFactorVerified = true })
}

func (t *boltTx) DeletePasswordResetSession(_ context.Context, id string) error {
	return t.tx.Bucket(bucketResetSessions).Delete([]byte(id))
}

func (t *boltTx) DeleteUserPasswordResetSessions(_ context.Context, userID string) error {
	return deleteMatching(t.tx.Bucket(bucketResetSessions), func(s *store.PasswordResetSession) bool {
		return s.UserID == userID
	})
}

func (t *boltTx) TOTPCredentialByUser(_ context.Context, userID string) (*store.TOTPCredential, error) {
	var c store.TOTPCredential
	if err := getJSON(t.tx.Bucket(bucketTOTP), []byte(userID), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *boltTx) UpsertTOTPCredential(_ context.Context, c *store.TOTPCredential) error {
	return putJSON(t.tx.Bucket(bucketTOTP), []byte(c.UserID), c)
}

func (t *boltTx) DeleteUserTOTPCredential(_ context.Context, userID string) error {
	return t.tx.Bucket(bucketTOTP).Delete([]byte(userID))
}

func (t *boltTx) CredentialByID(_ context.Context, ns store.Namespace, id []byte) (*store.WebAuthnCredential, error) {
	var c store.WebAuthnCredential
	if err := getJSON(t.tx.Bucket(credentialBucket(ns)), id, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *boltTx) UserCredential(ctx context.Context, ns store.Namespace, userID string, id []byte) (*store.WebAuthnCredential, error) {
	c, err := t.CredentialByID(ctx, ns, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (t *boltTx) UserCredentials(_ context.Context, ns store.Namespace, userID string) ([]*store.WebAuthnCredential, error) {
	var out []*store.WebAuthnCredential
	err := forEachJSON(t.tx.Bucket(credentialBucket(ns)), func(_ []byte, c *store.WebAuthnCredential) error {
		if c.UserID == userID {
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

func (t *boltTx) InsertCredential(_ context.Context, ns store.Namespace, c *store.WebAuthnCredential) error {
	b := t.tx.Bucket(credentialBucket(ns))
	if b.Get(c.ID) != nil {
		return store.ErrConflict
	}
	return putJSON(b, c.ID, c)
}

func (t *boltTx) DeleteUserCredential(_ context.Context, ns store.Namespace, userID string, id []byte) (bool, error) {
	b := t.tx.Bucket(credentialBucket(ns))
	var c store.WebAuthnCredential
	if err := getJSON(b, id, &c); err != nil {
		return false, nil
	}
	if c.UserID != userID {
		return false, nil
	}
	if err := b.Delete(id); err != nil {
		return false, err
	}
	return true, nil
}

func (t *boltTx) DeleteUserCredentials(_ context.Context, ns store.Namespace, userID string) error {
	return deleteMatching(t.tx.Bucket(credentialBucket(ns)), func(c *store.WebAuthnCredential) bool {
		return c.UserID == userID
	})
}

func (t *boltTx) EmailVerificationRequestByUser(_ context.Context, userID string) (*store.EmailVerificationRequest, error) {
	var found *store.EmailVerificationRequest
	err := forEachJSON(t.tx.Bucket(bucketEmailRequests), func(_ []byte, r *store.EmailVerificationRequest) error {
		if r.UserID == userID && found == nil {
			found = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (t *boltTx) InsertEmailVerificationRequest(_ context.Context, r *store.EmailVerificationRequest) error {
	b := t.tx.Bucket(bucketEmailRequests)
	if b.Get([]byte(r.ID)) != nil {
		return store.ErrConflict
	}
	return putJSON(b, []byte(r.ID), r)
}

func (t *boltTx) DeleteUserEmailVerificationRequests(_ context.Context, userID string) error {
	return deleteMatching(t.tx.Bucket(bucketEmailRequests), func(r *store.EmailVerificationRequest) bool {
		return r.UserID == userID
	})
}

// forEachJSON iterates a bucket, decoding each value into a fresh T.
func forEachJSON[T any](b *bbolt.Bucket, fn func(key []byte, v *T) error) error {
	c := b.Cursor()
	for k, data := c.First(); k != nil; k, data = c.Next() {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		key := bytes.Clone(k)
		if err := fn(key, &v); err != nil {
			return err
		}
	}
	return nil
}

// deleteMatching removes every row for which match returns true.
func deleteMatching[T any](b *bbolt.Bucket, match func(v *T) bool) error {
	var keys [][]byte
	err := forEachJSON(b, func(key []byte, v *T) error {
		if match(v) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
