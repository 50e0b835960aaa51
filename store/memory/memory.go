// Package memory provides a thread-safe in-memory store.Store.
// Suitable for testing, demos, and single-process use cases.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jmcleod/keygate/store"
)

// Store is a thread-safe in-memory implementation of store.Store.
type Store struct {
	store.Autocommit
	mu  sync.Mutex
	tab tables
}

var _ store.Store = (*Store)(nil)

type tables struct {
	users         map[string]*store.User
	sessions      map[string]*store.Session
	resetSessions map[string]*store.PasswordResetSession
	totp          map[string]*store.TOTPCredential
	credentials   map[store.Namespace]map[string]*store.WebAuthnCredential
	emailRequests map[string]*store.EmailVerificationRequest
}

func newTables() tables {
	return tables{
		users:         make(map[string]*store.User),
		sessions:      make(map[string]*store.Session),
		resetSessions: make(map[string]*store.PasswordResetSession),
		totp:          make(map[string]*store.TOTPCredential),
		credentials: map[store.Namespace]map[string]*store.WebAuthnCredential{
			store.NamespacePasskey:     make(map[string]*store.WebAuthnCredential),
			store.NamespaceSecurityKey: make(map[string]*store.WebAuthnCredential),
		},
		emailRequests: make(map[string]*store.EmailVerificationRequest),
	}
}

// New creates an empty in-memory Store.
func New() *Store {
	s := &Store{tab: newTables()}
	s.Autocommit = store.Autocommit{Runner: s}
	return s
}

// WithTx runs fn under the store mutex. On error the tables are restored
// from a snapshot, so partial writes never become visible.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.tab.clone()
	if err := fn(&memTx{tab: &s.tab}); err != nil {
		s.tab = snapshot
		return err
	}
	return nil
}

func (t tables) clone() tables {
	cp := newTables()
	for k, v := range t.users {
		u := *v
		u.RecoveryCode = append([]byte(nil), v.RecoveryCode...)
		cp.users[k] = &u
	}
	for k, v := range t.sessions {
		sess := *v
		cp.sessions[k] = &sess
	}
	for k, v := range t.resetSessions {
		sess := *v
		cp.resetSessions[k] = &sess
	}
	for k, v := range t.totp {
		c := *v
		c.Key = append([]byte(nil), v.Key...)
		cp.totp[k] = &c
	}
	for ns, creds := range t.credentials {
		for k, v := range creds {
			cp.credentials[ns][k] = cloneCredential(v)
		}
	}
	for k, v := range t.emailRequests {
		r := *v
		cp.emailRequests[k] = &r
	}
	return cp
}

func cloneCredential(c *store.WebAuthnCredential) *store.WebAuthnCredential {
	cp := *c
	cp.ID = append([]byte(nil), c.ID...)
	cp.PublicKey = append([]byte(nil), c.PublicKey...)
	return &cp
}

// memTx operates on the live tables; the Store mutex is held for the
// whole transaction.
type memTx struct {
	tab *tables
}

var _ store.Tx = (*memTx)(nil)

func (t *memTx) UserByEmail(_ context.Context, email string) (*store.User, error) {
	for _, u := range t.tab.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) UserByID(_ context.Context, id string) (*store.User, error) {
	u, ok := t.tab.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (t *memTx) InsertUser(_ context.Context, u *store.User) error {
	if _, ok := t.tab.users[u.ID]; ok {
		return store.ErrConflict
	}
	for _, existing := range t.tab.users {
		if existing.Email == u.Email {
			return store.ErrConflict
		}
	}
	cp := *u
	cp.RecoveryCode = append([]byte(nil), u.RecoveryCode...)
	t.tab.users[u.ID] = &cp
	return nil
}

func (t *memTx) UpdateUserPasswordHash(_ context.Context, userID, passwordHash string) error {
	u, ok := t.tab.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

func (t *memTx) UpdateUserEmail(_ context.Context, userID, email string, verified bool) error {
	u, ok := t.tab.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.Email = email
	u.EmailVerified = verified
	return nil
}

func (t *memTx) SetUserEmailVerified(_ context.Context, userID, email string) (bool, error) {
	u, ok := t.tab.users[userID]
	if !ok || u.Email != email {
		return false, nil
	}
	u.EmailVerified = true
	return true, nil
}

func (t *memTx) UpdateUserRecoveryCode(_ context.Context, userID string, encrypted []byte) error {
	u, ok := t.tab.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.RecoveryCode = append([]byte(nil), encrypted...)
	u.RegisteredRecoveryCode = true
	return nil
}

func (t *memTx) UpdateUserFactors(_ context.Context, userID string, totp, passkey, securityKey bool) error {
	u, ok := t.tab.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.RegisteredTOTP = totp
	u.RegisteredPasskey = passkey
	u.RegisteredSecurityKey = securityKey
	return nil
}

func (t *memTx) SessionByID(_ context.Context, id string) (*store.Session, error) {
	s, ok := t.tab.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (t *memTx) InsertSession(_ context.Context, s *store.Session) error {
	if _, ok := t.tab.sessions[s.ID]; ok {
		return store.ErrConflict
	}
	cp := *s
	t.tab.sessions[s.ID] = &cp
	return nil
}

func (t *memTx) UpdateSessionExpiry(_ context.Context, id string, expiresAt time.Time) error {
	s, ok := t.tab.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.ExpiresAt = expiresAt
	return nil
}

func (t *memTx) SetSessionTwoFactorVerified(_ context.Context, id string, verified bool) error {
	s, ok := t.tab.sessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.TwoFactorVerified = verified
	return nil
}

func (t *memTx) ClearUserSessionsTwoFactorVerified(_ context.Context, userID string) error {
	for _, s := range t.tab.sessions {
		if s.UserID == userID {
			s.TwoFactorVerified = false
		}
	}
	return nil
}

func (t *memTx) DeleteSession(_ context.Context, id string) error {
	delete(t.tab.sessions, id)
	return nil
}

func (t *memTx) DeleteUserSessions(_ context.Context, userID string) error {
	for id, s := range t.tab.sessions {
		if s.UserID == userID {
			delete(t.tab.sessions, id)
		}
	}
	return nil
}

func (t *memTx) PasswordResetSessionByID(_ context.Context, id string) (*store.PasswordResetSession, error) {
	s, ok := t.tab.resetSessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (t *memTx) InsertPasswordResetSession(_ context.Context, s *store.PasswordResetSession) error {
	if _, ok := t.tab.resetSessions[s.ID]; ok {
		return store.ErrConflict
	}
	cp := *s
	t.tab.resetSessions[s.ID] = &cp
	return nil
}

func (t *memTx) SetPasswordResetSessionEmailVerified(_ context.Context, id string) error {
	s, ok := t.tab.resetSessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.EmailVerified = true
	return nil
}

func (t *memTx) SetPasswordResetSessionTwoFactorVerified(_ context.Context, id string) error {
	s, ok := t.tab.resetSessions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.TwoFactorVerified = true
	return nil
}

func (t *memTx) DeletePasswordResetSession(_ context.Context, id string) error {
	delete(t.tab.resetSessions, id)
	return nil
}

func (t *memTx) DeleteUserPasswordResetSessions(_ context.Context, userID string) error {
	for id, s := range t.tab.resetSessions {
		if s.UserID == userID {
			delete(t.tab.resetSessions, id)
		}
	}
	return nil
}

func (t *memTx) TOTPCredentialByUser(_ context.Context, userID string) (*store.TOTPCredential, error) {
	c, ok := t.tab.totp[userID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *c
	cp.Key = append([]byte(nil), c.Key...)
	return &cp, nil
}

func (t *memTx) UpsertTOTPCredential(_ context.Context, c *store.TOTPCredential) error {
	cp := *c
	cp.Key = append([]byte(nil), c.Key...)
	t.tab.totp[c.UserID] = &cp
	return nil
}

func (t *memTx) DeleteUserTOTPCredential(_ context.Context, userID string) error {
	delete(t.tab.totp, userID)
	return nil
}

func (t *memTx) CredentialByID(_ context.Context, ns store.Namespace, id []byte) (*store.WebAuthnCredential, error) {
	c, ok := t.tab.credentials[ns][string(id)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneCredential(c), nil
}

func (t *memTx) UserCredential(ctx context.Context, ns store.Namespace, userID string, id []byte) (*store.WebAuthnCredential, error) {
	c, err := t.CredentialByID(ctx, ns, id)
	if err != nil {
		return nil, err
	}
	if c.UserID != userID {
		return nil, store.ErrNotFound
	}
	return c, nil
}

func (t *memTx) UserCredentials(_ context.Context, ns store.Namespace, userID string) ([]*store.WebAuthnCredential, error) {
	var out []*store.WebAuthnCredential
	for _, c := range t.tab.credentials[ns] {
		if c.UserID == userID {
			out = append(out, cloneCredential(c))
		}
	}
	return out, nil
}

func (t *memTx) InsertCredential(_ context.Context, ns store.Namespace, c *store.WebAuthnCredential) error {
	if _, ok := t.tab.credentials[ns][string(c.ID)]; ok {
		return store.ErrConflict
	}
	t.tab.credentials[ns][string(c.ID)] = cloneCredential(c)
	return nil
}

func (t *memTx) DeleteUserCredential(_ context.Context, ns store.Namespace, userID string, id []byte) (bool, error) {
	c, ok := t.tab.credentials[ns][string(id)]
	if !ok || c.UserID != userID {
		return false, nil
	}
	delete(t.tab.credentials[ns], string(id))
	return true, nil
}

func (t *memTx) DeleteUserCredentials(_ context.Context, ns store.Namespace, userID string) error {
	for id, c := range t.tab.credentials[ns] {
		if c.UserID == userID {
			delete(t.tab.credentials[ns], id)
		}
	}
	return nil
}

func (t *memTx) EmailVerificationRequestByUser(_ context.Context, userID string) (*store.EmailVerificationRequest, error) {
	for _, r := range t.tab.emailRequests {
		if r.UserID == userID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *memTx) InsertEmailVerificationRequest(_ context.Context, r *store.EmailVerificationRequest) error {
	if _, ok := t.tab.emailRequests[r.ID]; ok {
		return store.ErrConflict
	}
	cp := *r
	t.tab.emailRequests[r.ID] = &cp
	return nil
}

func (t *memTx) DeleteUserEmailVerificationRequests(_ context.Context, userID string) error {
	for id, r := range t.tab.emailRequests {
		if r.UserID == userID {
			delete(t.tab.emailRequests, id)
		}
	}
	return nil
}
