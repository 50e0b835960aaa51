package auth

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/awnumar/memguard"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/keygate/internal/util"
	"github.com/jmcleod/keygate/store"
	"github.com/jmcleod/keygate/store/memory"
	"github.com/jmcleod/keygate/webauthn"
)

// stubBreach is a BreachChecker with a fixed answer.
type stubBreach struct {
	breached bool
	err      error
}

func (b *stubBreach) IsBreached(context.Context, string) (bool, error) {
	return b.breached, b.err
}

type testEnv struct {
	svc   *Service
	store *memory.Store
	now   time.Time
}

// advance moves the injected clock; all service components and the
// challenge set observe the same time.
func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	key, err := util.NewAESKey()
	require.NoError(t, err)

	env := &testEnv{
		store: memory.New(),
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	env.svc = New(env.store, memguard.NewEnclave(key),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithBreachChecker(&stubBreach{}),
		WithRelyingParty(webauthn.RelyingParty{ID: "example.com", Origin: "https://example.com"}),
	)
	env.svc.now = func() time.Time { return env.now }
	return env
}

// register creates a user plus a password-authenticated session.
func (e *testEnv) register(t *testing.T, email string) (*store.Session, *store.User, string) {
	t.Helper()
	result, err := e.svc.RegisterUser(context.Background(), email, "correct horse battery staple")
	require.NoError(t, err)
	return result.Session, result.User, result.Token
}

func (e *testEnv) verifyEmail(t *testing.T, user *store.User) {
	t.Helper()
	ctx := context.Background()
	req, err := e.store.EmailVerificationRequestByUser(ctx, user.ID)
	require.NoError(t, err)
	require.NoError(t, e.svc.VerifyEmail(ctx, user.ID, req.Code))
	user.EmailVerified = true
}
