package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepguard/stepguard/internal/enrollment"
	"github.com/stepguard/stepguard/internal/identity"
	"github.com/stepguard/stepguard/internal/session"
)

func newTestService(t *testing.T) (*Service, *identity.Service, enrollment.Repository, session.Store) {
	t.Helper()
	users := identity.NewService(identity.NewMemoryRepository())
	_, err := users.Register(context.Background(), identity.RegisterInput{Email: "ada@example.com", Password: "secret1"})
	require.NoError(t, err)
	enrollments := enrollment.NewMemoryRepository()
	sessions := session.NewMemoryStore()
	svc := NewService(users, NewSigner("test-secret", "stepguard", time.Hour), sessions, enrollments)
	return svc, users, enrollments, sessions
}

func TestLoginIssuesSessionBoundToken(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	res, err := svc.Login(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)
	require.True(t, res.NeedsFaceRegistration)
	require.InDelta(t, 3600, res.ExpiresIn, 2)

	claims, err := svc.signer.Parse(res.AccessToken)
	require.NoError(t, err)
	require.Equal(t, res.User.ID, claims.Subject)
	require.Equal(t, res.SessionID, claims.SessionID)

	again, err := svc.Login(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)
	require.NotEqual(t, res.SessionID, again.SessionID)
}

func TestLoginReportsEnrollment(t *testing.T) {
	svc, users, enrollments, _ := newTestService(t)
	user, err := users.Authenticate(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)
	require.NoError(t, enrollments.Save(context.Background(), enrollment.Enrollment{
		UserID: user.ID, Method: enrollment.MethodImage, Status: enrollment.StatusPending,
	}))

	res, err := svc.Login(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)
	require.False(t, res.NeedsFaceRegistration)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	_, err := svc.Login(context.Background(), "ada@example.com", "nope")
	require.ErrorIs(t, err, identity.ErrInvalidCredentials)
}

func TestLogoutDestroysSession(t *testing.T) {
	svc, _, _, sessions := newTestService(t)
	ctx := context.Background()
	require.NoError(t, sessions.Set(ctx, "sid-1", session.KeyStepUpVerifiedAt, "2026-01-01T00:00:00Z"))

	require.NoError(t, svc.Logout(ctx, "sid-1"))

	var v string
	ok, err := sessions.Get(ctx, "sid-1", session.KeyStepUpVerifiedAt, &v)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseRejectsTamperedAndExpiredTokens(t *testing.T) {
	signer := NewSigner("test-secret", "stepguard", time.Minute)
	token, _, err := signer.Sign("user-1", "sid-1")
	require.NoError(t, err)

	_, err = NewSigner("other-secret", "stepguard", time.Minute).Parse(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewSigner("test-secret", "someone-else", time.Minute).Parse(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	signer.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = signer.Parse(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}
