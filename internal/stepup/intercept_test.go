package stepup

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stepguard/stepguard/internal/session"
)

func newIntercepts() *InterceptStore {
	return NewInterceptStore(session.NewMemoryStore(), []string{"_token", "Password", "password_confirmation"}, "/dashboard")
}

func TestCaptureAndReplayPost(t *testing.T) {
	s := newIntercepts()
	ctx := context.Background()

	token, err := s.Capture(ctx, "sid", CapturedRequest{
		Method:      "post",
		URL:         "/special-operation",
		ContentType: "application/json",
		Payload: map[string]any{
			"x":        "1",
			"password": "hunter2",
			"nested":   map[string]any{"_TOKEN": "csrf", "y": 2.0},
			"list":     []any{map[string]any{"password_confirmation": "p", "z": true}},
		},
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	in, err := s.ConsumeAndReplay(ctx, "sid", token)
	require.NoError(t, err)
	require.Equal(t, ReplayResubmit, in.Kind)
	require.Equal(t, "POST", in.Method)
	require.Equal(t, "/special-operation", in.URL)
	require.Equal(t, "application/json", in.ContentType)
	require.Equal(t, map[string]any{
		"x":      "1",
		"nested": map[string]any{"y": 2.0},
		"list":   []any{map[string]any{"z": true}},
	}, in.Payload)
	require.False(t, in.Fallback)
}

func TestReplayOfSafeMethodIsRedirect(t *testing.T) {
	s := newIntercepts()
	ctx := context.Background()

	_, err := s.Capture(ctx, "sid", CapturedRequest{Method: "GET", URL: "/reports?year=2026&month=5"})
	require.NoError(t, err)

	in, err := s.ConsumeAndReplay(ctx, "sid", "")
	require.NoError(t, err)
	require.Equal(t, ReplayRedirect, in.Kind)
	require.Equal(t, "GET", in.Method)
	require.Equal(t, "/reports?month=5&year=2026", in.URL)
	require.Nil(t, in.Payload)
}

func TestReplayIsSingleUse(t *testing.T) {
	s := newIntercepts()
	ctx := context.Background()

	token, err := s.Capture(ctx, "sid", CapturedRequest{Method: "DELETE", URL: "/accounts/9"})
	require.NoError(t, err)

	first, err := s.ConsumeAndReplay(ctx, "sid", token)
	require.NoError(t, err)
	require.Equal(t, ReplayResubmit, first.Kind)
	require.Equal(t, "DELETE", first.Method)

	second, err := s.ConsumeAndReplay(ctx, "sid", token)
	require.NoError(t, err)
	require.True(t, second.Fallback)
	require.Equal(t, "/dashboard", second.URL)
}

func TestReplayWithoutCaptureFallsBackHome(t *testing.T) {
	in, err := newIntercepts().ConsumeAndReplay(context.Background(), "sid", "")
	require.NoError(t, err)
	require.Equal(t, ReplayInstruction{Kind: ReplayRedirect, Method: "GET", URL: "/dashboard", Fallback: true}, in)
}

func TestCaptureOverwritesPrevious(t *testing.T) {
	s := newIntercepts()
	ctx := context.Background()

	old, err := s.Capture(ctx, "sid", CapturedRequest{Method: "POST", URL: "/first"})
	require.NoError(t, err)
	latest, err := s.Capture(ctx, "sid", CapturedRequest{Method: "POST", URL: "/second"})
	require.NoError(t, err)

	in, err := s.ConsumeAndReplay(ctx, "sid", old)
	require.NoError(t, err)
	require.True(t, in.Fallback, "stale token must not consume the newer capture")

	in, err = s.ConsumeAndReplay(ctx, "sid", latest)
	require.NoError(t, err)
	require.Equal(t, "/second", in.URL)
}

func TestCanonicalURLStripsSecrets(t *testing.T) {
	s := newIntercepts()
	ctx := context.Background()

	_, err := s.Capture(ctx, "sid", CapturedRequest{Method: "GET", URL: "/transfer?b=2&a=1&password=x#section"})
	require.NoError(t, err)
	captured, ok, err := s.Peek(ctx, "sid")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/transfer?a=1&b=2", captured.URL)

	_, err = s.Capture(ctx, "sid", CapturedRequest{Method: "GET", URL: ""})
	require.ErrorIs(t, err, ErrInvalidTarget)
}

func TestCapturesAreSessionScoped(t *testing.T) {
	s := newIntercepts()
	ctx := context.Background()

	_, err := s.Capture(ctx, "sid-a", CapturedRequest{Method: "POST", URL: "/a"})
	require.NoError(t, err)

	in, err := s.ConsumeAndReplay(ctx, "sid-b", "")
	require.NoError(t, err)
	require.True(t, in.Fallback)
}
