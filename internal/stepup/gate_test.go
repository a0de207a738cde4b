package stepup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepguard/stepguard/internal/biometric"
	"github.com/stepguard/stepguard/internal/enrollment"
	"github.com/stepguard/stepguard/internal/notification"
	"github.com/stepguard/stepguard/internal/session"
)

var specialOperation = CapturedRequest{
	Method:      "POST",
	URL:         "/special-operation",
	ContentType: "application/json",
	Payload:     map[string]any{"x": "1"},
}

func TestNonPrivilegedPrincipalIsAlwaysAllowed(t *testing.T) {
	env := newTestEnv(t, "7", enrollment.MethodImage)
	ctx := context.Background()
	p := Principal{ID: "7"}

	states := []string{"", "garbage", time.Now().Add(-48 * time.Hour).Format(time.RFC3339Nano), time.Now().Format(time.RFC3339Nano)}
	for _, raw := range states {
		if raw != "" {
			require.NoError(t, env.sessions.Set(ctx, "sid", session.KeyStepUpVerifiedAt, raw))
		}
		dec, err := env.gate.RequireStepUp(ctx, p, "sid", specialOperation)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
		require.Equal(t, ReasonNotPrivileged, dec.Reason)
	}
	_, captured, err := env.gate.intercepts.Peek(ctx, "sid")
	require.NoError(t, err)
	require.False(t, captured)
}

func TestTrustedPrincipalMakesNoCollaboratorCalls(t *testing.T) {
	env := newTestEnv(t, "42", enrollment.MethodLiveness)
	ctx := context.Background()
	require.NoError(t, env.trust.MarkVerified(ctx, "sid", time.Now()))

	dec, err := env.gate.RequireStepUp(ctx, Principal{ID: "42", Privileged: true}, "sid", specialOperation)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.Equal(t, ReasonTrusted, dec.Reason)
	require.Zero(t, env.matcher.calls.Load())
	require.Zero(t, env.provider.calls.Load())

	_, captured, err := env.gate.intercepts.Peek(ctx, "sid")
	require.NoError(t, err)
	require.False(t, captured)
}

func TestLivenessStepUpScenario(t *testing.T) {
	env := newTestEnv(t, "42", enrollment.MethodLiveness)
	env.provider.result = livenessResult(90)
	env.matcher.result = matches(biometric.Match{IdentityRef: "42", FaceID: "face-42", Similarity: 92})
	ctx := context.Background()
	p := Principal{ID: "42", Privileged: true}

	dec, err := env.gate.RequireStepUp(ctx, p, "sid", specialOperation)
	require.NoError(t, err)
	require.False(t, dec.Allowed)
	require.Equal(t, ReasonTrustExpiredOrAbsent, dec.Reason)
	require.NotEmpty(t, dec.Token)

	ch, err := env.gate.StartLiveness(ctx, p, "sid")
	require.NoError(t, err)

	before := time.Now().UTC()
	sub, err := env.gate.SubmitVerification(ctx, p, "sid", SubmitInput{
		Evidence:    Evidence{LivenessSessionID: ch.SessionID},
		ReplayToken: dec.Token,
	})
	require.NoError(t, err)
	require.True(t, sub.Outcome.Accepted)
	require.Equal(t, "42", sub.Outcome.MatchedIdentity)

	raw, err := env.trust.LastVerifiedAt(ctx, "sid")
	require.NoError(t, err)
	verifiedAt, err := time.Parse(time.RFC3339Nano, raw)
	require.NoError(t, err)
	require.False(t, verifiedAt.Before(before.Add(-time.Second)))

	enr, err := env.enrollments.Get(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, enrollment.StatusVerified, enr.Status)
	require.NotNil(t, enr.LastVerifiedAt)
	require.True(t, enr.LastVerifiedAt.Equal(verifiedAt))

	// the replay resubmits the original POST with its payload
	require.NotNil(t, sub.Replay)
	require.Equal(t, ReplayResubmit, sub.Replay.Kind)
	require.Equal(t, "POST", sub.Replay.Method)
	require.Equal(t, "/special-operation", sub.Replay.URL)
	require.Equal(t, map[string]any{"x": "1"}, sub.Replay.Payload)

	dec, err = env.gate.RequireStepUp(ctx, p, "sid", specialOperation)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	require.Equal(t, []string{notification.KindStepUpVerified}, env.notifier.Kinds())
	require.EqualValues(t, 1, env.provider.calls.Load())
}

func TestImageStepUpReplaysGetAsRedirect(t *testing.T) {
	env := newTestEnv(t, "42", enrollment.MethodImage)
	env.matcher.result = matches(biometric.Match{IdentityRef: "42", Similarity: 97})
	ctx := context.Background()
	p := Principal{ID: "42", Privileged: true}

	_, err := env.gate.RequireStepUp(ctx, p, "sid", CapturedRequest{Method: "GET", URL: "/special-operation"})
	require.NoError(t, err)

	sub, err := env.gate.SubmitVerification(ctx, p, "sid", SubmitInput{Evidence: Evidence{Image: []byte("jpeg")}})
	require.NoError(t, err)
	require.True(t, sub.Outcome.Accepted)
	require.Equal(t, ReplayRedirect, sub.Replay.Kind)
	require.Equal(t, "/special-operation", sub.Replay.URL)
}

func TestRejectionLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t, "42", enrollment.MethodImage)
	env.matcher.result = matches(
		biometric.Match{IdentityRef: "42", Similarity: 90},
		biometric.Match{IdentityRef: "7", Similarity: 95},
	)
	ctx := context.Background()
	p := Principal{ID: "42", Privileged: true}

	dec, err := env.gate.RequireStepUp(ctx, p, "sid", specialOperation)
	require.NoError(t, err)

	sub, err := env.gate.SubmitVerification(ctx, p, "sid", SubmitInput{Evidence: Evidence{Image: []byte("jpeg")}})
	require.NoError(t, err)
	require.False(t, sub.Outcome.Accepted)
	require.Equal(t, ReasonFaceNotMatched, sub.Outcome.Reason)
	require.Nil(t, sub.Replay)

	raw, err := env.trust.LastVerifiedAt(ctx, "sid")
	require.NoError(t, err)
	require.Empty(t, raw)
	enr, err := env.enrollments.Get(ctx, "42")
	require.NoError(t, err)
	require.Equal(t, enrollment.StatusPending, enr.Status)
	require.Nil(t, enr.LastVerifiedAt)

	captured, ok, err := env.gate.intercepts.Peek(ctx, "sid")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, dec.Token, captured.Token)

	last, ok, err := env.gate.LastOutcome(ctx, "sid")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ReasonFaceNotMatched, last.Reason)
	require.Equal(t, []string{notification.KindStepUpRejected}, env.notifier.Kinds())
}

func TestProviderErrorIsRetryable(t *testing.T) {
	env := newTestEnv(t, "42", enrollment.MethodLiveness)
	env.provider.err = context.DeadlineExceeded
	ctx := context.Background()
	p := Principal{ID: "42", Privileged: true}

	ch, err := env.gate.StartLiveness(ctx, p, "sid")
	require.NoError(t, err)

	_, err = env.gate.SubmitVerification(ctx, p, "sid", SubmitInput{Evidence: Evidence{LivenessSessionID: ch.SessionID}})
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ReasonProviderError, verr.Reason)

	env.provider.err = nil
	env.provider.result = livenessResult(95)
	env.matcher.result = matches(biometric.Match{IdentityRef: "42", Similarity: 95})
	sub, err := env.gate.SubmitVerification(ctx, p, "sid", SubmitInput{Evidence: Evidence{LivenessSessionID: ch.SessionID}})
	require.NoError(t, err)
	require.True(t, sub.Outcome.Accepted)
	require.False(t, sub.Reused)
}

func TestDoubleSubmitReturnsRecordedOutcome(t *testing.T) {
	env := newTestEnv(t, "42", enrollment.MethodLiveness)
	env.provider.result = livenessResult(91)
	env.matcher.result = matches(biometric.Match{IdentityRef: "42", Similarity: 96})
	ctx := context.Background()
	p := Principal{ID: "42", Privileged: true}

	_, err := env.gate.RequireStepUp(ctx, p, "sid", specialOperation)
	require.NoError(t, err)
	ch, err := env.gate.StartLiveness(ctx, p, "sid")
	require.NoError(t, err)

	first, err := env.gate.SubmitVerification(ctx, p, "sid", SubmitInput{Evidence: Evidence{LivenessSessionID: ch.SessionID}})
	require.NoError(t, err)
	second, err := env.gate.SubmitVerification(ctx, p, "sid", SubmitInput{Evidence: Evidence{LivenessSessionID: ch.SessionID}})
	require.NoError(t, err)

	require.True(t, second.Reused)
	require.Equal(t, first.Outcome.CheckedAt.UnixNano(), second.Outcome.CheckedAt.UnixNano())
	require.Equal(t, first.Replay.Payload, second.Replay.Payload)
	require.EqualValues(t, 1, env.provider.calls.Load())
	require.EqualValues(t, 1, env.matcher.calls.Load())
}

func TestConcurrentCompletionCallsShareOneProviderCall(t *testing.T) {
	env := newTestEnv(t, "42", enrollment.MethodLiveness)
	env.provider.result = livenessResult(91)
	env.matcher.result = matches(biometric.Match{IdentityRef: "42", Similarity: 96})
	ctx := context.Background()
	p := Principal{ID: "42", Privileged: true}

	ch, err := env.gate.StartLiveness(ctx, p, "sid")
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	accepted := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := env.gate.SubmitVerification(ctx, p, "sid", SubmitInput{Evidence: Evidence{LivenessSessionID: ch.SessionID}})
			accepted[i] = err == nil && sub.Outcome.Accepted
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, env.provider.calls.Load())
	for i := range accepted {
		require.True(t, accepted[i], "caller %d", i)
	}
}

func TestConcurrentCompletionCallsAllReplayCapturedRequest(t *testing.T) {
	env := newTestEnv(t, "42", enrollment.MethodLiveness)
	env.provider.result = livenessResult(91)
	env.matcher.result = matches(biometric.Match{IdentityRef: "42", Similarity: 96})
	env.matcher.delay = 20 * time.Millisecond
	ctx := context.Background()
	p := Principal{ID: "42", Privileged: true}

	dec, err := env.gate.RequireStepUp(ctx, p, "sid", specialOperation)
	require.NoError(t, err)
	ch, err := env.gate.StartLiveness(ctx, p, "sid")
	require.NoError(t, err)

	const n = 4
	var wg sync.WaitGroup
	subs := make([]Submission, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subs[i], errs[i] = env.gate.SubmitVerification(ctx, p, "sid", SubmitInput{
				Evidence:    Evidence{LivenessSessionID: ch.SessionID},
				ReplayToken: dec.Token,
			})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "caller %d", i)
		require.True(t, subs[i].Outcome.Accepted, "caller %d", i)
		require.NotNil(t, subs[i].Replay, "caller %d", i)
		require.Equal(t, "POST", subs[i].Replay.Method, "caller %d", i)
		require.Equal(t, "/special-operation", subs[i].Replay.URL, "caller %d", i)
		require.Equal(t, map[string]any{"x": "1"}, subs[i].Replay.Payload, "caller %d", i)
	}
	require.EqualValues(t, 1, env.provider.calls.Load())
	require.EqualValues(t, 1, env.matcher.calls.Load())
	require.Equal(t, []string{notification.KindStepUpVerified}, env.notifier.Kinds())
}

func TestRecordedAcceptanceLapsesWithTrustWindow(t *testing.T) {
	env := newTestEnv(t, "42", enrollment.MethodLiveness)
	env.provider.result = livenessResult(91)
	env.matcher.result = matches(biometric.Match{IdentityRef: "42", Similarity: 96})
	ctx := context.Background()
	p := Principal{ID: "42", Privileged: true}

	dec, err := env.gate.RequireStepUp(ctx, p, "sid", specialOperation)
	require.NoError(t, err)
	ch, err := env.gate.StartLiveness(ctx, p, "sid")
	require.NoError(t, err)
	in := SubmitInput{Evidence: Evidence{LivenessSessionID: ch.SessionID}, ReplayToken: dec.Token}

	_, err = env.gate.SubmitVerification(ctx, p, "sid", in)
	require.NoError(t, err)

	env.trust.now = func() time.Time { return time.Now().Add(time.Hour) }
	sub, err := env.gate.SubmitVerification(ctx, p, "sid", in)
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ReasonSessionInvalid, verr.Reason)
	require.ErrorIs(t, err, ErrNotTrusted)
	require.True(t, sub.Reused)
	require.Nil(t, sub.Replay)
	require.EqualValues(t, 1, env.matcher.calls.Load())
}

func TestLivenessSessionIsBoundToCreatingSession(t *testing.T) {
	env := newTestEnv(t, "42", enrollment.MethodLiveness)
	env.provider.result = livenessResult(99)
	ctx := context.Background()
	p := Principal{ID: "42", Privileged: true}

	ch, err := env.gate.StartLiveness(ctx, p, "sid-a")
	require.NoError(t, err)

	_, err = env.gate.SubmitVerification(ctx, p, "sid-b", SubmitInput{Evidence: Evidence{LivenessSessionID: ch.SessionID}})
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ReasonSessionInvalid, verr.Reason)
	require.Zero(t, env.provider.calls.Load())

	_, err = env.gate.LivenessResults(ctx, "sid-b", ch.SessionID)
	require.ErrorIs(t, err, ErrLivenessNotBound)
}

func TestLivenessResultsServedFromCache(t *testing.T) {
	env := newTestEnv(t, "42", enrollment.MethodLiveness)
	env.provider.result = livenessResult(93)
	env.matcher.result = matches(biometric.Match{IdentityRef: "42", Similarity: 96})
	ctx := context.Background()
	p := Principal{ID: "42", Privileged: true}

	ch, err := env.gate.StartLiveness(ctx, p, "sid")
	require.NoError(t, err)

	_, err = env.gate.LivenessResults(ctx, "sid", ch.SessionID)
	require.Error(t, err, "results must not be fetched on behalf of the widget")
	require.Zero(t, env.provider.calls.Load())

	_, err = env.gate.SubmitVerification(ctx, p, "sid", SubmitInput{Evidence: Evidence{LivenessSessionID: ch.SessionID}})
	require.NoError(t, err)

	res, err := env.gate.LivenessResults(ctx, "sid", ch.SessionID)
	require.NoError(t, err)
	require.Equal(t, 93.0, res.Confidence)
	require.Nil(t, res.ReferenceImage.Bytes)
	require.True(t, res.ReferenceImage.HasBytes)
	require.EqualValues(t, 1, env.provider.calls.Load())
}

func TestSubmitWithoutEnrollment(t *testing.T) {
	env := newTestEnv(t, "42", "")
	_, err := env.gate.SubmitVerification(context.Background(), Principal{ID: "42", Privileged: true}, "sid", SubmitInput{Evidence: Evidence{Image: []byte("jpeg")}})
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, ReasonNotEnrolled, verr.Reason)
	require.Zero(t, env.matcher.calls.Load())
}

func TestGetInterceptedReplayRequiresTrust(t *testing.T) {
	env := newTestEnv(t, "42", enrollment.MethodImage)
	ctx := context.Background()
	p := Principal{ID: "42", Privileged: true}

	dec, err := env.gate.RequireStepUp(ctx, p, "sid", specialOperation)
	require.NoError(t, err)

	_, err = env.gate.GetInterceptedReplay(ctx, p, "sid", dec.Token)
	require.ErrorIs(t, err, ErrNotTrusted)

	require.NoError(t, env.trust.MarkVerified(ctx, "sid", time.Now()))
	in, err := env.gate.GetInterceptedReplay(ctx, p, "sid", dec.Token)
	require.NoError(t, err)
	require.Equal(t, ReplayResubmit, in.Kind)
	require.Equal(t, map[string]any{"x": "1"}, in.Payload)
}

func TestStatusReportsPendingCapture(t *testing.T) {
	env := newTestEnv(t, "42", enrollment.MethodLiveness)
	ctx := context.Background()
	p := Principal{ID: "42", Privileged: true}

	dec, err := env.gate.RequireStepUp(ctx, p, "sid", specialOperation)
	require.NoError(t, err)

	st, err := env.gate.Status(ctx, p, "sid")
	require.NoError(t, err)
	require.True(t, st.Enrolled)
	require.Equal(t, enrollment.MethodLiveness, st.Method)
	require.False(t, st.Trusted)
	require.EqualValues(t, 300, st.TrustWindow)
	require.NotNil(t, st.Pending)
	require.Equal(t, dec.Token, st.Pending.Token)
	require.Equal(t, "POST", st.Pending.Method)
}
