package stepup

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stepguard/stepguard/internal/biometric"
	"github.com/stepguard/stepguard/internal/enrollment"
	"github.com/stepguard/stepguard/internal/liveness"
	"github.com/stepguard/stepguard/internal/logging"
	"github.com/stepguard/stepguard/internal/notification"
	"github.com/stepguard/stepguard/internal/session"
)

type fakeMatcher struct {
	calls  atomic.Int32
	result biometric.SearchResult
	err    error
	block  bool
	delay  time.Duration
}

func (m *fakeMatcher) SearchByImage(ctx context.Context, _ []byte, _ string, _ float64) (biometric.SearchResult, error) {
	m.calls.Add(1)
	if m.block {
		<-ctx.Done()
		return biometric.SearchResult{}, ctx.Err()
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	return m.result, m.err
}

func (m *fakeMatcher) IndexFace(context.Context, []byte, string, string) ([]biometric.FaceRecord, error) {
	return nil, nil
}

type fakeProvider struct {
	calls  atomic.Int32
	result biometric.LivenessResult
	err    error
}

func (p *fakeProvider) CreateSession(context.Context, biometric.CreateSessionInput) (string, error) {
	return "live-1", nil
}

func (p *fakeProvider) GetResult(_ context.Context, id string) (biometric.LivenessResult, error) {
	p.calls.Add(1)
	if p.err != nil {
		return biometric.LivenessResult{}, p.err
	}
	res := p.result
	res.SessionID = id
	return res, nil
}

type fakeIssuer struct{}

func (fakeIssuer) ShortLivedToken(_ context.Context, d time.Duration) (biometric.Credentials, error) {
	return biometric.Credentials{AccessKeyID: "AKIA", SecretAccessKey: "s", SessionToken: "t", Expiration: time.Now().Add(d)}, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	kinds []string
}

func (n *recordingNotifier) Send(_ context.Context, m notification.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.kinds = append(n.kinds, m.Kind)
	return nil
}

func (n *recordingNotifier) Kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.kinds...)
}

func livenessResult(confidence float64) biometric.LivenessResult {
	return biometric.LivenessResult{
		Status:         biometric.StatusSucceeded,
		Confidence:     confidence,
		ReferenceImage: &biometric.Image{Bytes: []byte("reference-frame")},
	}
}

func matches(ms ...biometric.Match) biometric.SearchResult {
	return biometric.SearchResult{Matches: ms}
}

type testEnv struct {
	gate        *Gate
	sessions    session.Store
	enrollments enrollment.Repository
	matcher     *fakeMatcher
	provider    *fakeProvider
	guard       *liveness.Guard
	notifier    *recordingNotifier
	trust       *TrustWindow
}

var testPolicy = Policy{ImageMatchThreshold: 85, LivenessMatchThreshold: 85, CollectionID: "users"}

func newTestEnv(t *testing.T, principalID string, method enrollment.Method) *testEnv {
	t.Helper()
	env := &testEnv{
		sessions:    session.NewMemoryStore(),
		enrollments: enrollment.NewMemoryRepository(),
		matcher:     &fakeMatcher{},
		provider:    &fakeProvider{},
		notifier:    &recordingNotifier{},
	}
	if method != "" {
		now := time.Now().UTC()
		require.NoError(t, env.enrollments.Save(context.Background(), enrollment.Enrollment{
			UserID:       principalID,
			Method:       method,
			CollectionID: "users",
			Status:       enrollment.StatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}))
	}
	env.guard = liveness.NewGuard(env.provider, liveness.NewMemoryClaims(), liveness.Options{Wait: 100 * time.Millisecond}, logging.Discard())
	env.trust = NewTrustWindow(env.sessions, 5*time.Minute)
	env.gate = NewGate(GateDeps{
		Trust:       env.trust,
		Arbiter:     NewArbiter(env.matcher, env.guard, testPolicy, time.Second),
		Intercepts:  NewInterceptStore(env.sessions, []string{"_token", "password", "password_confirmation"}, "/dashboard"),
		Enrollments: env.enrollments,
		Sessions:    env.sessions,
		Liveness:    liveness.NewStarter(env.provider, fakeIssuer{}, env.guard, "us-east-1", time.Minute, false),
		Notifier:    env.notifier,
		Logger:      logging.Discard(),
	})
	return env
}
