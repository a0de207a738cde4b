package liveness

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/stepguard/stepguard/internal/biometric"
	"github.com/stepguard/stepguard/internal/logging"
)

type fakeProvider struct {
	calls   atomic.Int32
	release chan struct{}
	entered chan struct{}
	once    sync.Once

	mu      sync.Mutex
	results []biometric.LivenessResult
	errs    []error
}

func (f *fakeProvider) CreateSession(context.Context, biometric.CreateSessionInput) (string, error) {
	return "sess-new", nil
}

func (f *fakeProvider) GetResult(_ context.Context, sessionID string) (biometric.LivenessResult, error) {
	n := int(f.calls.Add(1)) - 1
	if f.entered != nil {
		f.once.Do(func() { close(f.entered) })
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if n < len(f.errs) && f.errs[n] != nil {
		return biometric.LivenessResult{}, f.errs[n]
	}
	if n < len(f.results) {
		return f.results[n], nil
	}
	return succeeded(sessionID), nil
}

func succeeded(id string) biometric.LivenessResult {
	return biometric.LivenessResult{
		SessionID:      id,
		Status:         biometric.StatusSucceeded,
		Confidence:     92.4,
		ReferenceImage: &biometric.Image{Bytes: []byte("reference-frame")},
	}
}

func newGuard(p biometric.LivenessProvider, claims ClaimStore) *Guard {
	return NewGuard(p, claims, Options{Wait: 200 * time.Millisecond, Timeout: time.Second}, logging.Discard())
}

func TestFetchOnceIsIdempotent(t *testing.T) {
	p := &fakeProvider{}
	g := newGuard(p, NewMemoryClaims())
	ctx := context.Background()

	first, err := g.FetchOnce(ctx, "sess-1")
	require.NoError(t, err)
	second, err := g.FetchOnce(ctx, "sess-1")
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, []byte("reference-frame"), second.ReferenceImage.Bytes)
	require.EqualValues(t, 1, p.calls.Load())

	state, ok := g.State("sess-1")
	require.True(t, ok)
	require.Equal(t, StateConsumed, state)
}

func TestFetchOnceConcurrentCallersShareOneProviderCall(t *testing.T) {
	p := &fakeProvider{release: make(chan struct{}), entered: make(chan struct{})}
	g := newGuard(p, NewMemoryClaims())
	ctx := context.Background()

	const n = 32
	results := make([]biometric.LivenessResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.FetchOnce(ctx, "sess-race")
		}(i)
	}

	<-p.entered
	state, _ := g.State("sess-race")
	require.Equal(t, StateConsuming, state)
	close(p.release)
	wg.Wait()

	require.EqualValues(t, 1, p.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, results[0], results[i])
	}
}

func TestFetchOnceFailureRevertsToUnconsumed(t *testing.T) {
	p := &fakeProvider{errs: []error{errors.New("connection reset")}}
	g := newGuard(p, NewMemoryClaims())
	ctx := context.Background()

	_, err := g.FetchOnce(ctx, "sess-2")
	require.Error(t, err)
	state, _ := g.State("sess-2")
	require.Equal(t, StateUnconsumed, state)

	res, err := g.FetchOnce(ctx, "sess-2")
	require.NoError(t, err)
	require.Equal(t, biometric.StatusSucceeded, res.Status)
	require.EqualValues(t, 2, p.calls.Load())
}

func TestFetchOnceDoesNotCacheUnfinishedSessions(t *testing.T) {
	p := &fakeProvider{results: []biometric.LivenessResult{{Status: biometric.StatusInProgress}}}
	g := newGuard(p, NewMemoryClaims())
	ctx := context.Background()

	_, err := g.FetchOnce(ctx, "sess-3")
	require.ErrorIs(t, err, ErrResultPending)

	res, err := g.FetchOnce(ctx, "sess-3")
	require.NoError(t, err)
	require.Equal(t, "sess-3", res.SessionID)
	require.EqualValues(t, 2, p.calls.Load())
}

func TestFetchOnceProviderConsumedElsewhere(t *testing.T) {
	p := &fakeProvider{errs: []error{biometric.ErrSessionConsumed}}
	g := newGuard(p, NewMemoryClaims())

	_, err := g.FetchOnce(context.Background(), "sess-4")
	require.ErrorIs(t, err, ErrConsumedElsewhere)
	require.ErrorIs(t, err, biometric.ErrSessionConsumed)
}

func TestFetchOnceWaitsOutForeignClaim(t *testing.T) {
	claims := NewMemoryClaims()
	ok, err := claims.Claim(context.Background(), "sess-5", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	p := &fakeProvider{}
	g := newGuard(p, claims)
	_, err = g.FetchOnce(context.Background(), "sess-5")
	require.ErrorIs(t, err, ErrResultPending)
	require.Zero(t, p.calls.Load())
}

func TestFetchOnceAcrossProcessesViaRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	pa, pb := &fakeProvider{}, &fakeProvider{}
	a := newGuard(pa, NewRedisClaims(client))
	b := newGuard(pb, NewRedisClaims(client))

	resA, err := a.FetchOnce(ctx, "sess-6")
	require.NoError(t, err)
	require.NotNil(t, resA.ReferenceImage.Bytes)

	resB, err := b.FetchOnce(ctx, "sess-6")
	require.NoError(t, err)
	require.EqualValues(t, 1, pa.calls.Load())
	require.Zero(t, pb.calls.Load())
	require.Nil(t, resB.ReferenceImage.Bytes)
	require.True(t, resB.ReferenceImage.HasBytes)
	require.Equal(t, len("reference-frame"), resB.ReferenceImage.BytesLength)
	require.Equal(t, resA.Confidence, resB.Confidence)
}

func TestRedisClaimReleasedAfterFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	p := &fakeProvider{errs: []error{errors.New("throttled")}}
	g := newGuard(p, NewRedisClaims(client))
	ctx := context.Background()

	_, err := g.FetchOnce(ctx, "sess-7")
	require.Error(t, err)
	require.False(t, mr.Exists(claimPrefix+"sess-7"))

	_, err = g.FetchOnce(ctx, "sess-7")
	require.NoError(t, err)
	v, err := mr.Get(claimPrefix + "sess-7")
	require.NoError(t, err)
	require.Equal(t, consumedMarker, v)
}

func TestPeekNeverCallsProvider(t *testing.T) {
	p := &fakeProvider{}
	g := newGuard(p, NewMemoryClaims())
	ctx := context.Background()

	_, ok, err := g.Peek(ctx, "sess-8")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = g.FetchOnce(ctx, "sess-8")
	require.NoError(t, err)
	res, ok, err := g.Peek(ctx, "sess-8")
	require.NoError(t, err)
	require.True(t, ok)
	require.Nil(t, res.ReferenceImage.Bytes)
	require.EqualValues(t, 1, p.calls.Load())
}

type fakeIssuer struct{}

func (fakeIssuer) ShortLivedToken(_ context.Context, d time.Duration) (biometric.Credentials, error) {
	return biometric.Credentials{AccessKeyID: "AKIA", SecretAccessKey: "secret", SessionToken: "tok", Expiration: time.Now().Add(d)}, nil
}

func TestStarterTracksSession(t *testing.T) {
	p := &fakeProvider{}
	g := newGuard(p, NewMemoryClaims())
	s := NewStarter(p, fakeIssuer{}, g, "eu-west-1", time.Minute, false)

	ch, err := s.Start(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sess-new", ch.SessionID)
	require.Equal(t, "eu-west-1", ch.Region)
	require.Equal(t, "AKIA", ch.Credentials.AccessKeyID)

	state, ok := g.State("sess-new")
	require.True(t, ok)
	require.Equal(t, StateUnconsumed, state)
}
