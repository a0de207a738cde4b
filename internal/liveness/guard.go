// Package liveness guarantees that the results of a liveness session are
// retrieved from the provider at most once, no matter how many callers race
// for them.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stepguard/stepguard/internal/biometric"
	"github.com/stepguard/stepguard/internal/telemetry"
)

var (
	// ErrResultPending is returned while the provider has not finished the
	// session, or while another process still holds the retrieval claim.
	// Callers may retry.
	ErrResultPending = errors.New("liveness result not ready")
	// ErrConsumedElsewhere is returned when the provider already handed the
	// results to a caller this service does not control.
	ErrConsumedElsewhere = errors.New("liveness results consumed outside the guard")
	// ErrInvalidSession is returned for an empty session id.
	ErrInvalidSession = errors.New("liveness session id is required")
)

// errClaimed signals that a waiter picked up a claim released by its holder.
var errClaimed = errors.New("claim acquired")

// errNotPublished keeps the backoff loop polling.
var errNotPublished = errors.New("result not published yet")

// State is the consumption state of a liveness session handle.
type State int

const (
	StateUnconsumed State = iota
	StateConsuming
	StateConsumed
)

func (s State) String() string {
	switch s {
	case StateConsuming:
		return "consuming"
	case StateConsumed:
		return "consumed"
	default:
		return "unconsumed"
	}
}

// Options tunes the guard.
type Options struct {
	// ClaimTTL bounds how long a crashed holder can block other processes.
	ClaimTTL time.Duration
	// ResultTTL is how long retrieved results stay cached.
	ResultTTL time.Duration
	// Wait bounds how long a caller waits for another process to publish.
	Wait time.Duration
	// Timeout bounds a single provider call.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = 2 * time.Minute
	}
	if o.ResultTTL <= 0 {
		o.ResultTTL = 10 * time.Minute
	}
	if o.Wait <= 0 {
		o.Wait = 15 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	return o
}

type attempt struct {
	done chan struct{}
	res  biometric.LivenessResult
	err  error
}

type handle struct {
	state    State
	inflight *attempt
	result   biometric.LivenessResult
	touched  time.Time
}

// Guard holds the per-session state machine unconsumed → consuming → consumed.
// Within one process, concurrent callers for the same session share a single
// provider call. Across processes the ClaimStore elects the caller that talks
// to the provider.
type Guard struct {
	provider biometric.LivenessProvider
	claims   ClaimStore
	logger   *slog.Logger
	opts     Options
	now      func() time.Time

	mu      sync.Mutex
	handles map[string]*handle
}

// NewGuard builds a guard over provider.
func NewGuard(provider biometric.LivenessProvider, claims ClaimStore, opts Options, logger *slog.Logger) *Guard {
	if claims == nil {
		claims = NewMemoryClaims()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{
		provider: provider,
		claims:   claims,
		logger:   logger,
		opts:     opts.withDefaults(),
		now:      time.Now,
		handles:  make(map[string]*handle),
	}
}

// Track registers a freshly created session as unconsumed.
func (g *Guard) Track(sessionID string) {
	if sessionID == "" {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sweepLocked()
	if _, ok := g.handles[sessionID]; !ok {
		g.handles[sessionID] = &handle{touched: g.now()}
	}
}

// State reports the local state of a session handle.
func (g *Guard) State(sessionID string) (State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.handles[sessionID]
	if !ok {
		return StateUnconsumed, false
	}
	return h.state, true
}

// FetchOnce returns the session result, calling the provider only when no
// caller has retrieved it before. The returned result may share image bytes
// with other callers and must not be modified.
//
// A result obtained from another process is sanitized: its images carry no
// bytes.
func (g *Guard) FetchOnce(ctx context.Context, sessionID string) (biometric.LivenessResult, error) {
	if sessionID == "" {
		return biometric.LivenessResult{}, ErrInvalidSession
	}
	ctx, span := telemetry.Tracer().Start(ctx, "liveness.fetch_once")
	defer span.End()
	span.SetAttributes(attribute.String("liveness.session_id", sessionID))

	g.mu.Lock()
	g.sweepLocked()
	h, ok := g.handles[sessionID]
	if !ok {
		h = &handle{}
		g.handles[sessionID] = h
	}
	h.touched = g.now()

	switch h.state {
	case StateConsumed:
		res := h.result
		g.mu.Unlock()
		span.SetAttributes(attribute.String("liveness.source", "cache"))
		return res, nil
	case StateConsuming:
		a := h.inflight
		g.mu.Unlock()
		span.SetAttributes(attribute.String("liveness.source", "inflight"))
		select {
		case <-a.done:
			return a.res, a.err
		case <-ctx.Done():
			return biometric.LivenessResult{}, ctx.Err()
		}
	}

	a := &attempt{done: make(chan struct{})}
	h.state = StateConsuming
	h.inflight = a
	g.mu.Unlock()

	// The provider may consume the session even when the caller goes away, so
	// the retrieval outlives the request that started it.
	res, err := g.retrieve(context.WithoutCancel(ctx), sessionID)

	g.mu.Lock()
	h.inflight = nil
	h.touched = g.now()
	if err != nil {
		h.state = StateUnconsumed
	} else {
		h.state = StateConsumed
		h.result = res
	}
	a.res, a.err = res, err
	close(a.done)
	g.mu.Unlock()

	telemetry.Fail(span, err)
	return res, err
}

// Peek returns a sanitized copy of an already retrieved result without ever
// calling the provider.
func (g *Guard) Peek(ctx context.Context, sessionID string) (biometric.LivenessResult, bool, error) {
	g.mu.Lock()
	h, ok := g.handles[sessionID]
	if ok && h.state == StateConsumed {
		res := h.result.Sanitized()
		g.mu.Unlock()
		return res, true, nil
	}
	g.mu.Unlock()
	return g.claims.Lookup(ctx, sessionID)
}

func (g *Guard) retrieve(ctx context.Context, sessionID string) (biometric.LivenessResult, error) {
	claimed, err := g.claims.Claim(ctx, sessionID, g.opts.ClaimTTL)
	if err != nil {
		return biometric.LivenessResult{}, err
	}
	if !claimed {
		res, err := g.awaitRemote(ctx, sessionID)
		if !errors.Is(err, errClaimed) {
			return res, err
		}
	}
	return g.consume(ctx, sessionID)
}

// consume runs with the claim held.
func (g *Guard) consume(ctx context.Context, sessionID string) (biometric.LivenessResult, error) {
	pctx, cancel := context.WithTimeout(ctx, g.opts.Timeout)
	res, err := g.provider.GetResult(pctx, sessionID)
	cancel()
	if err != nil {
		g.release(ctx, sessionID)
		if errors.Is(err, biometric.ErrSessionConsumed) {
			if published, ok, lerr := g.claims.Lookup(ctx, sessionID); lerr == nil && ok {
				return published, nil
			}
			return biometric.LivenessResult{}, fmt.Errorf("%w: %w", ErrConsumedElsewhere, err)
		}
		return biometric.LivenessResult{}, fmt.Errorf("get liveness result: %w", err)
	}
	if res.SessionID == "" {
		res.SessionID = sessionID
	}
	if !res.Final() {
		g.release(ctx, sessionID)
		return biometric.LivenessResult{}, fmt.Errorf("%w: status %s", ErrResultPending, res.Status)
	}

	if err := g.claims.Publish(ctx, res, g.opts.ResultTTL); err != nil {
		g.logger.Warn("liveness result not published", "liveness_session_id", sessionID, "error", err)
	}
	g.logger.Info("liveness result retrieved", "liveness_session_id", sessionID, "status", res.Status)
	return res, nil
}

func (g *Guard) awaitRemote(ctx context.Context, sessionID string) (biometric.LivenessResult, error) {
	op := func() (biometric.LivenessResult, error) {
		res, ok, err := g.claims.Lookup(ctx, sessionID)
		if err != nil {
			return res, backoff.Permanent(err)
		}
		if ok {
			return res, nil
		}
		claimed, err := g.claims.Claim(ctx, sessionID, g.opts.ClaimTTL)
		if err != nil {
			return res, backoff.Permanent(err)
		}
		if claimed {
			return res, backoff.Permanent(errClaimed)
		}
		return res, errNotPublished
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	res, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(g.opts.Wait))
	if errors.Is(err, errNotPublished) {
		return res, fmt.Errorf("%w: claim held by another process", ErrResultPending)
	}
	return res, err
}

func (g *Guard) release(ctx context.Context, sessionID string) {
	if err := g.claims.Release(ctx, sessionID); err != nil {
		g.logger.Warn("liveness claim not released", "liveness_session_id", sessionID, "error", err)
	}
}

func (g *Guard) sweepLocked() {
	cutoff := g.now().Add(-g.opts.ResultTTL)
	for id, h := range g.handles {
		if h.state != StateConsuming && h.touched.Before(cutoff) {
			delete(g.handles, id)
		}
	}
}
