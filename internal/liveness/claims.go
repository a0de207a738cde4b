package liveness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stepguard/stepguard/internal/biometric"
)

// ClaimStore coordinates provider retrieval across processes. The holder of a
// claim is the only caller allowed to fetch results from the provider; the
// sanitized result it publishes is what every other process observes.
type ClaimStore interface {
	// Claim reserves the session. It returns false when another caller holds
	// or already completed the claim.
	Claim(ctx context.Context, sessionID string, ttl time.Duration) (bool, error)
	// Release gives a claim back after a failed retrieval.
	Release(ctx context.Context, sessionID string) error
	// Publish stores the sanitized result and marks the session consumed.
	Publish(ctx context.Context, res biometric.LivenessResult, ttl time.Duration) error
	// Lookup returns a published result.
	Lookup(ctx context.Context, sessionID string) (biometric.LivenessResult, bool, error)
}

const (
	claimPrefix     = "liveness:v1:claim:"
	resultPrefix    = "liveness:v1:result:"
	consumingMarker = "__consuming__"
	consumedMarker  = "__consumed__"
)

// RedisClaims implements ClaimStore with SETNX markers, the same reservation
// scheme the idempotency middleware uses.
type RedisClaims struct {
	client *redis.Client
}

// NewRedisClaims builds a Redis-backed claim store.
func NewRedisClaims(client *redis.Client) *RedisClaims {
	return &RedisClaims{client: client}
}

func (r *RedisClaims) Claim(ctx context.Context, sessionID string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, claimPrefix+sessionID, consumingMarker, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim liveness session: %w", err)
	}
	return ok, nil
}

// releaseScript only drops the claim while it is still in progress, so a
// published session can never be reclaimed.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *RedisClaims) Release(ctx context.Context, sessionID string) error {
	if err := releaseScript.Run(ctx, r.client, []string{claimPrefix + sessionID}, consumingMarker).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release liveness claim: %w", err)
	}
	return nil
}

func (r *RedisClaims) Publish(ctx context.Context, res biometric.LivenessResult, ttl time.Duration) error {
	payload, err := json.Marshal(res.Sanitized())
	if err != nil {
		return fmt.Errorf("encode liveness result: %w", err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, resultPrefix+res.SessionID, payload, ttl)
		pipe.Set(ctx, claimPrefix+res.SessionID, consumedMarker, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("publish liveness result: %w", err)
	}
	return nil
}

func (r *RedisClaims) Lookup(ctx context.Context, sessionID string) (biometric.LivenessResult, bool, error) {
	raw, err := r.client.Get(ctx, resultPrefix+sessionID).Bytes()
	if errors.Is(err, redis.Nil) {
		return biometric.LivenessResult{}, false, nil
	}
	if err != nil {
		return biometric.LivenessResult{}, false, fmt.Errorf("lookup liveness result: %w", err)
	}
	var res biometric.LivenessResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return biometric.LivenessResult{}, false, fmt.Errorf("decode liveness result: %w", err)
	}
	return res, true, nil
}

type memoryClaim struct {
	marker    string
	result    *biometric.LivenessResult
	expiresAt time.Time
}

// MemoryClaims is a single-process ClaimStore.
type MemoryClaims struct {
	mu     sync.Mutex
	claims map[string]memoryClaim
	now    func() time.Time
}

// NewMemoryClaims builds an in-process claim store.
func NewMemoryClaims() *MemoryClaims {
	return &MemoryClaims{claims: make(map[string]memoryClaim), now: time.Now}
}

func (m *MemoryClaims) Claim(_ context.Context, sessionID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[sessionID]; ok && m.now().Before(c.expiresAt) {
		return false, nil
	}
	m.claims[sessionID] = memoryClaim{marker: consumingMarker, expiresAt: m.now().Add(ttl)}
	return true, nil
}

func (m *MemoryClaims) Release(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.claims[sessionID]; ok && c.marker == consumingMarker {
		delete(m.claims, sessionID)
	}
	return nil
}

func (m *MemoryClaims) Publish(_ context.Context, res biometric.LivenessResult, ttl time.Duration) error {
	clean := res.Sanitized()
	m.mu.Lock()
	m.claims[res.SessionID] = memoryClaim{marker: consumedMarker, result: &clean, expiresAt: m.now().Add(ttl)}
	m.mu.Unlock()
	return nil
}

func (m *MemoryClaims) Lookup(_ context.Context, sessionID string) (biometric.LivenessResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.claims[sessionID]
	if !ok || c.result == nil || !m.now().Before(c.expiresAt) {
		return biometric.LivenessResult{}, false, nil
	}
	return *c.result, true, nil
}
