package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"golang.org/x/time/rate"
)

// VerifyRateLimit throttles biometric verification attempts per principal.
// Each principal gets perMinute attempts refilled evenly, with a burst of the
// same size. Limiters idle for longer than idleTTL are dropped.
func VerifyRateLimit(perMinute int, idleTTL time.Duration) fiber.Handler {
	if perMinute <= 0 {
		perMinute = 10
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	l := &principalLimiters{
		limit:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		idleTTL: idleTTL,
		entries: make(map[string]*limiterEntry),
	}
	return func(c *fiber.Ctx) error {
		key, _ := c.Locals("user_id").(string)
		if key == "" {
			key = c.IP()
		}
		lim := l.get(key, time.Now())
		if !lim.Allow() {
			retry := time.Duration(float64(time.Second) / float64(l.limit))
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(retry.Seconds())+1))
			return fiber.NewError(http.StatusTooManyRequests, "too many verification attempts, try again later")
		}
		return c.Next()
	}
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type principalLimiters struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	idleTTL time.Duration
	entries map[string]*limiterEntry
	swept   time.Time
}

func (p *principalLimiters) get(key string, now time.Time) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if now.Sub(p.swept) > p.idleTTL {
		for k, e := range p.entries {
			if now.Sub(e.lastSeen) > p.idleTTL {
				delete(p.entries, k)
			}
		}
		p.swept = now
	}

	e, ok := p.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		// Request-derived keys may alias fasthttp buffers.
		p.entries[utils.CopyString(key)] = e
	}
	e.lastSeen = now
	return e.limiter
}
