package stepup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stepguard/stepguard/internal/session"
)

// ErrInvalidTarget is returned when a captured URL cannot be parsed.
var ErrInvalidTarget = errors.New("invalid request target")

// CapturedRequest is a privileged request held back until step-up succeeds.
type CapturedRequest struct {
	Token       string         `json:"token"`
	Method      string         `json:"method"`
	URL         string         `json:"url"`
	Payload     map[string]any `json:"payload,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	CapturedAt  time.Time      `json:"captured_at"`
}

// ReplayKind tells the client how to continue after verification.
type ReplayKind string

const (
	// ReplayRedirect is a plain navigation to URL.
	ReplayRedirect ReplayKind = "redirect"
	// ReplayResubmit repeats the original method with the original payload.
	ReplayResubmit ReplayKind = "resubmit"
)

// ReplayInstruction describes how to resume the intercepted request.
type ReplayInstruction struct {
	Kind        ReplayKind     `json:"kind"`
	Method      string         `json:"method"`
	URL         string         `json:"url"`
	Payload     map[string]any `json:"payload,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	// Fallback is set when nothing was captured and URL is the home destination.
	Fallback bool `json:"fallback,omitempty"`
}

// InterceptStore keeps at most one captured request per session.
type InterceptStore struct {
	store     session.Store
	sensitive map[string]struct{}
	home      string
	now       func() time.Time
}

// NewInterceptStore builds a store that strips sensitiveKeys (case
// insensitive) from payloads and query strings and falls back to home when
// nothing was captured.
func NewInterceptStore(store session.Store, sensitiveKeys []string, home string) *InterceptStore {
	keys := make(map[string]struct{}, len(sensitiveKeys))
	for _, k := range sensitiveKeys {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			keys[k] = struct{}{}
		}
	}
	if home == "" {
		home = "/"
	}
	return &InterceptStore{store: store, sensitive: keys, home: home, now: time.Now}
}

// Capture records req for sid, replacing any earlier capture, and returns the
// replay token.
func (s *InterceptStore) Capture(ctx context.Context, sid string, req CapturedRequest) (string, error) {
	target, err := s.canonicalURL(req.URL)
	if err != nil {
		return "", err
	}
	captured := CapturedRequest{
		Token:       uuid.NewString(),
		Method:      strings.ToUpper(req.Method),
		URL:         target,
		Payload:     s.sanitize(req.Payload),
		ContentType: req.ContentType,
		CapturedAt:  s.now().UTC(),
	}
	if captured.Method == "" {
		captured.Method = http.MethodGet
	}
	if err := s.store.Set(ctx, sid, session.KeyStepUpIntended, captured); err != nil {
		return "", err
	}
	return captured.Token, nil
}

// Peek returns the current capture without consuming it.
func (s *InterceptStore) Peek(ctx context.Context, sid string) (CapturedRequest, bool, error) {
	var captured CapturedRequest
	ok, err := s.store.Get(ctx, sid, session.KeyStepUpIntended, &captured)
	return captured, ok, err
}

// ConsumeAndReplay removes the capture and turns it into a replay
// instruction. An empty token selects whatever is captured. When nothing
// matches, the instruction redirects to the home destination.
func (s *InterceptStore) ConsumeAndReplay(ctx context.Context, sid, token string) (ReplayInstruction, error) {
	if token != "" {
		current, ok, err := s.Peek(ctx, sid)
		if err != nil {
			return ReplayInstruction{}, err
		}
		if !ok || current.Token != token {
			return s.fallback(), nil
		}
	}

	var captured CapturedRequest
	ok, err := s.store.Pull(ctx, sid, session.KeyStepUpIntended, &captured)
	if err != nil {
		return ReplayInstruction{}, err
	}
	if !ok {
		return s.fallback(), nil
	}
	if token != "" && captured.Token != token {
		// replaced between peek and pull; keep the newer capture
		if err := s.store.Set(ctx, sid, session.KeyStepUpIntended, captured); err != nil {
			return ReplayInstruction{}, err
		}
		return s.fallback(), nil
	}
	return replayFor(captured), nil
}

func replayFor(c CapturedRequest) ReplayInstruction {
	if isSafeMethod(c.Method) {
		return ReplayInstruction{Kind: ReplayRedirect, Method: http.MethodGet, URL: c.URL}
	}
	return ReplayInstruction{
		Kind:        ReplayResubmit,
		Method:      c.Method,
		URL:         c.URL,
		Payload:     c.Payload,
		ContentType: c.ContentType,
	}
}

func (s *InterceptStore) fallback() ReplayInstruction {
	return ReplayInstruction{Kind: ReplayRedirect, Method: http.MethodGet, URL: s.home, Fallback: true}
}

func isSafeMethod(m string) bool {
	switch strings.ToUpper(m) {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

// canonicalURL drops the fragment and sensitive query keys and sorts the
// query.
func (s *InterceptStore) canonicalURL(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", ErrInvalidTarget
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	for k := range q {
		if s.isSensitive(k) {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *InterceptStore) isSensitive(key string) bool {
	_, ok := s.sensitive[strings.ToLower(key)]
	return ok
}

func (s *InterceptStore) sanitize(payload map[string]any) map[string]any {
	if len(payload) == 0 {
		return nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		if s.isSensitive(k) {
			continue
		}
		out[k] = s.sanitizeValue(v)
	}
	return out
}

func (s *InterceptStore) sanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return s.sanitize(t)
	case []any:
		items := make([]any, len(t))
		for i, item := range t {
			items[i] = s.sanitizeValue(item)
		}
		return items
	default:
		return v
	}
}
