package stepup

import (
	"context"
	"time"

	"github.com/stepguard/stepguard/internal/session"
)

// IsTrusted reports whether a step-up recorded at lastVerifiedAt is still
// valid at now. Missing or unparseable timestamps are never trusted.
func IsTrusted(lastVerifiedAt string, now time.Time, timeout time.Duration) bool {
	if lastVerifiedAt == "" || timeout < 0 {
		return false
	}
	last, err := time.Parse(time.RFC3339Nano, lastVerifiedAt)
	if err != nil {
		return false
	}
	return now.Sub(last) <= timeout
}

// TrustWindow is the slice of session state holding the last successful
// step-up timestamp.
type TrustWindow struct {
	store   session.Store
	timeout time.Duration
	now     func() time.Time
}

// NewTrustWindow builds a trust window over the session store.
func NewTrustWindow(store session.Store, timeout time.Duration) *TrustWindow {
	return &TrustWindow{store: store, timeout: timeout, now: time.Now}
}

// Timeout returns the configured window length.
func (w *TrustWindow) Timeout() time.Duration {
	return w.timeout
}

// LastVerifiedAt returns the raw stored timestamp.
func (w *TrustWindow) LastVerifiedAt(ctx context.Context, sid string) (string, error) {
	var raw string
	if _, err := w.store.Get(ctx, sid, session.KeyStepUpVerifiedAt, &raw); err != nil {
		return "", err
	}
	return raw, nil
}

// Trusted evaluates the window for sid. Store failures are reported as
// untrusted together with the error.
func (w *TrustWindow) Trusted(ctx context.Context, sid string) (bool, error) {
	raw, err := w.LastVerifiedAt(ctx, sid)
	if err != nil {
		return false, err
	}
	return IsTrusted(raw, w.now(), w.timeout), nil
}

// MarkVerified overwrites the trust timestamp.
func (w *TrustWindow) MarkVerified(ctx context.Context, sid string, at time.Time) error {
	return w.store.Set(ctx, sid, session.KeyStepUpVerifiedAt, at.UTC().Format(time.RFC3339Nano))
}
