package session

import (
	"context"
	"errors"
)

// ErrNoSession is returned when an operation is attempted without a session id.
var ErrNoSession = errors.New("session id is required")

// Keys used by the step-up engine inside a session.
const (
	KeyStepUpVerifiedAt   = "stepup_verified_at"
	KeyStepUpIntended     = "stepup_intended"
	KeyStepUpResult       = "stepup_verification_result"
	KeyStepUpLiveness     = "stepup_liveness_session"
	KeyEnrollmentLiveness = "enrollment_liveness_session"
	KeyLivenessOutcome    = "liveness_outcome:"
)

// Store is a session-scoped key/value store. Values are JSON encoded, so
// readers always receive copies.
type Store interface {
	// Get decodes the value for key into dst and reports whether it existed.
	Get(ctx context.Context, sid, key string, dst any) (bool, error)
	// Set overwrites the value for key.
	Set(ctx context.Context, sid, key string, value any) error
	// Pull atomically reads and removes key.
	Pull(ctx context.Context, sid, key string, dst any) (bool, error)
	// Delete removes key.
	Delete(ctx context.Context, sid, key string) error
	// Destroy removes every key of the session.
	Destroy(ctx context.Context, sid string) error
}
