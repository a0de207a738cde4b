package stepup

import (
	"errors"
	"fmt"

	"github.com/stepguard/stepguard/internal/biometric"
	"github.com/stepguard/stepguard/internal/enrollment"
	"github.com/stepguard/stepguard/internal/liveness"
)

// Reason classifies gate decisions and verification results.
type Reason string

const (
	ReasonNotPrivileged          Reason = "not_privileged"
	ReasonTrusted                Reason = "trusted"
	ReasonTrustExpiredOrAbsent   Reason = "trust_expired_or_absent"
	ReasonProviderError          Reason = "provider_error"
	ReasonNoFaceDetected         Reason = "no_face_detected"
	ReasonSessionInvalid         Reason = "session_invalid"
	ReasonFaceNotFound           Reason = "face_not_found"
	ReasonFaceNotMatched         Reason = "face_not_matched"
	ReasonLowLivenessConfidence  Reason = "low_liveness_confidence"
	ReasonSessionAlreadyConsumed Reason = "session_already_consumed"
	ReasonMethodMismatch         Reason = "method_mismatch"
	ReasonNotEnrolled            Reason = "not_enrolled"
)

var (
	// ErrNotTrusted is returned when an operation needs a valid trust window.
	ErrNotTrusted = errors.New("step-up verification required")
	// ErrLivenessNotBound is returned when a liveness session was not opened by the caller's session.
	ErrLivenessNotBound = errors.New("liveness session does not belong to this session")
)

// VerificationError is a verification attempt that could not reach a
// decision.
type VerificationError struct {
	Reason Reason
	Method enrollment.Method
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("stepup verification (%s): %s", e.Method, e.Reason)
	}
	return fmt.Sprintf("stepup verification (%s): %s: %v", e.Method, e.Reason, e.Err)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same evidence may succeed on a later attempt.
func (e *VerificationError) Retryable() bool {
	return e.Reason == ReasonProviderError || e.Reason == ReasonSessionAlreadyConsumed
}

func verificationError(method enrollment.Method, err error) *VerificationError {
	return &VerificationError{Reason: classify(err), Method: method, Err: err}
}

func classify(err error) Reason {
	switch {
	case errors.Is(err, biometric.ErrNoFaceDetected):
		return ReasonNoFaceDetected
	case errors.Is(err, biometric.ErrSessionNotFound), errors.Is(err, liveness.ErrInvalidSession), errors.Is(err, ErrLivenessNotBound):
		return ReasonSessionInvalid
	case errors.Is(err, biometric.ErrSessionConsumed), errors.Is(err, liveness.ErrConsumedElsewhere):
		return ReasonSessionAlreadyConsumed
	default:
		return ReasonProviderError
	}
}

// Tips returns user-facing hints for a rejection reason.
func Tips(r Reason) []string {
	switch r {
	case ReasonNoFaceDetected, ReasonFaceNotFound:
		return []string{"Make sure your face is fully visible and well lit.", "Remove sunglasses or hats."}
	case ReasonFaceNotMatched:
		return []string{"Look straight at the camera.", "Use the same person who enrolled this account."}
	case ReasonLowLivenessConfidence:
		return []string{"Hold the device steady and follow the on-screen prompts.", "Avoid strong backlight."}
	case ReasonSessionInvalid:
		return []string{"Start a new liveness check."}
	case ReasonProviderError, ReasonSessionAlreadyConsumed:
		return []string{"Please try again in a moment."}
	case ReasonNotEnrolled:
		return []string{"Register your face before continuing."}
	default:
		return nil
	}
}
