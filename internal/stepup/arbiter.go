package stepup

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/stepguard/stepguard/internal/biometric"
	"github.com/stepguard/stepguard/internal/enrollment"
	"github.com/stepguard/stepguard/internal/telemetry"
)

// LivenessFetcher retrieves liveness results at most once per session.
type LivenessFetcher interface {
	FetchOnce(ctx context.Context, sessionID string) (biometric.LivenessResult, error)
}

// Policy holds the acceptance thresholds, one per method.
type Policy struct {
	ImageMatchThreshold    float64
	LivenessMatchThreshold float64
	CollectionID           string
}

// Threshold returns the percentage both confidences must reach for method.
func (p Policy) Threshold(m enrollment.Method) float64 {
	if m == enrollment.MethodLiveness {
		return p.LivenessMatchThreshold
	}
	return p.ImageMatchThreshold
}

// Evidence is what the client submitted for a verification attempt.
type Evidence struct {
	Image             []byte
	LivenessSessionID string
}

// Request is one verification attempt.
type Request struct {
	PrincipalID string
	Enrolled    enrollment.Method
	Method      enrollment.Method
	Evidence    Evidence
}

// Outcome is the result of an attempt. It never carries image bytes.
type Outcome struct {
	Method             enrollment.Method         `json:"method"`
	Accepted           bool                      `json:"accepted"`
	Reason             Reason                    `json:"reason,omitempty"`
	MatchConfidence    *float64                  `json:"match_confidence,omitempty"`
	LivenessConfidence *float64                  `json:"liveness_confidence,omitempty"`
	MatchedIdentity    string                    `json:"matched_identity,omitempty"`
	FaceID             string                    `json:"face_id,omitempty"`
	Candidates         int                       `json:"candidates"`
	Threshold          float64                   `json:"threshold"`
	CheckedAt          time.Time                 `json:"checked_at"`
	LivenessSessionID  string                    `json:"liveness_session_id,omitempty"`
	Evidence           *biometric.LivenessResult `json:"evidence,omitempty"`
}

// Arbiter decides verification attempts. It has no side effects beyond the
// queries it sends to its collaborators.
type Arbiter struct {
	matcher biometric.FaceMatcher
	fetcher LivenessFetcher
	policy  Policy
	timeout time.Duration
	now     func() time.Time
}

// NewArbiter builds an arbiter. timeout bounds each face search.
func NewArbiter(matcher biometric.FaceMatcher, fetcher LivenessFetcher, policy Policy, timeout time.Duration) *Arbiter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Arbiter{
		matcher: matcher,
		fetcher: fetcher,
		policy:  policy,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Policy returns the arbiter's thresholds.
func (a *Arbiter) Policy() Policy {
	return a.policy
}

// Verify runs the strategy of the enrolled method. A nil error means a
// decision was reached, accepted or not; a *VerificationError means it could
// not be. The returned Outcome is filled as far as the attempt got in both
// cases.
func (a *Arbiter) Verify(ctx context.Context, req Request) (Outcome, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "stepup.arbiter.verify")
	defer span.End()
	span.SetAttributes(attribute.String("stepup.method", string(req.Method)))

	out := Outcome{
		Method:            req.Method,
		Threshold:         a.policy.Threshold(req.Enrolled),
		CheckedAt:         a.now(),
		LivenessSessionID: req.Evidence.LivenessSessionID,
	}
	if req.Method != req.Enrolled {
		out.Reason = ReasonMethodMismatch
		return out, &VerificationError{Reason: ReasonMethodMismatch, Method: req.Method}
	}

	var err error
	switch req.Enrolled {
	case enrollment.MethodImage:
		out, err = a.verifyImage(ctx, req, out)
	case enrollment.MethodLiveness:
		out, err = a.verifyLiveness(ctx, req, out)
	default:
		err = &VerificationError{Reason: ReasonMethodMismatch, Method: req.Method, Err: enrollment.ErrUnknownMethod}
	}
	var verr *VerificationError
	if errors.As(err, &verr) {
		out.Accepted = false
		out.Reason = verr.Reason
	}
	telemetry.Fail(span, err)
	span.SetAttributes(attribute.Bool("stepup.accepted", out.Accepted), attribute.String("stepup.reason", string(out.Reason)))
	return out, err
}

func (a *Arbiter) verifyImage(ctx context.Context, req Request, out Outcome) (Outcome, error) {
	if len(req.Evidence.Image) == 0 {
		return out, &VerificationError{Reason: ReasonNoFaceDetected, Method: req.Method, Err: biometric.ErrNoFaceDetected}
	}
	res, err := a.search(ctx, req.Evidence.Image, out.Threshold)
	if err != nil {
		return out, verificationError(req.Method, err)
	}
	return decide(out, res, req.PrincipalID), nil
}

func (a *Arbiter) verifyLiveness(ctx context.Context, req Request, out Outcome) (Outcome, error) {
	id := req.Evidence.LivenessSessionID
	if id == "" {
		return out, &VerificationError{Reason: ReasonSessionInvalid, Method: req.Method}
	}
	res, err := a.fetcher.FetchOnce(ctx, id)
	if err != nil {
		return out, verificationError(req.Method, err)
	}
	clean := res.Sanitized()
	out.Evidence = &clean
	confidence := res.Confidence
	out.LivenessConfidence = &confidence

	if res.Status != biometric.StatusSucceeded {
		return out, &VerificationError{Reason: ReasonSessionInvalid, Method: req.Method, Err: biometric.ErrSessionNotFound}
	}
	ref := res.ReferenceImage
	if ref == nil || len(ref.Bytes) == 0 {
		// A reference without bytes was retrieved by another process.
		if ref != nil && ref.HasBytes {
			return out, &VerificationError{Reason: ReasonSessionAlreadyConsumed, Method: req.Method, Err: biometric.ErrSessionConsumed}
		}
		return out, &VerificationError{Reason: ReasonNoFaceDetected, Method: req.Method, Err: biometric.ErrNoFaceDetected}
	}

	search, err := a.search(ctx, ref.Bytes, out.Threshold)
	if err != nil {
		return out, verificationError(req.Method, err)
	}
	out = decide(out, search, req.PrincipalID)
	if res.Confidence < out.Threshold {
		out.Accepted = false
		out.Reason = ReasonLowLivenessConfidence
	}
	return out, nil
}

func (a *Arbiter) search(ctx context.Context, image []byte, threshold float64) (biometric.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.matcher.SearchByImage(ctx, image, a.policy.CollectionID, threshold)
}

// decide applies the identity-bound acceptance rule to the top ranked match.
func decide(out Outcome, res biometric.SearchResult, principalID string) Outcome {
	out.Candidates = len(res.Matches)
	top, ok := topMatch(res.Matches)
	if !ok {
		out.Reason = ReasonFaceNotFound
		return out
	}
	similarity := top.Similarity
	out.MatchConfidence = &similarity
	out.MatchedIdentity = top.IdentityRef
	out.FaceID = top.FaceID
	if top.IdentityRef != principalID || top.Similarity < out.Threshold {
		out.Reason = ReasonFaceNotMatched
		return out
	}
	out.Accepted = true
	out.Reason = ""
	return out
}

// topMatch returns the highest similarity; ties keep provider order.
func topMatch(matches []biometric.Match) (biometric.Match, bool) {
	if len(matches) == 0 {
		return biometric.Match{}, false
	}
	top := matches[0]
	for _, m := range matches[1:] {
		if m.Similarity > top.Similarity {
			top = m
		}
	}
	return top, true
}
