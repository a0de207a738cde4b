// Package stepup implements biometric step-up re-authentication for
// privileged principals: the trust window, the verification arbiter, the
// intercepted request store and the gate that ties them together.
package stepup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/stepguard/stepguard/internal/biometric"
	"github.com/stepguard/stepguard/internal/enrollment"
	"github.com/stepguard/stepguard/internal/liveness"
	"github.com/stepguard/stepguard/internal/notification"
	"github.com/stepguard/stepguard/internal/session"
	"github.com/stepguard/stepguard/internal/telemetry"
)

// Principal is the authenticated caller.
type Principal struct {
	ID         string
	Privileged bool
}

// Decision is the gate's answer for a privileged request.
type Decision struct {
	Allowed bool
	Reason  Reason
	// Token identifies the captured request when a challenge is issued.
	Token string
}

// Submission is the result of SubmitVerification.
type Submission struct {
	Outcome Outcome            `json:"outcome"`
	Replay  *ReplayInstruction `json:"replay,omitempty"`
	// Reused is set when the outcome was recorded by an earlier call for the
	// same liveness session.
	Reused bool `json:"reused,omitempty"`
}

// Enrollments is the part of the enrollment store the gate needs.
type Enrollments interface {
	Get(ctx context.Context, userID string) (enrollment.Enrollment, error)
	MarkVerified(ctx context.Context, userID string, at time.Time) error
}

// LivenessSessions opens liveness sessions and serves cached results.
type LivenessSessions interface {
	Start(ctx context.Context) (liveness.Challenge, error)
	Peek(ctx context.Context, sessionID string) (biometric.LivenessResult, bool, error)
}

// livenessRecord is what a liveness session id resolves to once decided.
type livenessRecord struct {
	Outcome   Outcome            `json:"outcome"`
	Replay    *ReplayInstruction `json:"replay,omitempty"`
	ErrReason Reason             `json:"err_reason,omitempty"`
}

// Gate orchestrates step-up: it challenges untrusted privileged requests and
// turns accepted verifications into a refreshed trust window and a replay.
type Gate struct {
	trust       *TrustWindow
	arbiter     *Arbiter
	intercepts  *InterceptStore
	enrollments Enrollments
	sessions    session.Store
	liveness    LivenessSessions
	notifier    notification.Notifier
	logger      *slog.Logger
	now         func() time.Time
	flights     singleflight.Group
}

// GateDeps groups the collaborators of a Gate.
type GateDeps struct {
	Trust       *TrustWindow
	Arbiter     *Arbiter
	Intercepts  *InterceptStore
	Enrollments Enrollments
	Sessions    session.Store
	Liveness    LivenessSessions
	Notifier    notification.Notifier
	Logger      *slog.Logger
}

// NewGate builds a gate.
func NewGate(d GateDeps) *Gate {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		trust:       d.Trust,
		arbiter:     d.Arbiter,
		intercepts:  d.Intercepts,
		enrollments: d.Enrollments,
		sessions:    d.Sessions,
		liveness:    d.Liveness,
		notifier:    d.Notifier,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// RequireStepUp decides whether req may proceed. Non-privileged principals
// always pass; privileged ones pass inside the trust window. Otherwise req is
// captured for replay and a challenge is returned.
func (g *Gate) RequireStepUp(ctx context.Context, p Principal, sid string, req CapturedRequest) (Decision, error) {
	if !p.Privileged {
		return Decision{Allowed: true, Reason: ReasonNotPrivileged}, nil
	}
	trusted, err := g.trust.Trusted(ctx, sid)
	if err != nil {
		g.logger.Warn("trust window unreadable", "user_id", p.ID, "session_id", sid, "error", err)
	}
	if trusted {
		return Decision{Allowed: true, Reason: ReasonTrusted}, nil
	}

	token, err := g.intercepts.Capture(ctx, sid, req)
	if err != nil {
		return Decision{}, fmt.Errorf("capture request: %w", err)
	}
	g.logger.Info("step-up required", "user_id", p.ID, "session_id", sid, "method", req.Method)
	return Decision{Reason: ReasonTrustExpiredOrAbsent, Token: token}, nil
}

// SubmitInput is one verification attempt from the client.
type SubmitInput struct {
	// Method may be empty, in which case the enrolled method is used.
	Method      enrollment.Method
	Evidence    Evidence
	ReplayToken string
}

// SubmitVerification verifies the evidence and, on acceptance, refreshes the
// trust window, marks the enrollment verified and consumes the captured
// request. A *VerificationError is returned with a filled Submission when no
// decision could be made.
func (g *Gate) SubmitVerification(ctx context.Context, p Principal, sid string, in SubmitInput) (Submission, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "stepup.gate.submit")
	defer span.End()

	enr, err := g.enrollments.Get(ctx, p.ID)
	if errors.Is(err, enrollment.ErrNotFound) {
		out := Outcome{Method: in.Method, Reason: ReasonNotEnrolled, CheckedAt: g.now()}
		verr := &VerificationError{Reason: ReasonNotEnrolled, Method: in.Method, Err: err}
		g.finishRejected(ctx, p, sid, out, verr)
		return Submission{Outcome: out}, verr
	}
	if err != nil {
		telemetry.Fail(span, err)
		return Submission{}, fmt.Errorf("load enrollment: %w", err)
	}
	method := in.Method
	if method == "" {
		method = enr.Method
	}
	span.SetAttributes(attribute.String("stepup.method", string(method)))

	if method != enrollment.MethodLiveness {
		return g.decide(ctx, p, sid, enr, method, in, "")
	}

	livenessID := in.Evidence.LivenessSessionID
	if err := g.checkBound(ctx, sid, livenessID); err != nil {
		verr := verificationError(method, err)
		out := Outcome{Method: method, Reason: verr.Reason, CheckedAt: g.now(), LivenessSessionID: livenessID}
		g.finishRejected(ctx, p, sid, out, verr)
		return Submission{Outcome: out}, verr
	}
	if rec, ok := g.recorded(ctx, sid, livenessID); ok {
		return g.reuse(ctx, sid, rec)
	}

	// Completion calls for one liveness session share a single decision.
	led := false
	v, err, _ := g.flights.Do(sid+"\x00"+livenessID, func() (any, error) {
		led = true
		if rec, ok := g.recorded(ctx, sid, livenessID); ok {
			return g.reuse(ctx, sid, rec)
		}
		return g.decide(context.WithoutCancel(ctx), p, sid, enr, method, in, livenessID)
	})
	sub, _ := v.(Submission)
	if !led {
		sub.Reused = true
	}
	return sub, err
}

// decide runs the arbiter and applies its outcome. A non-empty livenessID
// records the decision for later calls with the same session.
func (g *Gate) decide(ctx context.Context, p Principal, sid string, enr enrollment.Enrollment, method enrollment.Method, in SubmitInput, livenessID string) (Submission, error) {
	span := trace.SpanFromContext(ctx)
	out, err := g.arbiter.Verify(ctx, Request{
		PrincipalID: p.ID,
		Enrolled:    enr.Method,
		Method:      method,
		Evidence:    in.Evidence,
	})

	var verr *VerificationError
	if errors.As(err, &verr) {
		if verr.Reason == ReasonSessionAlreadyConsumed {
			// The authoritative path may already have decided this session.
			if rec, ok := g.recorded(ctx, sid, livenessID); ok {
				return g.reuse(ctx, sid, rec)
			}
		}
		g.finishRejected(ctx, p, sid, out, verr)
		if livenessID != "" && !verr.Retryable() {
			g.remember(ctx, sid, livenessID, livenessRecord{Outcome: out, ErrReason: verr.Reason})
		}
		telemetry.Fail(span, err)
		return Submission{Outcome: out}, verr
	}
	if err != nil {
		telemetry.Fail(span, err)
		return Submission{}, err
	}

	if !out.Accepted {
		g.finishRejected(ctx, p, sid, out, nil)
		if livenessID != "" {
			g.remember(ctx, sid, livenessID, livenessRecord{Outcome: out})
		}
		return Submission{Outcome: out}, nil
	}

	replay, err := g.accept(ctx, p, sid, out, in.ReplayToken)
	if err != nil {
		telemetry.Fail(span, err)
		return Submission{}, err
	}
	if livenessID != "" {
		g.remember(ctx, sid, livenessID, livenessRecord{Outcome: out, Replay: &replay})
	}
	return Submission{Outcome: out, Replay: &replay}, nil
}

func (g *Gate) accept(ctx context.Context, p Principal, sid string, out Outcome, token string) (ReplayInstruction, error) {
	at := out.CheckedAt
	if err := g.enrollments.MarkVerified(ctx, p.ID, at); err != nil {
		return ReplayInstruction{}, fmt.Errorf("mark enrollment verified: %w", err)
	}
	if err := g.trust.MarkVerified(ctx, sid, at); err != nil {
		return ReplayInstruction{}, fmt.Errorf("refresh trust window: %w", err)
	}
	g.storeOutcome(ctx, sid, out)
	replay, err := g.intercepts.ConsumeAndReplay(ctx, sid, token)
	if err != nil {
		return ReplayInstruction{}, fmt.Errorf("consume captured request: %w", err)
	}
	g.logger.Info("step-up verified", "user_id", p.ID, "session_id", sid, "method", out.Method, "replay", replay.Kind)
	g.notify(ctx, notification.KindStepUpVerified, p, out)
	return replay, nil
}

func (g *Gate) finishRejected(ctx context.Context, p Principal, sid string, out Outcome, verr *VerificationError) {
	g.storeOutcome(ctx, sid, out)
	attrs := []any{"user_id", p.ID, "session_id", sid, "method", out.Method, "reason", out.Reason}
	if verr != nil {
		attrs = append(attrs, "error", verr.Err)
	}
	g.logger.Info("step-up rejected", attrs...)
	g.notify(ctx, notification.KindStepUpRejected, p, out)
}

func (g *Gate) storeOutcome(ctx context.Context, sid string, out Outcome) {
	if err := g.sessions.Set(ctx, sid, session.KeyStepUpResult, out); err != nil {
		g.logger.Warn("verification outcome not stored", "session_id", sid, "error", err)
	}
}

func (g *Gate) remember(ctx context.Context, sid, livenessID string, rec livenessRecord) {
	if err := g.sessions.Set(ctx, sid, session.KeyLivenessOutcome+livenessID, rec); err != nil {
		g.logger.Warn("liveness outcome not stored", "session_id", sid, "liveness_session_id", livenessID, "error", err)
	}
}

// recorded returns the decision already made for a liveness session.
func (g *Gate) recorded(ctx context.Context, sid, livenessID string) (livenessRecord, bool) {
	if livenessID == "" {
		return livenessRecord{}, false
	}
	var rec livenessRecord
	ok, err := g.sessions.Get(ctx, sid, session.KeyLivenessOutcome+livenessID, &rec)
	if err != nil || !ok {
		return livenessRecord{}, false
	}
	return rec, true
}

// reuse answers with a recorded decision. An accepted record no longer
// carries its replay once the trust window it opened has lapsed.
func (g *Gate) reuse(ctx context.Context, sid string, rec livenessRecord) (Submission, error) {
	sub := Submission{Outcome: rec.Outcome, Replay: rec.Replay, Reused: true}
	if rec.ErrReason != "" {
		return sub, &VerificationError{Reason: rec.ErrReason, Method: rec.Outcome.Method}
	}
	if rec.Outcome.Accepted {
		if trusted, err := g.trust.Trusted(ctx, sid); err != nil || !trusted {
			sub.Replay = nil
			return sub, &VerificationError{Reason: ReasonSessionInvalid, Method: rec.Outcome.Method, Err: ErrNotTrusted}
		}
	}
	return sub, nil
}

func (g *Gate) checkBound(ctx context.Context, sid, livenessID string) error {
	if livenessID == "" {
		return liveness.ErrInvalidSession
	}
	var bound string
	ok, err := g.sessions.Get(ctx, sid, session.KeyStepUpLiveness, &bound)
	if err != nil {
		return err
	}
	if !ok || bound != livenessID {
		return ErrLivenessNotBound
	}
	return nil
}

func (g *Gate) notify(ctx context.Context, kind string, p Principal, out Outcome) {
	if g.notifier == nil {
		return
	}
	attrs := map[string]string{"method": string(out.Method)}
	if out.Reason != "" {
		attrs["reason"] = string(out.Reason)
	}
	if out.MatchConfidence != nil {
		attrs["match_confidence"] = strconv.FormatFloat(*out.MatchConfidence, 'f', 2, 64)
	}
	if out.LivenessConfidence != nil {
		attrs["liveness_confidence"] = strconv.FormatFloat(*out.LivenessConfidence, 'f', 2, 64)
	}
	msg := notification.Message{Kind: kind, Destination: p.ID, Body: "step-up " + string(out.Method), Attributes: attrs}
	if err := g.notifier.Send(ctx, msg); err != nil {
		g.logger.Warn("step-up notification failed", "user_id", p.ID, "error", err)
	}
}

// GetInterceptedReplay consumes the captured request. It is only available
// inside the trust window.
func (g *Gate) GetInterceptedReplay(ctx context.Context, p Principal, sid, token string) (ReplayInstruction, error) {
	if p.Privileged {
		trusted, err := g.trust.Trusted(ctx, sid)
		if err != nil || !trusted {
			return ReplayInstruction{}, ErrNotTrusted
		}
	}
	return g.intercepts.ConsumeAndReplay(ctx, sid, token)
}

// StartLiveness opens a liveness session bound to sid.
func (g *Gate) StartLiveness(ctx context.Context, p Principal, sid string) (liveness.Challenge, error) {
	ch, err := g.liveness.Start(ctx)
	if err != nil {
		return liveness.Challenge{}, err
	}
	if err := g.sessions.Set(ctx, sid, session.KeyStepUpLiveness, ch.SessionID); err != nil {
		return liveness.Challenge{}, err
	}
	g.logger.Info("liveness session started", "user_id", p.ID, "session_id", sid, "liveness_session_id", ch.SessionID)
	return ch, nil
}

// LivenessResults serves the client-side retrieval of a liveness session from
// cache. It never reaches the provider.
func (g *Gate) LivenessResults(ctx context.Context, sid, livenessID string) (biometric.LivenessResult, error) {
	if err := g.checkBound(ctx, sid, livenessID); err != nil {
		return biometric.LivenessResult{}, err
	}
	res, ok, err := g.liveness.Peek(ctx, livenessID)
	if err != nil {
		return biometric.LivenessResult{}, err
	}
	if !ok {
		return biometric.LivenessResult{}, liveness.ErrResultPending
	}
	return res.Sanitized(), nil
}

// Status describes the step-up state of a session.
type Status struct {
	Enrolled       bool              `json:"enrolled"`
	Method         enrollment.Method `json:"method,omitempty"`
	Trusted        bool              `json:"trusted"`
	LastVerifiedAt string            `json:"last_verified_at,omitempty"`
	TrustWindow    int64             `json:"trust_window_seconds"`
	Pending        *CapturedSummary  `json:"pending,omitempty"`
	LastOutcome    *Outcome          `json:"last_outcome,omitempty"`
}

// CapturedSummary describes a captured request without its payload.
type CapturedSummary struct {
	Token  string `json:"token"`
	Method string `json:"method"`
	URL    string `json:"url"`
}

// Status reports enrollment, trust and capture state for the challenge page.
func (g *Gate) Status(ctx context.Context, p Principal, sid string) (Status, error) {
	st := Status{TrustWindow: int64(g.trust.Timeout() / time.Second)}
	enr, err := g.enrollments.Get(ctx, p.ID)
	switch {
	case err == nil:
		st.Enrolled = true
		st.Method = enr.Method
	case !errors.Is(err, enrollment.ErrNotFound):
		return Status{}, err
	}

	raw, err := g.trust.LastVerifiedAt(ctx, sid)
	if err != nil {
		return Status{}, err
	}
	st.LastVerifiedAt = raw
	st.Trusted = IsTrusted(raw, g.now(), g.trust.Timeout())

	captured, ok, err := g.intercepts.Peek(ctx, sid)
	if err != nil {
		return Status{}, err
	}
	if ok {
		st.Pending = &CapturedSummary{Token: captured.Token, Method: captured.Method, URL: captured.URL}
	}
	if out, ok, err := g.LastOutcome(ctx, sid); err == nil && ok {
		st.LastOutcome = &out
	}
	return st, nil
}

// LastOutcome returns the most recent verification outcome of the session.
func (g *Gate) LastOutcome(ctx context.Context, sid string) (Outcome, bool, error) {
	var out Outcome
	ok, err := g.sessions.Get(ctx, sid, session.KeyStepUpResult, &out)
	return out, ok, err
}
