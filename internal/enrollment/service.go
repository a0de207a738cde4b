package enrollment

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stepguard/stepguard/internal/biometric"
	"github.com/stepguard/stepguard/internal/liveness"
	"github.com/stepguard/stepguard/internal/notification"
	"github.com/stepguard/stepguard/internal/session"
)

// LivenessFetcher retrieves liveness results at most once.
type LivenessFetcher interface {
	FetchOnce(ctx context.Context, sessionID string) (biometric.LivenessResult, error)
}

// SessionStarter opens liveness sessions.
type SessionStarter interface {
	Start(ctx context.Context) (liveness.Challenge, error)
}

// Config holds enrollment policy.
type Config struct {
	CollectionID      string
	LivenessThreshold float64
	MaxImageBytes     int
}

// Service registers face references for principals.
type Service struct {
	repo     Repository
	matcher  biometric.FaceMatcher
	fetcher  LivenessFetcher
	starter  SessionStarter
	sessions session.Store
	notifier notification.Notifier
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds an enrollment service.
func NewService(repo Repository, matcher biometric.FaceMatcher, fetcher LivenessFetcher, starter SessionStarter, sessions session.Store, notifier notification.Notifier, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		matcher:  matcher,
		fetcher:  fetcher,
		starter:  starter,
		sessions: sessions,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the principal's enrollment.
func (s *Service) Get(ctx context.Context, userID string) (Enrollment, error) {
	return s.repo.Get(ctx, userID)
}

// EnrollImage indexes a still image as the principal's face reference. A
// provider failure other than a missing face still stores the enrollment,
// flagged as not indexed.
func (s *Service) EnrollImage(ctx context.Context, userID string, image []byte) (Enrollment, error) {
	if len(image) == 0 {
		return Enrollment{}, ErrEmptyImage
	}
	if s.cfg.MaxImageBytes > 0 && len(image) > s.cfg.MaxImageBytes {
		return Enrollment{}, ErrImageTooLarge
	}

	sum := sha256.Sum256(image)
	e := s.newEnrollment(userID, MethodImage)
	e.ImageRef = "sha256:" + hex.EncodeToString(sum[:])

	records, err := s.matcher.IndexFace(ctx, image, userID, s.cfg.CollectionID)
	switch {
	case errors.Is(err, biometric.ErrNoFaceDetected):
		return Enrollment{}, err
	case err != nil:
		s.logger.Warn("face indexing failed; enrollment stored unindexed", "user_id", userID, "error", err)
	case len(records) == 0:
		return Enrollment{}, biometric.ErrNoFaceDetected
	default:
		e.FaceIDs = faceIDs(records)
		e.Indexed = true
	}
	return s.save(ctx, e)
}

// StartLiveness opens a registration liveness session bound to sid.
func (s *Service) StartLiveness(ctx context.Context, sid string) (liveness.Challenge, error) {
	ch, err := s.starter.Start(ctx)
	if err != nil {
		return liveness.Challenge{}, err
	}
	if err := s.sessions.Set(ctx, sid, session.KeyEnrollmentLiveness, ch.SessionID); err != nil {
		return liveness.Challenge{}, err
	}
	return ch, nil
}

// CompleteLiveness retrieves the liveness result and indexes its reference
// image.
func (s *Service) CompleteLiveness(ctx context.Context, userID, sid, livenessSessionID string) (Enrollment, error) {
	var bound string
	ok, err := s.sessions.Get(ctx, sid, session.KeyEnrollmentLiveness, &bound)
	if err != nil {
		return Enrollment{}, err
	}
	if !ok || bound != livenessSessionID {
		return Enrollment{}, ErrSessionMismatch
	}

	res, err := s.fetcher.FetchOnce(ctx, livenessSessionID)
	if err != nil {
		return Enrollment{}, fmt.Errorf("fetch liveness result: %w", err)
	}
	if res.Status != biometric.StatusSucceeded || res.Confidence < s.cfg.LivenessThreshold {
		return Enrollment{}, fmt.Errorf("%w: status %s, confidence %.2f", ErrLivenessFailed, res.Status, res.Confidence)
	}
	if res.ReferenceImage == nil || len(res.ReferenceImage.Bytes) == 0 {
		return Enrollment{}, biometric.ErrNoFaceDetected
	}

	records, err := s.matcher.IndexFace(ctx, res.ReferenceImage.Bytes, userID, s.cfg.CollectionID)
	if err != nil {
		return Enrollment{}, fmt.Errorf("index reference image: %w", err)
	}
	if len(records) == 0 {
		return Enrollment{}, biometric.ErrNoFaceDetected
	}

	e := s.newEnrollment(userID, MethodLiveness)
	e.FaceIDs = faceIDs(records)
	e.Indexed = true
	clean := res.Sanitized()
	e.Liveness = &clean

	out, err := s.save(ctx, e)
	if err != nil {
		return Enrollment{}, err
	}
	if err := s.sessions.Delete(ctx, sid, session.KeyEnrollmentLiveness); err != nil {
		s.logger.Warn("enrollment liveness key not cleared", "session_id", sid, "error", err)
	}
	return out, nil
}

func (s *Service) newEnrollment(userID string, method Method) Enrollment {
	now := s.now()
	return Enrollment{
		UserID:       userID,
		Method:       method,
		CollectionID: s.cfg.CollectionID,
		Status:       StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (s *Service) save(ctx context.Context, e Enrollment) (Enrollment, error) {
	if prev, err := s.repo.Get(ctx, e.UserID); err == nil {
		e.CreatedAt = prev.CreatedAt
	}
	if err := s.repo.Save(ctx, e); err != nil {
		return Enrollment{}, err
	}
	if s.notifier != nil {
		msg := notification.Message{
			Kind:        notification.KindEnrollmentCompleted,
			Destination: e.UserID,
			Body:        fmt.Sprintf("face enrolled via %s", e.Method),
			Attributes:  map[string]string{"method": string(e.Method)},
		}
		if err := s.notifier.Send(ctx, msg); err != nil {
			s.logger.Warn("enrollment notification failed", "user_id", e.UserID, "error", err)
		}
	}
	if e.Liveness != nil {
		clean := e.Liveness.Sanitized()
		e.Liveness = &clean
	}
	return e, nil
}

func faceIDs(records []biometric.FaceRecord) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.FaceID)
	}
	return ids
}
