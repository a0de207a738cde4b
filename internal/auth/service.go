package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/stepguard/stepguard/internal/enrollment"
	"github.com/stepguard/stepguard/internal/identity"
	"github.com/stepguard/stepguard/internal/session"
)

// Enrollments reports whether a user registered a face.
type Enrollments interface {
	Get(ctx context.Context, userID string) (enrollment.Enrollment, error)
}

// Service logs principals in and out.
type Service struct {
	users       *identity.Service
	signer      *Signer
	sessions    session.Store
	enrollments Enrollments
}

// NewService builds an auth service. enrollments may be nil.
func NewService(users *identity.Service, signer *Signer, sessions session.Store, enrollments Enrollments) *Service {
	return &Service{users: users, signer: signer, sessions: sessions, enrollments: enrollments}
}

// LoginResult is returned by a successful login.
type LoginResult struct {
	User                  identity.User
	AccessToken           string
	ExpiresIn             int64
	SessionID             string
	NeedsFaceRegistration bool
}

// Login validates credentials and opens a fresh session.
func (s *Service) Login(ctx context.Context, email, password string) (LoginResult, error) {
	user, err := s.users.Authenticate(ctx, email, password)
	if err != nil {
		return LoginResult{}, err
	}

	sid := uuid.NewString()
	token, exp, err := s.signer.Sign(user.ID, sid)
	if err != nil {
		return LoginResult{}, err
	}

	needsFace := false
	if s.enrollments != nil {
		_, err := s.enrollments.Get(ctx, user.ID)
		switch {
		case errors.Is(err, enrollment.ErrNotFound):
			needsFace = true
		case err != nil:
			return LoginResult{}, err
		}
	}

	return LoginResult{
		User:                  user,
		AccessToken:           token,
		ExpiresIn:             int64(time.Until(exp).Seconds()),
		SessionID:             sid,
		NeedsFaceRegistration: needsFace,
	}, nil
}

// Logout drops all state held for the session.
func (s *Service) Logout(ctx context.Context, sid string) error {
	if sid == "" {
		return nil
	}
	return s.sessions.Destroy(ctx, sid)
}
