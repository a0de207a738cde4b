package liveness

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stepguard/stepguard/internal/biometric"
)

// Challenge is what a browser needs to run the liveness widget.
type Challenge struct {
	SessionID   string                `json:"session_id"`
	Region      string                `json:"region"`
	Credentials biometric.Credentials `json:"credentials"`
}

// Starter opens liveness sessions and registers them with the guard.
type Starter struct {
	provider    biometric.LivenessProvider
	issuer      biometric.CredentialIssuer
	guard       *Guard
	region      string
	credentials time.Duration
	external    bool
}

// NewStarter builds a session starter. External storage is requested from the
// provider when useExternalStorage is set.
func NewStarter(provider biometric.LivenessProvider, issuer biometric.CredentialIssuer, guard *Guard, region string, credentialsTTL time.Duration, useExternalStorage bool) *Starter {
	if credentialsTTL <= 0 {
		credentialsTTL = 15 * time.Minute
	}
	return &Starter{
		provider:    provider,
		issuer:      issuer,
		guard:       guard,
		region:      region,
		credentials: credentialsTTL,
		external:    useExternalStorage,
	}
}

// Start creates a new liveness session.
func (s *Starter) Start(ctx context.Context) (Challenge, error) {
	id, err := s.provider.CreateSession(ctx, biometric.CreateSessionInput{
		ClientToken:        uuid.NewString(),
		UseExternalStorage: s.external,
	})
	if err != nil {
		return Challenge{}, fmt.Errorf("create liveness session: %w", err)
	}
	s.guard.Track(id)

	creds, err := s.issuer.ShortLivedToken(ctx, s.credentials)
	if err != nil {
		return Challenge{}, fmt.Errorf("issue liveness credentials: %w", err)
	}
	return Challenge{SessionID: id, Region: s.region, Credentials: creds}, nil
}

// Peek returns a sanitized cached result without calling the provider.
func (s *Starter) Peek(ctx context.Context, sessionID string) (biometric.LivenessResult, bool, error) {
	return s.guard.Peek(ctx, sessionID)
}
