// Package biometric defines the contracts the step-up engine expects from a
// face recognition provider, together with the result types they exchange.
package biometric

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoFaceDetected indicates the submitted image did not contain a usable face.
	ErrNoFaceDetected = errors.New("no face detected")
	// ErrSessionNotFound indicates the liveness session is unknown, expired or failed.
	ErrSessionNotFound = errors.New("liveness session not found")
	// ErrSessionConsumed indicates the provider already handed out the session
	// results to another caller and will not return them again.
	ErrSessionConsumed = errors.New("liveness session results already retrieved")
)

// Match is one candidate returned by a face search.
type Match struct {
	IdentityRef string  `json:"identity_ref"`
	FaceID      string  `json:"face_id,omitempty"`
	Similarity  float64 `json:"similarity"`
}

// SearchResult holds the candidates in provider order.
type SearchResult struct {
	Matches                []Match `json:"matches"`
	SearchedFaceConfidence float64 `json:"searched_face_confidence,omitempty"`
}

// FaceRecord describes a face stored in a collection.
type FaceRecord struct {
	FaceID      string  `json:"face_id"`
	ImageID     string  `json:"image_id,omitempty"`
	IdentityRef string  `json:"identity_ref"`
	Confidence  float64 `json:"confidence"`
}

// FaceMatcher indexes and searches faces within a collection.
type FaceMatcher interface {
	SearchByImage(ctx context.Context, image []byte, collectionID string, matchThreshold float64) (SearchResult, error)
	IndexFace(ctx context.Context, image []byte, identityRef, collectionID string) ([]FaceRecord, error)
}

// CreateSessionInput parameterises a new liveness challenge.
type CreateSessionInput struct {
	ClientToken        string
	UseExternalStorage bool
}

// LivenessProvider creates single-use liveness sessions. GetResult must be
// treated as consumable at most once per session.
type LivenessProvider interface {
	CreateSession(ctx context.Context, in CreateSessionInput) (string, error)
	GetResult(ctx context.Context, sessionID string) (LivenessResult, error)
}

// Credentials are short-lived provider credentials handed to the browser
// widget so it can stream the liveness challenge directly.
type Credentials struct {
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key"`
	SessionToken    string    `json:"session_token"`
	Expiration      time.Time `json:"expiration"`
}

// CredentialIssuer mints short-lived credentials. It plays no part in trust decisions.
type CredentialIssuer interface {
	ShortLivedToken(ctx context.Context, duration time.Duration) (Credentials, error)
}
