package enrollment

import (
	"errors"
	"time"

	"github.com/stepguard/stepguard/internal/biometric"
)

// Method is how a principal enrolled their face. Verification always uses the
// enrollment method.
type Method string

const (
	MethodImage    Method = "image"
	MethodLiveness Method = "liveness"
)

// ParseMethod validates a method name.
func ParseMethod(v string) (Method, error) {
	switch Method(v) {
	case MethodImage, MethodLiveness:
		return Method(v), nil
	default:
		return "", ErrUnknownMethod
	}
}

// Status is the verification status of an enrollment.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
)

var (
	// ErrNotFound is returned when the principal has no enrollment.
	ErrNotFound = errors.New("enrollment not found")
	// ErrUnknownMethod is returned for anything but image or liveness.
	ErrUnknownMethod = errors.New("unknown enrollment method")
	// ErrEmptyImage is returned when no image bytes were submitted.
	ErrEmptyImage = errors.New("face image is required")
	// ErrImageTooLarge is returned when the image exceeds the upload limit.
	ErrImageTooLarge = errors.New("face image too large")
	// ErrLivenessFailed is returned when the liveness challenge did not pass.
	ErrLivenessFailed = errors.New("liveness check failed")
	// ErrSessionMismatch is returned when a liveness session was not opened by the caller's session.
	ErrSessionMismatch = errors.New("liveness session does not belong to this session")
)

// Enrollment is the single biometric reference of a principal.
type Enrollment struct {
	UserID         string                    `json:"user_id"`
	Method         Method                    `json:"registration_method"`
	CollectionID   string                    `json:"collection_name"`
	FaceIDs        []string                  `json:"face_ids,omitempty"`
	ImageRef       string                    `json:"image_ref,omitempty"`
	Indexed        bool                      `json:"indexed"`
	Liveness       *biometric.LivenessResult `json:"liveness_data,omitempty"`
	Status         Status                    `json:"verification_status"`
	LastVerifiedAt *time.Time                `json:"last_verified_at,omitempty"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// faceData is the persisted shape of the face reference.
type faceData struct {
	FaceIDs  []string `json:"face_ids,omitempty"`
	ImageRef string   `json:"image_ref,omitempty"`
	Indexed  bool     `json:"indexed"`
}
