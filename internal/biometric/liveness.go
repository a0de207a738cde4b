package biometric

// Liveness session statuses reported by the provider.
const (
	StatusCreated    = "CREATED"
	StatusInProgress = "IN_PROGRESS"
	StatusSucceeded  = "SUCCEEDED"
	StatusFailed     = "FAILED"
	StatusExpired    = "EXPIRED"
)

// BoundingBox locates a face inside an image, as ratios of the image size.
type BoundingBox struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
}

// Image is a frame captured during a liveness challenge. Bytes never leave the
// process through JSON; HasBytes and BytesLength describe them instead.
type Image struct {
	Bytes       []byte       `json:"-"`
	HasBytes    bool         `json:"has_bytes"`
	BytesLength int          `json:"bytes_length"`
	S3Bucket    string       `json:"s3_bucket,omitempty"`
	S3Key       string       `json:"s3_key,omitempty"`
	BoundingBox *BoundingBox `json:"bounding_box,omitempty"`
}

// LivenessResult is the analysis of a completed liveness session.
type LivenessResult struct {
	SessionID      string  `json:"session_id"`
	Status         string  `json:"status"`
	Confidence     float64 `json:"confidence"`
	ReferenceImage *Image  `json:"reference_image,omitempty"`
	AuditImages    []Image `json:"audit_images,omitempty"`
}

// Final reports whether the provider finished analysing the session. Results
// for unfinished sessions must not be cached.
func (r LivenessResult) Final() bool {
	switch r.Status {
	case StatusCreated, StatusInProgress:
		return false
	default:
		return true
	}
}

// Sanitized returns a copy with every binary payload replaced by its length.
func (r LivenessResult) Sanitized() LivenessResult {
	out := r
	if r.ReferenceImage != nil {
		ref := sanitizeImage(*r.ReferenceImage)
		out.ReferenceImage = &ref
	}
	if len(r.AuditImages) > 0 {
		out.AuditImages = make([]Image, len(r.AuditImages))
		for i, img := range r.AuditImages {
			out.AuditImages[i] = sanitizeImage(img)
		}
	}
	return out
}

func sanitizeImage(img Image) Image {
	if len(img.Bytes) > 0 {
		img.HasBytes = true
		img.BytesLength = len(img.Bytes)
	}
	img.Bytes = nil
	return img
}
