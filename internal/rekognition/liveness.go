package rekognition

import (
	"context"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"

	"github.com/stepguard/stepguard/internal/biometric"
	"github.com/stepguard/stepguard/internal/telemetry"
)

// LivenessOptions configures liveness sessions.
type LivenessOptions struct {
	AuditImagesLimit int32
	S3Bucket         string
	S3KeyPrefix      string
	Timeout          time.Duration
}

// Liveness implements biometric.LivenessProvider.
type Liveness struct {
	api  API
	opts LivenessOptions
}

// NewLiveness builds a liveness provider.
func NewLiveness(api API, opts LivenessOptions) *Liveness {
	if opts.AuditImagesLimit <= 0 {
		opts.AuditImagesLimit = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Liveness{api: api, opts: opts}
}

// CreateSession opens a new face liveness session. Frames are written to S3
// only when external storage is requested and a bucket is configured.
func (l *Liveness) CreateSession(ctx context.Context, in biometric.CreateSessionInput) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "rekognition.create_face_liveness_session")
	defer span.End()

	settings := &types.CreateFaceLivenessSessionRequestSettings{
		AuditImagesLimit: aws.Int32(l.opts.AuditImagesLimit),
	}
	if in.UseExternalStorage && l.opts.S3Bucket != "" {
		settings.OutputConfig = &types.LivenessOutputConfig{
			S3Bucket:    aws.String(l.opts.S3Bucket),
			S3KeyPrefix: aws.String(l.opts.S3KeyPrefix),
		}
	}
	req := &rekognition.CreateFaceLivenessSessionInput{Settings: settings}
	if in.ClientToken != "" {
		req.ClientRequestToken = aws.String(in.ClientToken)
	}

	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	out, err := l.api.CreateFaceLivenessSession(ctx, req)
	if err != nil {
		err = classify("create liveness session", err)
		telemetry.Fail(span, err)
		return "", err
	}
	return aws.ToString(out.SessionId), nil
}

// GetResult fetches the analysis of a session.
func (l *Liveness) GetResult(ctx context.Context, sessionID string) (biometric.LivenessResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "rekognition.get_face_liveness_session_results")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, l.opts.Timeout)
	defer cancel()
	out, err := l.api.GetFaceLivenessSessionResults(ctx, &rekognition.GetFaceLivenessSessionResultsInput{
		SessionId: aws.String(sessionID),
	})
	if err != nil {
		err = classify("get liveness results", err)
		telemetry.Fail(span, err)
		return biometric.LivenessResult{}, err
	}

	res := biometric.LivenessResult{
		SessionID:  aws.ToString(out.SessionId),
		Status:     strings.ToUpper(string(out.Status)),
		Confidence: float64(aws.ToFloat32(out.Confidence)),
	}
	if out.ReferenceImage != nil {
		ref := convertImage(*out.ReferenceImage)
		res.ReferenceImage = &ref
	}
	for _, img := range out.AuditImages {
		res.AuditImages = append(res.AuditImages, convertImage(img))
	}
	return res, nil
}

func convertImage(img types.AuditImage) biometric.Image {
	out := biometric.Image{Bytes: img.Bytes}
	if len(img.Bytes) > 0 {
		out.HasBytes = true
		out.BytesLength = len(img.Bytes)
	}
	if img.S3Object != nil {
		out.S3Bucket = aws.ToString(img.S3Object.Bucket)
		out.S3Key = aws.ToString(img.S3Object.Name)
	}
	if bb := img.BoundingBox; bb != nil {
		out.BoundingBox = &biometric.BoundingBox{
			Width:  float64(aws.ToFloat32(bb.Width)),
			Height: float64(aws.ToFloat32(bb.Height)),
			Left:   float64(aws.ToFloat32(bb.Left)),
			Top:    float64(aws.ToFloat32(bb.Top)),
		}
	}
	return out
}
