// Package rekognition adapts Amazon Rekognition and STS to the biometric
// collaborator contracts.
package rekognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"go.opentelemetry.io/otel/attribute"

	"github.com/stepguard/stepguard/internal/biometric"
	"github.com/stepguard/stepguard/internal/telemetry"
)

// API is the subset of the Rekognition client used here.
type API interface {
	CreateCollection(ctx context.Context, in *rekognition.CreateCollectionInput, optFns ...func(*rekognition.Options)) (*rekognition.CreateCollectionOutput, error)
	IndexFaces(ctx context.Context, in *rekognition.IndexFacesInput, optFns ...func(*rekognition.Options)) (*rekognition.IndexFacesOutput, error)
	SearchFacesByImage(ctx context.Context, in *rekognition.SearchFacesByImageInput, optFns ...func(*rekognition.Options)) (*rekognition.SearchFacesByImageOutput, error)
	CreateFaceLivenessSession(ctx context.Context, in *rekognition.CreateFaceLivenessSessionInput, optFns ...func(*rekognition.Options)) (*rekognition.CreateFaceLivenessSessionOutput, error)
	GetFaceLivenessSessionResults(ctx context.Context, in *rekognition.GetFaceLivenessSessionResultsInput, optFns ...func(*rekognition.Options)) (*rekognition.GetFaceLivenessSessionResultsOutput, error)
}

// NewClient builds a Rekognition client from an AWS config.
func NewClient(cfg aws.Config) *rekognition.Client {
	return rekognition.NewFromConfig(cfg)
}

// Matcher implements biometric.FaceMatcher.
type Matcher struct {
	api     API
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	ensured map[string]bool
}

// NewMatcher builds a face matcher. timeout bounds every provider call.
func NewMatcher(api API, timeout time.Duration, logger *slog.Logger) *Matcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Matcher{api: api, timeout: timeout, logger: logger, ensured: make(map[string]bool)}
}

// SearchByImage returns at most one candidate, the best match above
// matchThreshold.
func (m *Matcher) SearchByImage(ctx context.Context, image []byte, collectionID string, matchThreshold float64) (biometric.SearchResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "rekognition.search_faces_by_image")
	defer span.End()
	span.SetAttributes(attribute.String("rekognition.collection", collectionID))

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	out, err := m.api.SearchFacesByImage(ctx, &rekognition.SearchFacesByImageInput{
		CollectionId:       aws.String(collectionID),
		Image:              &types.Image{Bytes: image},
		FaceMatchThreshold: aws.Float32(float32(matchThreshold)),
		MaxFaces:           aws.Int32(1),
	})
	if err != nil {
		err = classify("search faces", err)
		telemetry.Fail(span, err)
		return biometric.SearchResult{}, err
	}

	res := biometric.SearchResult{SearchedFaceConfidence: float64(aws.ToFloat32(out.SearchedFaceConfidence))}
	for _, fm := range out.FaceMatches {
		if fm.Face == nil {
			continue
		}
		res.Matches = append(res.Matches, biometric.Match{
			IdentityRef: aws.ToString(fm.Face.ExternalImageId),
			FaceID:      aws.ToString(fm.Face.FaceId),
			Similarity:  float64(aws.ToFloat32(fm.Similarity)),
		})
	}
	span.SetAttributes(attribute.Int("rekognition.matches", len(res.Matches)))
	return res, nil
}

// IndexFace stores the most prominent face of image under identityRef,
// creating the collection on first use.
func (m *Matcher) IndexFace(ctx context.Context, image []byte, identityRef, collectionID string) ([]biometric.FaceRecord, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "rekognition.index_faces")
	defer span.End()

	if err := m.EnsureCollection(ctx, collectionID); err != nil {
		telemetry.Fail(span, err)
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	out, err := m.api.IndexFaces(ctx, &rekognition.IndexFacesInput{
		CollectionId:    aws.String(collectionID),
		Image:           &types.Image{Bytes: image},
		ExternalImageId: aws.String(identityRef),
		MaxFaces:        aws.Int32(1),
		QualityFilter:   types.QualityFilterAuto,
	})
	if err != nil {
		err = classify("index faces", err)
		telemetry.Fail(span, err)
		return nil, err
	}

	records := make([]biometric.FaceRecord, 0, len(out.FaceRecords))
	for _, fr := range out.FaceRecords {
		if fr.Face == nil {
			continue
		}
		records = append(records, biometric.FaceRecord{
			FaceID:      aws.ToString(fr.Face.FaceId),
			ImageID:     aws.ToString(fr.Face.ImageId),
			IdentityRef: aws.ToString(fr.Face.ExternalImageId),
			Confidence:  float64(aws.ToFloat32(fr.Face.Confidence)),
		})
	}
	if len(records) == 0 && len(out.UnindexedFaces) > 0 {
		m.logger.Info("face not indexed", "identity_ref", identityRef, "unindexed", len(out.UnindexedFaces))
	}
	return records, nil
}

// EnsureCollection creates the collection unless it already exists.
func (m *Matcher) EnsureCollection(ctx context.Context, collectionID string) error {
	m.mu.Lock()
	done := m.ensured[collectionID]
	m.mu.Unlock()
	if done {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	_, err := m.api.CreateCollection(ctx, &rekognition.CreateCollectionInput{CollectionId: aws.String(collectionID)})
	var exists *types.ResourceAlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("create collection %s: %w", collectionID, err)
	}
	if err == nil {
		m.logger.Info("face collection created", "collection", collectionID)
	}

	m.mu.Lock()
	m.ensured[collectionID] = true
	m.mu.Unlock()
	return nil
}
