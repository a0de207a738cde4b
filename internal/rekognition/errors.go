package rekognition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/rekognition/types"
	"github.com/aws/smithy-go"

	"github.com/stepguard/stepguard/internal/biometric"
)

// classify maps provider errors onto the biometric sentinels. Errors it does
// not recognise are returned wrapped and unchanged in kind.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var (
		invalidParam *types.InvalidParameterException
		badFormat    *types.InvalidImageFormatException
		tooLarge     *types.ImageTooLargeException
		notFound     *types.SessionNotFoundException
	)
	switch {
	case errors.As(err, &notFound):
		return fmt.Errorf("%s: %w: %v", op, biometric.ErrSessionNotFound, err)
	case errors.As(err, &badFormat), errors.As(err, &tooLarge):
		return fmt.Errorf("%s: %w: %v", op, biometric.ErrNoFaceDetected, err)
	case errors.As(err, &invalidParam):
		if consumed(invalidParam.ErrorMessage()) {
			return fmt.Errorf("%s: %w: %v", op, biometric.ErrSessionConsumed, err)
		}
		// SearchFacesByImage answers an image without faces this way.
		return fmt.Errorf("%s: %w: %v", op, biometric.ErrNoFaceDetected, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && consumed(apiErr.ErrorMessage()) {
		return fmt.Errorf("%s: %w: %v", op, biometric.ErrSessionConsumed, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func consumed(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "already been retrieved") ||
		strings.Contains(msg, "already retrieved") ||
		strings.Contains(msg, "already consumed")
}
