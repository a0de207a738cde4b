package rekognition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/stepguard/stepguard/internal/biometric"
)

// STSAPI is the subset of the STS client used to mint browser credentials.
type STSAPI interface {
	GetSessionToken(ctx context.Context, in *sts.GetSessionTokenInput, optFns ...func(*sts.Options)) (*sts.GetSessionTokenOutput, error)
}

// STS accepts session tokens between 15 minutes and 36 hours.
const (
	minTokenDuration = 15 * time.Minute
	maxTokenDuration = 36 * time.Hour
)

// Credentials implements biometric.CredentialIssuer with STS session tokens.
type Credentials struct {
	api     STSAPI
	timeout time.Duration
}

// NewCredentials builds a credential issuer from an AWS config.
func NewCredentials(cfg aws.Config, timeout time.Duration) *Credentials {
	return NewCredentialsWithAPI(sts.NewFromConfig(cfg), timeout)
}

// NewCredentialsWithAPI builds a credential issuer over api.
func NewCredentialsWithAPI(api STSAPI, timeout time.Duration) *Credentials {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Credentials{api: api, timeout: timeout}
}

// ShortLivedToken returns temporary credentials valid for duration, clamped
// to what STS accepts.
func (c *Credentials) ShortLivedToken(ctx context.Context, duration time.Duration) (biometric.Credentials, error) {
	if duration < minTokenDuration {
		duration = minTokenDuration
	}
	if duration > maxTokenDuration {
		duration = maxTokenDuration
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	out, err := c.api.GetSessionToken(ctx, &sts.GetSessionTokenInput{
		DurationSeconds: aws.Int32(int32(duration / time.Second)),
	})
	if err != nil {
		return biometric.Credentials{}, fmt.Errorf("get session token: %w", err)
	}
	if out.Credentials == nil {
		return biometric.Credentials{}, errors.New("get session token: empty credentials")
	}
	return biometric.Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiration:      aws.ToTime(out.Credentials.Expiration),
	}, nil
}
