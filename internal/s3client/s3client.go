package s3client

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type Options struct {
	Region   string
	Endpoint string
	// ForcePathStyle is needed by most S3-compatible stores (MinIO, LocalStack).
	ForcePathStyle bool

	// Static credentials are optional; the default AWS chain (env, task role) is
	// used when AccessKeyID is empty.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// LoadAWSConfig resolves the shared AWS configuration used by every client of
// the service. Retries are disabled: failures surface to the caller at once.
func LoadAWSConfig(ctx context.Context, opts Options) (aws.Config, error) {
	if strings.TrimSpace(opts.Region) == "" {
		return aws.Config{}, errors.New("region is required")
	}

	loadOptions := []func(*config.LoadOptions) error{
		config.WithRegion(opts.Region),
		config.WithRetryMaxAttempts(1),
	}
	if opts.AccessKeyID != "" {
		loadOptions = append(loadOptions, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}
	return config.LoadDefaultConfig(ctx, loadOptions...)
}

func New(ctx context.Context, opts Options) (*s3.Client, error) {
	if opts.Endpoint != "" {
		if _, err := url.Parse(opts.Endpoint); err != nil {
			return nil, err
		}
	}
	cfg, err := LoadAWSConfig(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg, opts), nil
}

func NewFromConfig(cfg aws.Config, opts Options) *s3.Client {
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.ForcePathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
}
