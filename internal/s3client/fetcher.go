package s3client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"geoingest/internal/ingesterrors"
)

const DefaultMaxObjectBytes int64 = 256 << 20

// ObjectGetter is the subset of *s3.Client the fetcher needs.
type ObjectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type Fetcher struct {
	client   ObjectGetter
	maxBytes int64
}

func NewFetcher(client ObjectGetter, maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxObjectBytes
	}
	return &Fetcher{client: client, maxBytes: maxBytes}
}

// Fetch reads the whole object. Errors carry an ingesterrors kind.
func (f *Fetcher) Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	if bucket == "" || key == "" {
		return nil, ingesterrors.New(ingesterrors.KindInvalidRequest, "bucket and key are required")
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyGetError(ctx, bucket, key, err)
	}
	defer out.Body.Close()

	if out.ContentLength != nil && *out.ContentLength > f.maxBytes {
		return nil, ingesterrors.Newf(ingesterrors.KindInvalidRequest,
			"object s3://%s/%s is %d bytes (max %d)", bucket, key, *out.ContentLength, f.maxBytes)
	}

	body, err := io.ReadAll(io.LimitReader(out.Body, f.maxBytes+1))
	if err != nil {
		return nil, classifyGetError(ctx, bucket, key, err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, ingesterrors.Newf(ingesterrors.KindInvalidRequest,
			"object s3://%s/%s exceeds max size of %d bytes", bucket, key, f.maxBytes)
	}
	return body, nil
}

func classifyGetError(ctx context.Context, bucket, key string, err error) error {
	uri := fmt.Sprintf("s3://%s/%s", bucket, key)
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ingesterrors.Wrap(ingesterrors.KindTimeout, "fetch "+uri+" timed out", err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return ingesterrors.Wrap(ingesterrors.KindNotFound, "object "+uri+" not found", err)
		case "AccessDenied", "Forbidden", "AllAccessDisabled", "InvalidAccessKeyId",
			"SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
			return ingesterrors.Wrap(ingesterrors.KindAccessDenied, "access to "+uri+" denied", err)
		}
	}

	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		switch statusErr.HTTPStatusCode() {
		case 404:
			return ingesterrors.Wrap(ingesterrors.KindNotFound, "object "+uri+" not found", err)
		case 401, 403:
			return ingesterrors.Wrap(ingesterrors.KindAccessDenied, "access to "+uri+" denied", err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "nosuchkey") || strings.Contains(msg, "not found"):
		return ingesterrors.Wrap(ingesterrors.KindNotFound, "object "+uri+" not found", err)
	case strings.Contains(msg, "accessdenied") || strings.Contains(msg, "access denied") || strings.Contains(msg, "forbidden"):
		return ingesterrors.Wrap(ingesterrors.KindAccessDenied, "access to "+uri+" denied", err)
	case strings.Contains(msg, "timeout"):
		return ingesterrors.Wrap(ingesterrors.KindTimeout, "fetch "+uri+" timed out", err)
	}
	return ingesterrors.Wrap(ingesterrors.KindObjectStoreUnavailable, "fetch "+uri+" failed", err)
}
