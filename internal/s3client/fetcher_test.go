package s3client

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"geoingest/internal/ingesterrors"
)

type fakeGetter struct {
	body   string
	length *int64
	err    error

	gotBucket string
	gotKey    string
}

func (f *fakeGetter) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.gotBucket = aws.ToString(in.Bucket)
	f.gotKey = aws.ToString(in.Key)
	if f.err != nil {
		return nil, f.err
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(f.body)),
		ContentLength: f.length,
	}, nil
}

func TestFetchReturnsBody(t *testing.T) {
	getter := &fakeGetter{body: `{"type":"FeatureCollection","features":[]}`}
	f := NewFetcher(getter, 0)

	body, err := f.Fetch(context.Background(), "uploads", "a/b.geojson")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(body) != getter.body {
		t.Fatalf("body=%q, want %q", string(body), getter.body)
	}
	if getter.gotBucket != "uploads" || getter.gotKey != "a/b.geojson" {
		t.Fatalf("request bucket=%q key=%q", getter.gotBucket, getter.gotKey)
	}
}

func TestFetchClassifiesErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ingesterrors.Kind
	}{
		{name: "no such key", err: &smithy.GenericAPIError{Code: "NoSuchKey", Message: "The specified key does not exist."}, want: ingesterrors.KindNotFound},
		{name: "no such bucket", err: &smithy.GenericAPIError{Code: "NoSuchBucket"}, want: ingesterrors.KindNotFound},
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDenied", Message: "Access Denied"}, want: ingesterrors.KindAccessDenied},
		{name: "expired token", err: &smithy.GenericAPIError{Code: "ExpiredToken"}, want: ingesterrors.KindAccessDenied},
		{name: "deadline", err: context.DeadlineExceeded, want: ingesterrors.KindTimeout},
		{name: "dial failure", err: errors.New("dial tcp 10.0.0.1:443: connect: connection refused"), want: ingesterrors.KindObjectStoreUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := NewFetcher(&fakeGetter{err: tc.err}, 0)
			_, err := f.Fetch(context.Background(), "b", "k.geojson")
			if got := ingesterrors.KindOf(err); got != tc.want {
				t.Fatalf("kind=%q, want %q (err=%v)", got, tc.want, err)
			}
		})
	}
}

func TestFetchEnforcesMaxBytes(t *testing.T) {
	f := NewFetcher(&fakeGetter{body: strings.Repeat("x", 32)}, 16)
	_, err := f.Fetch(context.Background(), "b", "k")
	if ingesterrors.KindOf(err) != ingesterrors.KindInvalidRequest {
		t.Fatalf("kind=%q, want %q", ingesterrors.KindOf(err), ingesterrors.KindInvalidRequest)
	}

	length := int64(1 << 30)
	f = NewFetcher(&fakeGetter{body: "{}", length: &length}, 16)
	_, err = f.Fetch(context.Background(), "b", "k")
	if ingesterrors.KindOf(err) != ingesterrors.KindInvalidRequest {
		t.Fatalf("kind=%q, want %q", ingesterrors.KindOf(err), ingesterrors.KindInvalidRequest)
	}
}

func TestFetchRequiresBucketAndKey(t *testing.T) {
	f := NewFetcher(&fakeGetter{}, 0)
	if _, err := f.Fetch(context.Background(), "", "k"); ingesterrors.KindOf(err) != ingesterrors.KindInvalidRequest {
		t.Fatalf("expected invalid request for empty bucket, got %v", err)
	}
}
