package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3API is the subset of the s3 client used for downloads
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source serves s3://bucket/key urls. Objects always support ranges.
type S3Source struct {
	client S3API
}

// NewS3Source loads the default AWS config, optionally for a named profile
func NewS3Source(ctx context.Context, profile string) (*S3Source, error) {
	opts := []func(*config.LoadOptions) error{config.WithRetryMode(aws.RetryModeAdaptive)}
	if profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %w", err)
	}
	return &S3Source{client: s3.NewFromConfig(cfg)}, nil
}

// NewS3SourceWithClient wraps an existing client
func NewS3SourceWithClient(client S3API) *S3Source {
	return &S3Source{client: client}
}

func parseS3URL(rawURL string) (bucket, key string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", err
	}
	bucket = u.Host
	key = strings.TrimPrefix(u.Path, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("invalid s3 url %q", rawURL)
	}
	return bucket, key, nil
}

// Probe reads the object size with HeadObject
func (s *S3Source) Probe(ctx context.Context, rawURL string) (ResourceInfo, error) {
	bucket, key, err := parseS3URL(rawURL)
	if err != nil {
		return ResourceInfo{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ResourceInfo{}, fmt.Errorf("%w: %v", ErrProbeFailed, err)
	}
	size := aws.ToInt64(out.ContentLength)
	return ResourceInfo{
		Size:           size,
		RangeSupported: size > 0,
		FileName:       path.Base(key),
		ContentType:    aws.ToString(out.ContentType),
		ETag:           aws.ToString(out.ETag),
	}, nil
}

// Fetch issues a GetObject with a byte range
func (s *S3Source) Fetch(ctx context.Context, fr FetchRequest) (io.ReadCloser, error) {
	bucket, key, err := parseS3URL(fr.URL)
	if err != nil {
		return nil, &TransferError{Op: "s3 get", Err: err}
	}
	in := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if fr.Ranged {
		if fr.End > 0 {
			in.Range = aws.String(fmt.Sprintf("bytes=%d-%d", fr.Start, fr.End-1))
		} else {
			in.Range = aws.String(fmt.Sprintf("bytes=%d-", fr.Start))
		}
	}

	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ErrCancelled
		}
		var re *awshttp.ResponseError
		if errors.As(err, &re) {
			code := re.HTTPStatusCode()
			return nil, &TransferError{Op: "s3 get", StatusCode: code, Retryable: retryableStatus(code), Err: err}
		}
		return nil, &TransferError{Op: "s3 get", Retryable: true, Err: err}
	}
	return out.Body, nil
}
