package downloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	ranges  []string
	err     error
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NotFound")
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/octet-stream"),
		ETag:          aws.String(`"abc"`),
	}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	data := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	r := aws.ToString(in.Range)
	f.ranges = append(f.ranges, r)
	if r != "" {
		var start, end int64
		if n, _ := fmt.Sscanf(r, "bytes=%d-%d", &start, &end); n == 2 {
			data = data[start : end+1]
		} else if n == 1 {
			data = data[start:]
		}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Probe(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{"bucket/path/to/archive.tar": testData(9000)}}
	src := NewS3SourceWithClient(fake)

	info, err := src.Probe(context.Background(), "s3://bucket/path/to/archive.tar")

	require.NoError(t, err)
	assert.Equal(t, int64(9000), info.Size)
	assert.True(t, info.RangeSupported)
	assert.Equal(t, "archive.tar", info.FileName)
	assert.Equal(t, `"abc"`, info.ETag)

	_, err = src.Probe(context.Background(), "s3://bucket/missing")
	assert.ErrorIs(t, err, ErrProbeFailed)

	_, err = src.Probe(context.Background(), "s3://bucket")
	assert.ErrorIs(t, err, ErrProbeFailed)
}

func TestS3FetchRange(t *testing.T) {
	data := testData(9000)
	fake := &fakeS3{objects: map[string][]byte{"bucket/obj": data}}
	src := NewS3SourceWithClient(fake)

	body, err := src.Fetch(context.Background(), FetchRequest{URL: "s3://bucket/obj", Start: 100, End: 200, Ranged: true})
	require.NoError(t, err)
	got, _ := io.ReadAll(body)
	body.Close()

	assert.Equal(t, data[100:200], got)
	assert.Equal(t, []string{"bytes=100-199"}, fake.ranges)
}

func TestS3WorkerRoundTrip(t *testing.T) {
	data := testData(200_000)
	src := NewS3SourceWithClient(&fakeS3{objects: map[string][]byte{"b/k": data}})
	sink := &bufferAt{buf: make([]byte, len(data))}

	for _, seg := range (Planner{}).Plan(int64(len(data)), true, 3) {
		_, err := SegmentWorker{}.Run(context.Background(), seg, src, Target{URL: "s3://b/k", Ranged: true}, sink, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, data, sink.buf)
}

func TestS3FetchErrorClassification(t *testing.T) {
	respErr := func(code int) error {
		return &awshttp.ResponseError{
			ResponseError: &smithyhttp.ResponseError{
				Response: &smithyhttp.Response{Response: &http.Response{StatusCode: code}},
				Err:      errors.New("api error"),
			},
		}
	}

	src := NewS3SourceWithClient(&fakeS3{err: respErr(http.StatusForbidden)})
	_, err := src.Fetch(context.Background(), FetchRequest{URL: "s3://b/k", Ranged: true, End: 10})
	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusForbidden, te.StatusCode)
	assert.False(t, IsRetryable(err))

	src = NewS3SourceWithClient(&fakeS3{err: respErr(http.StatusServiceUnavailable)})
	_, err = src.Fetch(context.Background(), FetchRequest{URL: "s3://b/k", Ranged: true, End: 10})
	assert.True(t, IsRetryable(err))

	src = NewS3SourceWithClient(&fakeS3{err: errors.New("connection reset")})
	_, err = src.Fetch(context.Background(), FetchRequest{URL: "s3://b/k", Ranged: true, End: 10})
	assert.True(t, IsRetryable(err))
}
