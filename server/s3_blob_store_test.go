package server

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3BlobStore_Validation(t *testing.T) {
	_, err := NewS3BlobStore(testRegion, "", "")
	assert.Error(t, err)

	_, err = NewS3BlobStore(testRegion, "[bucket-name]", "")
	assert.Error(t, err)
}

func TestS3BlobStore_Key(t *testing.T) {
	s := &S3BlobStore{prefix: ""}
	assert.Equal(t, "videos/12/data", s.key(12))

	s.prefix = "prod"
	assert.Equal(t, "prod/videos/12/data", s.key(12))
}

// stubS3 answers GetObject with a fixed body and optional length
type stubS3 struct {
	s3iface.S3API
	body   string
	length *int64
}

func (s *stubS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader(s.body)),
		ContentLength: s.length,
	}, nil
}

func TestS3BlobStore_GetSize(t *testing.T) {
	ctx := context.Background()

	s := &S3BlobStore{s3Client: &stubS3{body: "abc", length: aws.Int64(3)}, bucketName: "b"}
	rc, size, err := s.Get(ctx, 1)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, int64(3), size)

	s = &S3BlobStore{s3Client: &stubS3{body: "abc"}, bucketName: "b"}
	rc, size, err = s.Get(ctx, 1)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, int64(-1), size)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(data))
}

func TestS3BlobStore(t *testing.T) {
	// Skip test if AWS credentials are not available
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" || os.Getenv("AWS_SECRET_ACCESS_KEY") == "" {
		t.Skip("Skipping test: AWS credentials not available")
	}
	bucket := os.Getenv("S3_TEST_BUCKET")
	if bucket == "" {
		t.Skip("Skipping test: S3_TEST_BUCKET not set")
	}

	ctx := context.Background()
	s, err := NewS3BlobStore(testRegion, bucket, "test-"+uuid.NewString())
	require.NoError(t, err)

	ok, err := s.Exists(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = s.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, 1, strings.NewReader("good")))
	assert.Equal(t, "good", string(readBlob(t, s, 1)))

	err = s.Put(ctx, 1, &failingReader{err: errors.New("boom")})
	assert.Error(t, err)
	assert.Equal(t, "good", string(readBlob(t, s, 1)))
}
