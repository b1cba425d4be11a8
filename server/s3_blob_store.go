package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3BlobStore implements the BlobStore interface using AWS S3.
// An object only becomes visible once its upload completes; failed multipart
// uploads are aborted by the uploader.
type S3BlobStore struct {
	s3Client   s3iface.S3API
	uploader   *s3manager.Uploader
	bucketName string
	prefix     string
}

var _ BlobStore = (*S3BlobStore)(nil)

// NewS3BlobStore creates a new S3 blob store
func NewS3BlobStore(region, bucketName, prefix string) (*S3BlobStore, error) {
	if bucketName == "" {
		return nil, fmt.Errorf("S3 bucket name is required")
	}
	if strings.Contains(bucketName, "[") || strings.Contains(bucketName, "]") {
		return nil, fmt.Errorf("S3 bucket name contains placeholders: %s", bucketName)
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, err
	}

	return &S3BlobStore{
		s3Client:   s3.New(sess),
		uploader:   s3manager.NewUploader(sess),
		bucketName: bucketName,
		prefix:     strings.Trim(prefix, "/"),
	}, nil
}

// Put uploads a blob to S3
func (s *S3BlobStore) Put(ctx context.Context, id VideoID, data io.Reader) error {
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.bucketName),
		Key:         aws.String(s.key(id)),
		Body:        &ctxReader{ctx: ctx, r: data},
		ContentType: aws.String(VideoDataContentType),
	})
	if err != nil {
		return fmt.Errorf("failed to upload blob: %w", err)
	}
	return nil
}

// Exists checks for the object with a HEAD request
func (s *S3BlobStore) Exists(ctx context.Context, id VideoID) (bool, error) {
	_, err := s.s3Client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to get blob metadata: %w", err)
	}
	return true, nil
}

// Get retrieves a blob from S3. The size is -1 when S3 did not report one.
func (s *S3BlobStore) Get(ctx context.Context, id VideoID) (io.ReadCloser, int64, error) {
	output, err := s.s3Client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(s.key(id)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("failed to get blob: %w", err)
	}
	size := int64(-1)
	if output.ContentLength != nil {
		size = *output.ContentLength
	}
	return output.Body, size, nil
}

// key creates an S3 key from the video id
func (s *S3BlobStore) key(id VideoID) string {
	if s.prefix == "" {
		return fmt.Sprintf("videos/%d/data", id)
	}
	return fmt.Sprintf("%s/videos/%d/data", s.prefix, id)
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}
