package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/yashenkoxciv/image-moderation-platform/internal/config"
	"github.com/yashenkoxciv/image-moderation-platform/internal/retry"
)

// S3Store keeps objects in a single S3-compatible bucket (AWS, MinIO, R2).
type S3Store struct {
	client   *s3.S3
	uploader *s3manager.Uploader
	bucket   string
}

// NewS3Store builds a client for the configured endpoint. Path-style
// addressing is forced so self-hosted endpoints work without DNS buckets.
func NewS3Store(cfg config.ObjectStorageConfig) (*S3Store, error) {
	awsCfg := &aws.Config{
		Region:           aws.String(cfg.Region),
		S3ForcePathStyle: aws.Bool(true),
		// Retries are handled by the Retrying decorator.
		MaxRetries: aws.Int(0),
	}
	if cfg.EndpointURL != "" {
		awsCfg.Endpoint = aws.String(cfg.EndpointURL)
	}
	if cfg.AccessKey != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AccessKey, cfg.SecretKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("create AWS session: %w", err)
	}

	return &S3Store{
		client:   s3.New(sess),
		uploader: s3manager.NewUploader(sess),
		bucket:   cfg.Bucket,
	}, nil
}

func (s *S3Store) Put(ctx context.Context, key string, data []byte, contentType string) error {
	input := &s3manager.UploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	if _, err := s.uploader.UploadWithContext(ctx, input); err != nil {
		return classifyError(ctx, "put", key, err)
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyError(ctx, "get", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("get %s: read body: %w: %v", key, ErrUnavailable, err)
	}
	return &Object{Data: data, ContentType: aws.StringValue(out.ContentType)}, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyError(ctx, "delete", key, err)
	}
	return nil
}

// Ping checks that the bucket exists and the credentials can reach it.
func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return classifyError(ctx, "head bucket", s.bucket, err)
	}
	return nil
}

// EnsureBucket creates the bucket if it does not exist yet. Used for local
// MinIO setups.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.CreateBucketWithContext(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return nil
	}
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeBucketAlreadyOwnedByYou, s3.ErrCodeBucketAlreadyExists:
			return nil
		}
	}
	return classifyError(ctx, "create bucket", s.bucket, err)
}

// PresignGet returns a URL that allows reading key until ttl elapses.
func (s *S3Store) PresignGet(key string, ttl time.Duration) (string, error) {
	req, _ := s.client.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	url, err := req.Presign(ttl)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return url, nil
}

// classifyError maps SDK failures onto ErrNotFound and ErrUnavailable.
// Anything else (access denied, bad request) is returned as is.
func classifyError(ctx context.Context, op, key string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s %s: %w", op, key, ctxErr)
	}

	var reqErr awserr.RequestFailure
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.StatusCode() == http.StatusNotFound:
			return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
		case reqErr.StatusCode() == http.StatusTooManyRequests, reqErr.StatusCode() >= 500:
			return fmt.Errorf("%s %s: %w: %v", op, key, ErrUnavailable, err)
		case reqErr.StatusCode() >= 400:
			return fmt.Errorf("%s %s: %w", op, key, err)
		}
	}

	var aerr awserr.Error
	if errors.As(err, &aerr) {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound":
			return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
		}
	}

	// Connection refused, DNS, TLS and timeouts surface without a status code.
	return fmt.Errorf("%s %s: %w: %v", op, key, ErrUnavailable, err)
}

// Open connects to the configured bucket, creating it first when asked,
// and returns it behind a RetryingStore bounded by cfg.MaxRetries.
func Open(ctx context.Context, cfg config.ObjectStorageConfig) (*RetryingStore, error) {
	s3Store, err := NewS3Store(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.CreateBucket {
		if err := s3Store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
	}
	if err := s3Store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping bucket %s: %w", cfg.Bucket, err)
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.MaxRetries
	return Retrying(s3Store, policy), nil
}
