// Package s3 implements the blob store port against any S3-compatible
// endpoint (MinIO in local deployments).
package s3

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/altify/altify/internal/domain"
)

// Config carries connection settings for the S3 endpoint.
type Config struct {
	// e.g. "http://127.0.0.1:9000"
	Endpoint string
	// e.g. "us-east-1"
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// Store is a BlobStore backed by one S3 bucket.
type Store struct {
	client *s3.Client
	bucket string
}

// Connect builds an S3 client for the configured endpoint.
func Connect(cfg Config) *s3.Client {
	return s3.NewFromConfig(aws.Config{Region: cfg.Region}, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(cfg.Endpoint)
		o.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
		// MinIO serves buckets under the path, not a subdomain.
		o.UsePathStyle = true
	})
}

// New constructs a Store over an existing client.
func New(client *s3.Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx domain.Context, region string) error {
	_, err := s.client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(s.bucket),
		CreateBucketConfiguration: &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		},
	})
	if err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("op=blob.ensure_bucket: %w", err)
	}
	return nil
}

// Put writes data under key if no object exists there yet. A concurrent or
// repeated write of the same key fails with ErrConflict.
func (s *Store) Put(ctx domain.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		if httpStatus(err) == 412 {
			return fmt.Errorf("op=blob.put key=%s: %w", key, domain.ErrConflict)
		}
		return fmt.Errorf("op=blob.put key=%s: %w: %v", key, domain.ErrUnavailable, err)
	}
	return nil
}

// Get fetches the object bytes at key; ErrNotFound when absent.
func (s *Store) Get(ctx domain.Context, key string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) || httpStatus(err) == 404 {
			return nil, fmt.Errorf("op=blob.get key=%s: %w", key, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=blob.get key=%s: %w: %v", key, domain.ErrUnavailable, err)
	}
	defer func() { _ = out.Body.Close() }()
	b, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("op=blob.get key=%s: read body: %w", key, err)
	}
	return b, nil
}

// Delete removes the object at key; deleting a missing key is not an error.
func (s *Store) Delete(ctx domain.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("op=blob.delete key=%s: %w: %v", key, domain.ErrUnavailable, err)
	}
	return nil
}

func httpStatus(err error) int {
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
		return 412
	}
	return 0
}
