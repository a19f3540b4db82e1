// Package files issues presigned URLs for attachment uploads and downloads.
package files

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var ErrInvalidKey = errors.New("invalid object key")

// bucketClient is the subset of *minio.Client used here.
type bucketClient interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PresignedPutObject(ctx context.Context, bucket, object string, expires time.Duration) (*url.URL, error)
	PresignedGetObject(ctx context.Context, bucket, object string, expires time.Duration, params url.Values) (*url.URL, error)
	RemoveObject(ctx context.Context, bucket, object string, opts minio.RemoveObjectOptions) error
}

type Config struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	UseSSL     bool
	PresignTTL time.Duration
}

// ObjectStore keeps attachments in a single bucket under random uuid keys.
type ObjectStore struct {
	client bucketClient
	bucket string
	ttl    time.Duration
	newKey func() string
}

func New(cfg Config) (*ObjectStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return newObjectStore(client, cfg.Bucket, cfg.PresignTTL), nil
}

func newObjectStore(client bucketClient, bucket string, ttl time.Duration) *ObjectStore {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &ObjectStore{
		client: client,
		bucket: bucket,
		ttl:    ttl,
		newKey: uuid.NewString,
	}
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.bucket, err)
	}
	return nil
}

// GenerateUploadURL reserves a fresh key and returns a presigned PUT url for it.
func (s *ObjectStore) GenerateUploadURL(ctx context.Context) (string, string, error) {
	key := s.newKey()
	u, err := s.client.PresignedPutObject(ctx, s.bucket, key, s.ttl)
	if err != nil {
		return "", "", fmt.Errorf("presign upload: %w", err)
	}
	return key, u.String(), nil
}

func (s *ObjectStore) GetURL(ctx context.Context, key string) (string, error) {
	if !ValidKey(key) {
		return "", ErrInvalidKey
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, s.ttl, nil)
	if err != nil {
		return "", fmt.Errorf("presign download: %w", err)
	}
	return u.String(), nil
}

func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	if !ValidKey(key) {
		return ErrInvalidKey
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	return nil
}

// ValidKey reports whether key has the shape GenerateUploadURL hands out.
func ValidKey(key string) bool {
	_, err := uuid.Parse(key)
	return err == nil
}
