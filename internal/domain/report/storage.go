package report

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/clinic/clinic/pkg/apperr"
)

const contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ObjectStore holds rendered report files.
type ObjectStore interface {
	Upload(ctx context.Context, key string, data []byte) error
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

type S3Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	UseSSL          bool
	Region          string
	Prefix          string
}

// S3Store writes to an S3-compatible bucket through minio-go.
type S3Store struct {
	raw    *minio.Client
	bucket string
	prefix string
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Store{raw: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *S3Store) EnsureBucket(ctx context.Context, region string) error {
	exists, err := s.raw.BucketExists(ctx, s.bucket)
	if err != nil {
		return apperr.Unavailable("check bucket", err)
	}
	if exists {
		return nil
	}
	if err := s.raw.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: region}); err != nil {
		return apperr.Unavailable("create bucket", err)
	}
	return nil
}

func (s *S3Store) Upload(ctx context.Context, key string, data []byte) error {
	_, err := s.raw.PutObject(ctx, s.bucket, s.prefix+key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentTypeXLSX,
	})
	if err != nil {
		return apperr.Unavailable(fmt.Sprintf("put object %q", key), err)
	}
	return nil
}

func (s *S3Store) PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	params := url.Values{}
	params.Set("response-content-disposition", fmt.Sprintf("attachment; filename=%q", key[strings.LastIndex(key, "/")+1:]))
	u, err := s.raw.PresignedGetObject(ctx, s.bucket, s.prefix+key, ttl, params)
	if err != nil {
		return "", apperr.Unavailable(fmt.Sprintf("presign %q", key), err)
	}
	return u.String(), nil
}

// MemoryObjectStore keeps files in process and hands out memory:// URLs.
type MemoryObjectStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{files: make(map[string][]byte)}
}

func (m *MemoryObjectStore) Upload(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryObjectStore) PresignedURL(_ context.Context, key string, _ time.Duration) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.files[key]; !ok {
		return "", apperr.NotFound("report file", key)
	}
	return "memory://reports/" + key, nil
}

// File returns a stored file.
func (m *MemoryObjectStore) File(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[key]
	return data, ok
}
