package storage

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/fleetwork/cacheengine/pkg/errors"
)

// Object metadata keys. The SDK returns user metadata keys lower-cased.
const (
	metaStoredAt   = "stored-at"
	metaTTLSeconds = "ttl-seconds"
)

// S3API is the subset of the S3 client the store uses
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config represents the object storage tier configuration
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	MaxRetries      int    `yaml:"max_retries"`
}

// S3Store keeps one object per key under a prefix
type S3Store struct {
	client S3API
	bucket string
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

// S3Option configures an S3Store
type S3Option func(*S3Store)

// WithS3Clock sets the time source used for expiry
func WithS3Clock(clock func() time.Time) S3Option {
	return func(s *S3Store) {
		if clock != nil {
			s.now = clock
		}
	}
}

func WithS3Logger(logger *slog.Logger) S3Option {
	return func(s *S3Store) {
		if logger != nil {
			s.logger = logger.With("component", "s3-store")
		}
	}
}

// NewS3Store builds an S3 client from cfg and the default AWS credential chain
func NewS3Store(ctx context.Context, cfg S3Config, opts ...S3Option) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "s3 bucket is required").
			WithComponent("s3-store")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfig, "failed to load AWS config", err).
			WithComponent("s3-store")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return NewS3StoreWithClient(client, cfg, opts...), nil
}

// NewS3StoreWithClient wraps an existing client
func NewS3StoreWithClient(client S3API, cfg S3Config, opts ...S3Option) *S3Store {
	s := &S3Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    time.Now,
		logger: slog.Default().With("component", "s3-store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *S3Store) objectKey(key string) string {
	return s.prefix + key
}

// Get reads key. Expired objects read as absent and are deleted best-effort.
func (s *S3Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, s.translateError("get", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	storedAt, ttl, ok := parseExpiry(out.Metadata)
	if !ok {
		s.logger.Warn("object has no expiry metadata", "key", key)
		return nil, false, nil
	}
	if _, live := remaining(storedAt, ttl, s.now()); !live {
		if err := s.Remove(ctx, key); err != nil {
			s.logger.Warn("failed to delete expired object", "key", key, "error", err)
		}
		return nil, false, nil
	}

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, s.translateError("get", key, err)
	}
	return data, true, nil
}

// Set writes data for key
func (s *S3Store) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			metaStoredAt:   s.now().UTC().Format(time.RFC3339Nano),
			metaTTLSeconds: strconv.FormatFloat(ttl.Seconds(), 'f', -1, 64),
		},
	})
	if err != nil {
		return s.translateError("put", key, err)
	}
	return nil
}

// Remove deletes key
func (s *S3Store) Remove(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return s.translateError("delete", key, err)
	}
	return nil
}

// Close is a no-op
func (s *S3Store) Close() error {
	return nil
}

// Helper methods

func parseExpiry(meta map[string]string) (time.Time, time.Duration, bool) {
	get := func(k string) string {
		for mk, v := range meta {
			if strings.EqualFold(mk, k) {
				return v
			}
		}
		return ""
	}
	storedAt, err := time.Parse(time.RFC3339Nano, get(metaStoredAt))
	if err != nil {
		return time.Time{}, 0, false
	}
	secs, err := strconv.ParseFloat(get(metaTTLSeconds), 64)
	if err != nil {
		return time.Time{}, 0, false
	}
	return storedAt, time.Duration(secs * float64(time.Second)), true
}

func isNotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if stderrors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (s *S3Store) translateError(operation, key string, err error) error {
	code := errors.ErrCodeStorageRead
	if operation != "get" {
		code = errors.ErrCodeStorageWrite
	}
	e := errors.Wrap(code, operation+" failed", err).
		WithComponent("s3-store").
		WithOperation(operation).
		WithDetail("bucket", s.bucket).
		WithDetail("key", key)

	var apiErr smithy.APIError
	if stderrors.As(err, &apiErr) {
		e = e.WithDetail("aws_code", apiErr.ErrorCode())
	}
	return e
}
