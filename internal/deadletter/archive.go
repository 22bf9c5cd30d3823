package deadletter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	defaultMaxRecordBytes int64 = 4 << 20
)

var (
	ErrInvalidKey = errors.New("deadletter: invalid key")
	ErrNotFound   = errors.New("deadletter: not found")
	ErrTooLarge   = errors.New("deadletter: record too large")
)

// Archive is write-once storage keyed by record path.
type Archive interface {
	// Create stores payload unless key already exists. created is false for an existing key.
	Create(ctx context.Context, key string, payload []byte, meta map[string]string) (created bool, err error)
	Read(ctx context.Context, key string) ([]byte, error)
}

type ArchiveConfig struct {
	Driver string
	// Prefix is prepended to every key, e.g. "deadletter/prod".
	Prefix string

	// MaxRecordBytes bounds Read. Defaults to 4 MiB.
	MaxRecordBytes int64

	Bucket   string
	S3Client S3Client
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

func NewArchive(cfg ArchiveConfig) (Archive, error) {
	prefix := strings.Trim(strings.TrimSpace(cfg.Prefix), "/")
	limit := cfg.MaxRecordBytes
	if limit <= 0 {
		limit = defaultMaxRecordBytes
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case DriverMemory:
		return &memoryArchive{prefix: prefix, limit: limit, objects: make(map[string][]byte), meta: make(map[string]map[string]string)}, nil
	case DriverS3, "":
		bucket := strings.TrimSpace(cfg.Bucket)
		if bucket == "" || cfg.S3Client == nil {
			return nil, fmt.Errorf("%w: s3 archive requires bucket and client", ErrInvalidConfig)
		}
		return &s3Archive{client: cfg.S3Client, bucket: bucket, prefix: prefix, limit: limit}, nil
	}
	return nil, fmt.Errorf("%w: unsupported archive driver %q", ErrInvalidConfig, cfg.Driver)
}

// objectKey rejects keys that would escape the prefix or confuse object listings.
func objectKey(prefix, key string) (string, error) {
	k := strings.TrimPrefix(key, "/")
	switch {
	case k == "" || k != strings.TrimSpace(k):
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	case strings.Contains(k, ".."):
		return "", fmt.Errorf("%w: %q contains ..", ErrInvalidKey, key)
	case strings.ContainsFunc(k, func(r rune) bool { return r < 0x20 || r == 0x7f }):
		return "", fmt.Errorf("%w: %q contains control characters", ErrInvalidKey, key)
	}
	if prefix == "" {
		return k, nil
	}
	return prefix + "/" + k, nil
}

type memoryArchive struct {
	mu      sync.Mutex
	prefix  string
	limit   int64
	objects map[string][]byte
	meta    map[string]map[string]string
}

func (m *memoryArchive) Create(_ context.Context, key string, payload []byte, meta map[string]string) (bool, error) {
	k, err := objectKey(m.prefix, key)
	if err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[k]; ok {
		return false, nil
	}
	m.objects[k] = bytes.Clone(payload)
	m.meta[k] = maps.Clone(meta)
	return true, nil
}

func (m *memoryArchive) Read(_ context.Context, key string) ([]byte, error) {
	k, err := objectKey(m.prefix, key)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[k]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if int64(len(b)) > m.limit {
		return nil, fmt.Errorf("%w: %s", ErrTooLarge, key)
	}
	return bytes.Clone(b), nil
}

type s3Archive struct {
	client S3Client
	bucket string
	prefix string
	limit  int64
}

// Create uses a conditional put so concurrent workers dead-lettering the same payload
// store it once.
func (s *s3Archive) Create(ctx context.Context, key string, payload []byte, meta map[string]string) (bool, error) {
	k, err := objectKey(s.prefix, key)
	if err != nil {
		return false, err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(k),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
		Metadata:    meta,
		IfNoneMatch: aws.String("*"),
	})
	switch {
	case err == nil:
		return true, nil
	case hasCode(err, "PreconditionFailed", "ConditionalRequestConflict"):
		return false, nil
	}
	return false, fmt.Errorf("deadletter/s3: put %s: %w", k, err)
}

func (s *s3Archive) Read(ctx context.Context, key string) ([]byte, error) {
	k, err := objectKey(s.prefix, key)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(k)})
	if err != nil {
		if hasCode(err, "NoSuchKey", "NotFound") {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("deadletter/s3: get %s: %w", k, err)
	}
	defer func() { _ = out.Body.Close() }()

	b, err := io.ReadAll(io.LimitReader(out.Body, s.limit+1))
	if err != nil {
		return nil, fmt.Errorf("deadletter/s3: read %s: %w", k, err)
	}
	if int64(len(b)) > s.limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, key, s.limit)
	}
	return b, nil
}

func hasCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.ErrorCode() == c {
			return true
		}
	}
	return false
}
