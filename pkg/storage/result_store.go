package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3ResultArchive stores result payloads in S3-compatible storage.
type S3ResultArchive struct {
	client *s3.Client
	bucket string
	prefix string
	now    func() time.Time
}

// S3ResultArchiveConfig holds S3 configuration
type S3ResultArchiveConfig struct {
	Bucket          string
	Prefix          string // e.g. "results/"
	Region          string
	Endpoint        string // For MinIO/local S3
	AccessKeyID     string
	SecretAccessKey string
}

// NewS3ResultArchive creates a new S3-backed result archive
func NewS3ResultArchive(ctx context.Context, cfg S3ResultArchiveConfig) (*S3ResultArchive, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	optFns := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		optFns = append(optFns, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO
		})
	}

	return &S3ResultArchive{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		now:    time.Now,
	}, nil
}

// Store uploads a result payload and returns its s3:// reference.
func (s *S3ResultArchive) Store(ctx context.Context, runID string, result []byte) (string, error) {
	key := s.buildKey(runID)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(result),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload result to S3: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Retrieve fetches a result payload from S3
func (s *S3ResultArchive) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	bucket, key, err := ParseS3Reference(reference)
	if err != nil {
		return nil, err
	}

	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get result from S3: %w", err)
	}
	defer output.Body.Close()

	data, err := io.ReadAll(output.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	return data, nil
}

func (s *S3ResultArchive) buildKey(runID string) string {
	return fmt.Sprintf("%s%s/%s.json", s.prefix, s.now().UTC().Format("2006/01/02"), runID)
}

// ParseS3Reference splits an s3://bucket/key reference.
func ParseS3Reference(reference string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(reference, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 reference: %q", reference)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 reference: %q", reference)
	}
	return bucket, key, nil
}

// LocalResultArchive stores result payloads on the local filesystem (for development/single-node)
type LocalResultArchive struct {
	basePath string
}

// NewLocalResultArchive creates a local filesystem result archive
func NewLocalResultArchive(basePath string) (*LocalResultArchive, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create result directory: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	return &LocalResultArchive{basePath: abs}, nil
}

// Store writes the payload to {basePath}/{runID}.json
func (l *LocalResultArchive) Store(ctx context.Context, runID string, result []byte) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) {
		return "", fmt.Errorf("invalid run id %q", runID)
	}
	path := filepath.Join(l.basePath, runID+".json")
	if err := os.WriteFile(path, result, 0644); err != nil {
		return "", fmt.Errorf("failed to write result: %w", err)
	}
	return path, nil
}

// Retrieve reads a payload; references outside the archive directory are rejected.
func (l *LocalResultArchive) Retrieve(ctx context.Context, reference string) ([]byte, error) {
	path := filepath.Clean(reference)
	if filepath.Dir(path) != l.basePath {
		return nil, fmt.Errorf("reference %q is outside the archive", reference)
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}
