// Package docstore archives documents fetched from the remote system to a
// local directory or an S3 bucket.
package docstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"erp-bridge/internal/config"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archive stores fetched documents, choosing S3 when a bucket is
// configured and the local directory otherwise.
type Archive struct {
	local uploader
	s3    uploader
}

// New constructs the archive from config.
func New(ctx context.Context, cfg config.Config) (*Archive, error) {
	baseDir := cfg.DocOutputDir
	if baseDir == "" {
		baseDir = "./documents"
	}

	var s3Upload uploader
	if cfg.DocS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.DocS3Bucket}
	}

	return &Archive{
		local: &localUploader{baseDir: baseDir},
		s3:    s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.DocS3Region),
	}
	if cfg.DocS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.DocS3Endpoint,
					HostnameImmutable: cfg.DocS3PathStyle,
					SigningRegion:     cfg.DocS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.DocS3PathStyle
	}), nil
}

// Store archives one document and returns its location.
func (a *Archive) Store(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	up := a.s3
	if up == nil {
		up = a.local
	}
	if up == nil {
		return "", errors.New("no archive destination configured")
	}
	loc, err := up.Upload(ctx, key, body, contentType)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", key, err)
	}
	return loc, nil
}

// sanitizeKey keeps keys relative so a hostile document number cannot
// escape the archive root.
func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	if key == ".." || key == "." {
		key = "unnamed"
	}
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
