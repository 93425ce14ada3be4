package evidence

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink persists sealed bundles. Put returns the location the bundle landed
// at. Bundles are keyed by content hash, so a re-put of the same sealed
// bundle is idempotent.
type Sink interface {
	Put(ctx context.Context, b *Bundle) (string, error)
	Get(ctx context.Context, bundleHash string) (*Bundle, error)
}

// objectKey maps a bundle hash to a storage key. The "sha256:" prefix is
// stripped because colons are hostile to both filesystems and object-store
// tooling.
func objectKey(prefix, bundleHash string) string {
	return prefix + strings.TrimPrefix(bundleHash, "sha256:") + ".json"
}

// FSSink writes bundles to a directory. Writes are atomic: a temp file in
// the same directory, fsync, then rename — a crashed export never leaves a
// half-written bundle visible.
type FSSink struct {
	dir string
}

func NewFSSink(dir string) (*FSSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("evidence: create sink dir: %w", err)
	}
	return &FSSink{dir: dir}, nil
}

func (s *FSSink) Put(ctx context.Context, b *Bundle) (string, error) {
	data, err := b.Encode()
	if err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, objectKey("", b.BundleHash))

	tmp, err := os.CreateTemp(s.dir, ".bundle-*")
	if err != nil {
		return "", fmt.Errorf("evidence: create temp bundle: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("evidence: write bundle: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("evidence: sync bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("evidence: close bundle: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("evidence: publish bundle: %w", err)
	}
	return path, nil
}

func (s *FSSink) Get(ctx context.Context, bundleHash string) (*Bundle, error) {
	path := filepath.Join(s.dir, objectKey("", bundleHash))
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("evidence: read bundle %s: %w", bundleHash, err)
	}
	return Open(data)
}

// S3Sink stores bundles in an S3 bucket under their content hash.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3SinkConfig configures an S3Sink. Endpoint supports MinIO and LocalStack.
type S3SinkConfig struct {
	Bucket   string
	Region   string
	Endpoint string
	Prefix   string
}

func NewS3Sink(ctx context.Context, cfg S3SinkConfig) (*S3Sink, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("evidence: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &S3Sink{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *S3Sink) Put(ctx context.Context, b *Bundle) (string, error) {
	key := objectKey(s.prefix, b.BundleHash)

	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return key, nil
	}

	data, err := b.Encode()
	if err != nil {
		return "", err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("evidence: s3 put %s: %w", key, err)
	}
	return key, nil
}

func (s *S3Sink) Get(ctx context.Context, bundleHash string) (*Bundle, error) {
	key := objectKey(s.prefix, bundleHash)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("evidence: s3 get %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("evidence: s3 read %s: %w", key, err)
	}
	return Open(data)
}

// GCSSink stores bundles in a Google Cloud Storage bucket.
type GCSSink struct {
	client *storage.Client
	bucket string
	prefix string
}

func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence: gcs client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSSink) Put(ctx context.Context, b *Bundle) (string, error) {
	data, err := b.Encode()
	if err != nil {
		return "", err
	}
	key := objectKey(s.prefix, b.BundleHash)
	obj := s.client.Bucket(s.bucket).Object(key)

	// DoesNotExist precondition makes the put idempotent and protects an
	// already published bundle from overwrite.
	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("evidence: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		// Precondition failure means the bundle is already there.
		if strings.Contains(err.Error(), "conditionNotMet") {
			return key, nil
		}
		return "", fmt.Errorf("evidence: gcs publish %s: %w", key, err)
	}
	return key, nil
}

func (s *GCSSink) Get(ctx context.Context, bundleHash string) (*Bundle, error) {
	key := objectKey(s.prefix, bundleHash)
	r, err := s.client.Bucket(s.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("evidence: gcs get %s: %w", key, err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("evidence: gcs read %s: %w", key, err)
	}
	return Open(data)
}
