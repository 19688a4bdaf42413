package datastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3 downloads objects and prefixes from S3-compatible storage.
type S3 struct {
	client *s3.Client
	logger *slog.Logger
}

// NewS3 creates an S3 downloader. A custom endpoint switches to path-style
// addressing.
func NewS3(cfg Config, logger *slog.Logger) *S3 {
	opts := s3.Options{Region: cfg.S3Region}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if cfg.S3KeyID != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.S3KeyID, cfg.S3Secret, "")
	} else {
		opts.Credentials = aws.AnonymousCredentials{}
	}
	if cfg.S3Endpoint != "" {
		endpoint := cfg.S3Endpoint
		if !strings.Contains(endpoint, "://") {
			endpoint = "https://" + endpoint
		}
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return &S3{client: s3.New(opts), logger: logger}
}

// ParseS3Locator splits s3://bucket/key.
func ParseS3Locator(locator string) (bucket, key string, err error) {
	u, err := url.Parse(locator)
	if err != nil {
		return "", "", fmt.Errorf("parse s3 locator %q: %w", locator, err)
	}
	switch u.Scheme {
	case "s3":
		bucket = u.Host
		key = strings.TrimPrefix(u.Path, "/")
	case "https":
		// bucket.s3.region.amazonaws.com/key
		bucket, _, _ = strings.Cut(u.Host, ".s3")
		key = strings.TrimPrefix(u.Path, "/")
	default:
		return "", "", fmt.Errorf("expected s3:// scheme, got %q in %q", u.Scheme, locator)
	}
	if bucket == "" {
		return "", "", fmt.Errorf("empty bucket in s3 locator %q", locator)
	}
	return bucket, key, nil
}

// Download copies an object, or every object under a prefix, to dst.
func (s *S3) Download(ctx context.Context, locator, dst string) (int64, error) {
	bucket, key, err := ParseS3Locator(locator)
	if err != nil {
		return 0, err
	}
	prefix := strings.TrimSuffix(key, "/")

	var keys []string
	single := false
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return 0, translateS3Error(err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			switch {
			case k == prefix:
				single = true
			case prefix == "" || strings.HasPrefix(k, prefix+"/"):
				if !strings.HasSuffix(k, "/") {
					keys = append(keys, k)
				}
			}
		}
	}

	if single && len(keys) == 0 {
		return s.downloadObject(ctx, bucket, prefix, dst)
	}
	if len(keys) == 0 {
		return 0, ErrNotFound
	}
	var total int64
	for _, k := range keys {
		rel := strings.TrimPrefix(strings.TrimPrefix(k, prefix), "/")
		n, err := s.downloadObject(ctx, bucket, k, filepath.Join(dst, filepath.FromSlash(rel)))
		total += n
		if err != nil {
			return total, err
		}
	}
	s.logger.Debug("downloaded s3 prefix", "bucket", bucket, "prefix", prefix, "objects", len(keys), "bytes", total)
	return total, nil
}

func (s *S3) downloadObject(ctx context.Context, bucket, key, dst string) (int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(bucket), Key: aws.String(key)})
	if err != nil {
		return 0, translateS3Error(err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	f, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, out.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func translateS3Error(err error) error {
	var nsk *types.NoSuchKey
	var nsb *types.NoSuchBucket
	if errors.As(err, &nsk) || errors.As(err, &nsb) {
		return ErrNotFound
	}
	return err
}
