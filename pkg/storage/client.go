// Package storage fetches flash packages from an S3 bucket.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/mecha-org/mechaflt/pkg/errors"
)

// Fetcher is the subset of Client used by the fetch workflow.
type Fetcher interface {
	Download(ctx context.Context, key, localPath string) (*DownloadResult, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// Client provides S3 storage operations
type Client struct {
	s3Client *s3.Client
	bucket   string
}

// NewClient creates an S3 client for anonymous access to bucket
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Debug("s3_client_init", "bucket", bucket, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return &Client{
		s3Client: s3.NewFromConfig(cfg),
		bucket:   bucket,
	}, nil
}

// DownloadResult contains download metadata
type DownloadResult struct {
	LocalPath string
	SHA256    string
	Size      int64
}

// Download streams key to localPath and computes its SHA-256. The object is
// written to a sibling temp file first so an interrupted download never
// leaves a truncated package at localPath.
func (c *Client) Download(ctx context.Context, key, localPath string) (*DownloadResult, error) {
	slog.Info("s3_download_start", "bucket", c.bucket, "s3_key", key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, errors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	res, err := writeVerified(result.Body, localPath)
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", key, "error", err)
		return nil, err
	}

	slog.Info("s3_download_complete",
		"s3_key", key,
		"size_mb", res.Size>>20,
		"local_path", localPath,
		"sha256", res.SHA256,
	)
	return res, nil
}

func writeVerified(body io.Reader, localPath string) (*DownloadResult, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create cache directory")
	}

	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		return nil, errors.Wrap(err, "failed to create local file")
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hash), body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to download file")
	}

	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return nil, errors.Wrap(err, "failed to move download into place")
	}

	return &DownloadResult{
		LocalPath: localPath,
		SHA256:    hex.EncodeToString(hash.Sum(nil)),
		Size:      size,
	}, nil
}

// ListObjects lists all keys in the bucket with a given prefix
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	slog.Debug("s3_list_start", "bucket", c.bucket, "prefix", prefix)

	paginator := s3.NewListObjectsV2Paginator(c.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	})

	var keys []string
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, errors.Wrap(err, "failed to list objects")
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	slog.Debug("s3_list_complete", "prefix", prefix, "object_count", len(keys))
	return keys, nil
}

// Exists reports whether key is present in the bucket
func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			slog.Info("s3_object_not_found", "s3_key", key)
			return false, nil
		}
		slog.Error("s3_head_object_failed", "s3_key", key, "error", err)
		return false, errors.Wrap(err, "failed to check object existence")
	}
	return true, nil
}

// CachePath maps an object key to a file name inside cacheDir. Path
// separators in the key are flattened so every package sits directly in
// cacheDir; a short digest of the exact key keeps keys that flatten alike
// ("a/b", "a_b") apart.
func CachePath(cacheDir, key string) string {
	name := strings.Trim(key, "/")
	name = strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(name)
	if name == "" {
		name = "_"
	}
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(cacheDir, hex.EncodeToString(sum[:4])+"-"+name)
}
