package storage

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	fwerrors "github.com/fly-io/fwupdate/pkg/errors"
	"github.com/fly-io/fwupdate/pkg/integrity"
	"github.com/fly-io/fwupdate/pkg/manifest"
)

// ErrTooLarge is returned when an object exceeds the download limit.
var ErrTooLarge = errors.New("storage: object exceeds size limit")

// objectAPI is the subset of the S3 client used for release images.
type objectAPI interface {
	s3.ListObjectsV2APIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// Client fetches firmware releases from an S3 bucket
type Client struct {
	s3Client objectAPI
	bucket   string
}

// NewClient creates a new S3 client for anonymous access
func NewClient(ctx context.Context, bucket, region string) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, fwerrors.Wrap(err, "failed to load AWS config")
	}

	slog.Info("s3_client_created", "bucket", bucket)
	return &Client{s3Client: s3.NewFromConfig(cfg), bucket: bucket}, nil
}

// DownloadResult describes an image fetched to local disk
type DownloadResult struct {
	LocalPath string
	Digest    [integrity.Size]byte
	Size      int64
}

// Download fetches s3Key into localPath, computing its digest on the way.
// Objects larger than maxSize are rejected before anything is renamed into
// place. The file only appears at localPath once fully written and synced.
func (c *Client) Download(ctx context.Context, s3Key, localPath string, alg integrity.Algorithm, maxSize int64) (*DownloadResult, error) {
	slog.Info("s3_download_start", "bucket", c.bucket, "s3_key", s3Key)

	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", s3Key, "error", err)
		return nil, fwerrors.Wrap(err, "failed to get object from S3")
	}
	defer result.Body.Close()

	if result.ContentLength != nil && *result.ContentLength > maxSize {
		slog.Error("s3_object_too_large", "s3_key", s3Key, "size", *result.ContentLength, "max_size", maxSize)
		return nil, fmt.Errorf("%w: %s is %d bytes, limit %d", ErrTooLarge, s3Key, *result.ContentLength, maxSize)
	}

	v, err := integrity.New(alg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return nil, fwerrors.Wrap(err, "failed to create download directory")
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), ".download-*")
	if err != nil {
		slog.Error("local_file_creation_failed", "path", localPath, "error", err)
		return nil, fwerrors.Wrap(err, "failed to create local file")
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(io.MultiWriter(tmp, v), io.LimitReader(result.Body, maxSize+1))
	if err != nil {
		slog.Error("s3_download_failed", "s3_key", s3Key, "error", err)
		return nil, fwerrors.Wrap(err, "failed to download file")
	}
	if size > maxSize {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrTooLarge, s3Key, maxSize)
	}
	if err := tmp.Sync(); err != nil {
		return nil, fwerrors.Wrap(err, "failed to sync download")
	}
	if err := tmp.Close(); err != nil {
		return nil, fwerrors.Wrap(err, "failed to close download")
	}
	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return nil, fwerrors.Wrap(err, "failed to move download into place")
	}

	digest := v.Sum()
	hexDigest := hex.EncodeToString(digest[:])
	slog.Info("s3_download_complete",
		"s3_key", s3Key,
		"size", size,
		"local_path", localPath,
		"digest", hexDigest[:16]+"...",
	)

	return &DownloadResult{LocalPath: localPath, Digest: digest, Size: size}, nil
}

// FetchManifest reads and parses a release manifest object.
func (c *Client) FetchManifest(ctx context.Context, key string) (*manifest.Manifest, error) {
	result, err := c.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", key, "error", err)
		return nil, fwerrors.Wrap(err, "failed to get manifest from S3")
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(result.Body, 64*1024)); err != nil {
		return nil, fwerrors.Wrap(err, "failed to read manifest")
	}
	m, err := manifest.Parse(buf.Bytes())
	if err != nil {
		return nil, fwerrors.Wrapf(err, "manifest %s", key)
	}
	return m, nil
}

// ListObjects lists all objects in the bucket with a given prefix
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	slog.Info("s3_list_start", "bucket", c.bucket, "prefix", prefix)

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.bucket),
		Prefix: aws.String(prefix),
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.s3Client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			slog.Error("s3_list_failed", "prefix", prefix, "error", err)
			return nil, fwerrors.Wrap(err, "failed to list objects")
		}
		for _, obj := range page.Contents {
			if obj.Key != nil {
				keys = append(keys, *obj.Key)
			}
		}
	}

	slog.Info("s3_list_complete", "prefix", prefix, "object_count", len(keys))
	return keys, nil
}

// ListReleases returns the manifest keys under prefix, sorted.
func (c *Client) ListReleases(ctx context.Context, prefix string) ([]string, error) {
	keys, err := c.ListObjects(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var manifests []string
	for _, k := range keys {
		if strings.HasSuffix(k, "/"+manifest.FileName) || k == manifest.FileName {
			manifests = append(manifests, k)
		}
	}
	sort.Strings(manifests)
	return manifests, nil
}

// Exists checks if an object exists in S3
func (c *Client) Exists(ctx context.Context, s3Key string) (bool, error) {
	_, err := c.s3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			slog.Info("s3_object_not_found", "s3_key", s3Key)
			return false, nil
		}
		slog.Error("s3_head_object_failed", "s3_key", s3Key, "error", err)
		return false, fwerrors.Wrap(err, "failed to check object existence")
	}

	slog.Info("s3_object_exists", "s3_key", s3Key)
	return true, nil
}
