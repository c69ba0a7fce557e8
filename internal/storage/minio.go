package storage

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOClient uploads run artifacts to an S3-compatible endpoint.
type MinIOClient struct {
	client *minio.Client
}

// NewMinIOClient connects to cfg.Endpoint. A scheme in the endpoint wins over
// cfg.Secure.
func NewMinIOClient(cfg Config) (*MinIOClient, error) {
	ep, err := parseEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid upload endpoint: %w", err)
	}
	secure := cfg.Secure
	if ep.scheme != "" {
		secure = ep.scheme == "https"
	}

	client, err := minio.New(ep.host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return &MinIOClient{client: client}, nil
}

type endpoint struct {
	host   string
	scheme string
}

// parseEndpoint accepts host:port or a bare http(s) URL without a path.
func parseEndpoint(raw string) (endpoint, error) {
	if raw == "" {
		return endpoint{}, fmt.Errorf("endpoint is empty")
	}

	if !strings.Contains(raw, "://") {
		if strings.Contains(raw, "/") {
			return endpoint{}, fmt.Errorf("%q has a path but no scheme", raw)
		}
		return endpoint{host: raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("failed to parse %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return endpoint{}, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Path != "" && u.Path != "/" {
		return endpoint{}, fmt.Errorf("%q must not contain a path", raw)
	}
	if u.Host == "" {
		return endpoint{}, fmt.Errorf("%q has no host", raw)
	}
	return endpoint{host: u.Host, scheme: u.Scheme}, nil
}

// BucketExists reports whether bucket is reachable with the configured keys
func (c *MinIOClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return c.client.BucketExists(ctx, bucket)
}

// UploadFile uploads a local file
func (c *MinIOClient) UploadFile(ctx context.Context, bucket, key, filePath string, opts PutOptions) (ObjectInfo, error) {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	info, err := c.client.FPutObject(ctx, bucket, key, filePath, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: opts.Metadata,
	})
	if err != nil {
		return ObjectInfo{}, err
	}

	return ObjectInfo{
		Bucket:       info.Bucket,
		Key:          info.Key,
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, nil
}
