// Package storage uploads finished export artifacts to S3-compatible storage.
package storage

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// Client defines the S3-compatible operations needed to publish artifacts
type Client interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	UploadFile(ctx context.Context, bucket, key, filePath string, opts PutOptions) (ObjectInfo, error)
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// PutOptions contains options for put operations
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
}

// Config contains client configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
}

// Artifact is a local file produced by a run
type Artifact struct {
	Path        string
	ContentType string
}

// Uploader publishes the artifacts of a run under <prefix>/<runID>/
type Uploader struct {
	client Client
	bucket string
	prefix string
}

// NewUploader creates an uploader for bucket
func NewUploader(client Client, bucket, prefix string) *Uploader {
	return &Uploader{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Upload stores every artifact, stopping at the first failure.
func (u *Uploader) Upload(ctx context.Context, runID string, artifacts []Artifact, metadata map[string]string) ([]ObjectInfo, error) {
	ok, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", u.bucket, err)
	}
	if !ok {
		return nil, fmt.Errorf("bucket %s does not exist", u.bucket)
	}

	uploaded := make([]ObjectInfo, 0, len(artifacts))
	for _, a := range artifacts {
		key := u.ObjectKey(runID, a.Path)
		info, err := u.client.UploadFile(ctx, u.bucket, key, a.Path, PutOptions{
			ContentType: a.ContentType,
			Metadata:    metadata,
		})
		if err != nil {
			return uploaded, fmt.Errorf("failed to upload %s: %w", a.Path, err)
		}
		uploaded = append(uploaded, info)
	}

	return uploaded, nil
}

// ObjectKey returns the key an artifact is stored under
func (u *Uploader) ObjectKey(runID, filePath string) string {
	name := filepath.Base(filePath)
	if u.prefix == "" {
		return path.Join(runID, name)
	}
	return path.Join(u.prefix, runID, name)
}
