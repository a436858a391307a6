// Package storage uploads promoted media to object storage so evidence
// survives sensor disk rotation. Optional; the daemon runs fine without it.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/cataloglu/thermal-dual-vision/internal/config"
)

// Uploader pushes media files to a MinIO bucket, keyed by event id so
// consumers can resolve any artifact from the MQTT event alone.
type Uploader struct {
	client *minio.Client
	bucket string
}

// NewUploader connects to the configured endpoint and ensures the bucket
// exists. Returns (nil, nil) when storage is disabled.
func NewUploader(cfg config.StorageConfig) (*Uploader, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("storage enabled but access_key/secret_key missing")
	}

	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := cli.BucketExists(ctx, cfg.Bucket)
		if checkErr != nil || !exists {
			return nil, fmt.Errorf("failed to create or verify bucket %s: %w", cfg.Bucket, err)
		}
	}

	slog.Info("object storage connected",
		"endpoint", cfg.Endpoint,
		"bucket", cfg.Bucket,
	)
	return &Uploader{client: cli, bucket: cfg.Bucket}, nil
}

// UploadEventMedia uploads one local media file under events/<eventID>/.
// Returns the object key.
func (u *Uploader) UploadEventMedia(ctx context.Context, eventID, localPath string) (string, error) {
	base := filepath.Base(localPath)
	key := fmt.Sprintf("events/%s/%s", eventID, base)

	contentType := mime.TypeByExtension(filepath.Ext(localPath))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	uploadCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	info, err := u.client.FPutObject(uploadCtx, u.bucket, key, localPath, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload %s: %w", base, err)
	}

	slog.Info("media uploaded",
		"event_id", eventID,
		"key", key,
		"bytes", info.Size,
	)
	return key, nil
}
