package port

import (
	"context"
	"time"
)

type ObjectStorage interface {
	Upload(ctx context.Context, localPath, objectKey, contentType string) (int64, error)
	Download(ctx context.Context, objectKey, destPath string) error
	DownloadSource(ctx context.Context, objectKey, destPath string) error
	ListSource(ctx context.Context, prefix string) ([]string, error)
	PresignedURL(ctx context.Context, objectKey string, ttl time.Duration) (string, error)
}
