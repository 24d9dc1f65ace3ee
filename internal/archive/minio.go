// Package archive keeps the raw CSV body of each successful sync in
// S3-compatible object storage, one object per run. Purely diagnostic:
// upload failures are logged by the caller and never fail a sync.
package archive

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioStore struct {
	client *minio.Client
	bucket string
}

func NewMinioStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the snapshot bucket if it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("make bucket: %w", err)
	}
	return nil
}

// PutSnapshot stores one sync run's raw CSV under snapshots/<syncID>.csv and
// returns the object name.
func (s *MinioStore) PutSnapshot(ctx context.Context, syncID, csvText string) (string, error) {
	objectName := fmt.Sprintf("snapshots/%s.csv", syncID)
	reader := strings.NewReader(csvText)

	_, err := s.client.PutObject(ctx, s.bucket, objectName, reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType: "text/csv",
		UserMetadata: map[string]string{
			"synced-at": time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put snapshot %s: %w", objectName, err)
	}
	return objectName, nil
}
