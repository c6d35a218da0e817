package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/streamforge/pipeline/internal/config"
	"github.com/streamforge/pipeline/internal/metrics"
	"github.com/streamforge/pipeline/pkg/models"
)

// observe records the outcome and duration of one storage operation.
func observe(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordStorageOperation(op, status, time.Since(start).Seconds())
}

// uploadAttempts bounds the idempotent per-object retry. A rendition
// upload that still fails after this many tries surfaces a StorageError
// to the job boundary.
const uploadAttempts = 3

// Storage provides object storage operations
type Storage struct {
	client     *minio.Client
	bucketName string
}

// New creates a new storage client and ensures the bucket exists
func New(cfg config.StorageConfig) (*Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	ctx := context.Background()
	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}

	if !exists {
		err = client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &Storage{
		client:     client,
		bucketName: cfg.BucketName,
	}, nil
}

// Upload uploads a stream to storage
func (s *Storage) Upload(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucketName, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return &models.StorageError{Op: "upload", Key: objectName, Err: err}
	}

	return nil
}

// Download opens a stored object for reading
func (s *Storage) Download(ctx context.Context, objectName string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, &models.StorageError{Op: "download", Key: objectName, Err: err}
	}

	return object, nil
}

// UploadFile uploads a local file. The put is idempotent, so transient
// failures are retried here rather than failing the whole job.
func (s *Storage) UploadFile(ctx context.Context, objectName, filePath string) error {
	start := time.Now()
	contentType := ContentType(filePath)

	var err error
	for attempt := 0; attempt < uploadAttempts; attempt++ {
		_, err = s.client.FPutObject(ctx, s.bucketName, objectName, filePath, minio.PutObjectOptions{
			ContentType: contentType,
		})
		if err == nil {
			observe("upload", start, nil)
			return nil
		}
		if ctx.Err() != nil {
			break
		}
	}

	observe("upload", start, err)
	return &models.StorageError{Op: "upload", Key: objectName, Err: err}
}

// DownloadFile downloads an object to the local filesystem
func (s *Storage) DownloadFile(ctx context.Context, objectName, filePath string) error {
	start := time.Now()
	err := s.client.FGetObject(ctx, s.bucketName, objectName, filePath, minio.GetObjectOptions{})
	observe("download", start, err)
	if err != nil {
		return &models.StorageError{Op: "download", Key: objectName, Err: err}
	}

	return nil
}

// UploadDirectory uploads every regular file under localDir to the given
// object prefix, preserving relative paths. Used to publish a job's
// rendition directory in one call.
func (s *Storage) UploadDirectory(ctx context.Context, prefix, localDir string) error {
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}

		return s.UploadFile(ctx, path.Join(prefix, filepath.ToSlash(rel)), p)
	})
}

// UploadManifest stores generated manifest text under the given object name
func (s *Storage) UploadManifest(ctx context.Context, objectName, text string) error {
	tmp, err := os.CreateTemp("", "manifest-*")
	if err != nil {
		return &models.StorageError{Op: "upload", Key: objectName, Err: err}
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return &models.StorageError{Op: "upload", Key: objectName, Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &models.StorageError{Op: "upload", Key: objectName, Err: err}
	}

	start := time.Now()
	_, err = s.client.FPutObject(ctx, s.bucketName, objectName, tmp.Name(), minio.PutObjectOptions{
		ContentType: ContentType(objectName),
	})
	observe("upload", start, err)
	if err != nil {
		return &models.StorageError{Op: "upload", Key: objectName, Err: err}
	}

	return nil
}

// Delete deletes an object from storage
func (s *Storage) Delete(ctx context.Context, objectName string) error {
	start := time.Now()
	err := s.client.RemoveObject(ctx, s.bucketName, objectName, minio.RemoveObjectOptions{})
	observe("delete", start, err)
	if err != nil {
		return &models.StorageError{Op: "delete", Key: objectName, Err: err}
	}

	return nil
}

// DeletePrefix removes every object under a prefix. Used to clean up
// partial renditions after a cancelled job.
func (s *Storage) DeletePrefix(ctx context.Context, prefix string) error {
	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return &models.StorageError{Op: "list", Key: prefix, Err: object.Err}
		}
		if err := s.Delete(ctx, object.Key); err != nil {
			return err
		}
	}

	return nil
}

// PresignedURL returns a time-limited download URL for an object
func (s *Storage) PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	start := time.Now()
	url, err := s.client.PresignedGetObject(ctx, s.bucketName, objectName, expiry, nil)
	observe("presign", start, err)
	if err != nil {
		return "", &models.StorageError{Op: "presign", Key: objectName, Err: err}
	}

	return url.String(), nil
}

// List lists object keys under a prefix
func (s *Storage) List(ctx context.Context, prefix string) ([]string, error) {
	var objects []string

	for object := range s.client.ListObjects(ctx, s.bucketName, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if object.Err != nil {
			return nil, &models.StorageError{Op: "list", Key: prefix, Err: object.Err}
		}
		objects = append(objects, object.Key)
	}

	return objects, nil
}

// ContentType returns the MIME type for a media file path
func ContentType(filePath string) string {
	switch filepath.Ext(filePath) {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mpd":
		return "application/dash+xml"
	case ".m4s":
		return "video/iso.segment"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
