package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cocoguard/apiserver/config"
	"github.com/cocoguard/apiserver/types"
	"github.com/google/uuid"
)

// ErrUnsupportedImage is returned for uploads that are not jpeg, png or webp.
var ErrUnsupportedImage = errors.New("unsupported image type")

// ErrObjectNotFound is returned when a key does not exist in the bucket.
var ErrObjectNotFound = errors.New("object not found")

// ErrDisabled is returned by NewFromConfig when no backend is configured.
var ErrDisabled = errors.New("object storage is not configured")

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
}

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Bucket() string
}

// Storage wraps an ObjectStorage backend with scan image helpers.
type Storage struct {
	backend ObjectStorage
}

// NewStorage constructs a Storage wrapper for the provided backend.
func NewStorage(backend ObjectStorage) *Storage {
	return &Storage{backend: backend}
}

// NewFromConfig connects the backend selected by cfg.Storage.Backend.
func NewFromConfig(ctx context.Context, cfg config.Config) (*Storage, error) {
	var backend ObjectStorage
	var err error
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Backend)) {
	case "":
		return nil, ErrDisabled
	case "minio":
		backend, err = NewMinioClient(cfg.Minio)
	case "gcs":
		backend, err = NewGCSClient(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewStorage(backend), nil
}

// EnsureBucket ensures the configured bucket exists.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	return s.backend.EnsureBucket(ctx)
}

// PutScanImage stores an uploaded scan image under
// scans/<userID>/<uuid><ext> and returns the object key.
func (s *Storage) PutScanImage(ctx context.Context, userID int, r io.Reader, size int64, contentType string) (string, error) {
	ext, ok := imageExtensions[normalizeContentType(contentType)]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedImage, contentType)
	}
	key := types.ScanImagePrefix(userID) + uuid.NewString() + ext
	if err := s.backend.Put(ctx, key, r, size, normalizeContentType(contentType)); err != nil {
		return "", err
	}
	return key, nil
}

// Get opens a reader for an object in the configured bucket.
func (s *Storage) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.backend.Get(ctx, key)
}

// Delete removes an object from the configured bucket.
func (s *Storage) Delete(ctx context.Context, key string) error {
	return s.backend.Delete(ctx, key)
}

// Bucket returns the configured bucket name.
func (s *Storage) Bucket() string {
	return s.backend.Bucket()
}

func normalizeContentType(contentType string) string {
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = strings.TrimSpace(contentType[:i])
	}
	if contentType == "image/jpg" {
		return "image/jpeg"
	}
	return contentType
}
