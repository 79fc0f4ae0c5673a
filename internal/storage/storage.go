// Package storage holds the document blob stores behind the execution dossier.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"tramita/internal/config"
)

var ErrNotFound = errors.New("object not found")

// PutObjectOptions describe an upload. Size is -1 when unknown.
type PutObjectOptions struct {
	Size        int64
	ContentType string
	Metadata    map[string]string
}

type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
	Metadata     map[string]string
}

// Storage stores and retrieves dossier blobs by key.
type Storage interface {
	Put(ctx context.Context, key string, r io.Reader, opt PutObjectOptions) (ObjectInfo, error)
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// FromConfig builds the backend selected by storage.driver. Relative dir
// paths are resolved against the workspace.
func FromConfig(cfg config.StorageConfig, workspace string) (Storage, error) {
	switch cfg.Driver {
	case "", "dir":
		return NewDir(resolve(workspace, cfg.Dir))
	case "minio":
		return NewMinIO(cfg.MinIO)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// DocumentKey is the object key of an uploaded dossier document.
func DocumentKey(requestID, docID, filename string) string {
	if filename == "" {
		filename = "blob"
	}
	return "requests/" + requestID + "/" + docID + "/" + filename
}
