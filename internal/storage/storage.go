// Package storage implements the file store behind the portfolio uploads.
//
// A Store is either a directory on local disk or a bucket in an S3
// compatible blob store (MinIO, S3, R2). Callers address objects with
// slash-separated relative keys such as "resume/resume.pdf" and never see
// which backend is active.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	ModeLocal = "local"
	ModeBlob  = "blob"
)

var (
	// ErrNotFound is returned when no object exists under a key.
	ErrNotFound = errors.New("storage: object not found")
	// ErrInvalidKey is returned for keys that are empty, absolute, or
	// contain "." / ".." / hidden segments.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Object describes a stored file.
type Object struct {
	Key         string    `json:"key"`
	Size        int64     `json:"size"`
	ContentType string    `json:"content_type"`
	SHA256      string    `json:"sha256,omitempty"`
	ModTime     time.Time `json:"mod_time"`
}

// Store is the dual-mode file abstraction. Implementations must be safe
// for concurrent use.
type Store interface {
	// Put stores r under key. size may be -1 when unknown. The write is
	// all-or-nothing: on error nothing is left visible under key.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (Object, error)
	// Get opens the object under key. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, Object, error)
	Stat(ctx context.Context, key string) (Object, error)
	Delete(ctx context.Context, key string) error
	// List returns every object whose key starts with prefix.
	List(ctx context.Context, prefix string) ([]Object, error)
	Ping(ctx context.Context) error
	Mode() string
}

// ValidKey reports whether key is usable by every backend.
func ValidKey(key string) error {
	if key == "" || len(key) > 512 {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, "/") || strings.ContainsAny(key, "\\\x00") {
		return ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || strings.HasPrefix(seg, ".") {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
