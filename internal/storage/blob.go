package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BlobOptions configures a BlobStore.
type BlobOptions struct {
	Endpoint         string // "minio:9000" or "https://s3.amazonaws.com"
	AccessKey        string
	SecretKey        string
	Bucket           string
	Region           string
	AutoCreateBucket bool
}

// sha256MetaKey is the user metadata entry holding the hex digest.
const sha256MetaKey = "Sha256"

// minPartSize is the smallest multipart chunk S3 accepts.
const minPartSize = 5 << 20

// BlobStore keeps objects in an S3 compatible bucket.
type BlobStore struct {
	client *minio.Client
	bucket string
}

func normaliseEndpoint(raw string) (endpoint string, secure bool, err error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false, fmt.Errorf("empty endpoint")
	}

	// Accept either "minio:9000" or "http://minio:9000" / "https://minio:9000".
	if strings.Contains(raw, "://") {
		u, err := url.Parse(raw)
		if err != nil {
			return "", false, err
		}
		if u.Host == "" {
			return "", false, fmt.Errorf("invalid endpoint")
		}
		if u.Path != "" && u.Path != "/" {
			return "", false, fmt.Errorf("endpoint must not contain a path")
		}
		return u.Host, u.Scheme == "https", nil
	}

	// Bare host:port is treated as plain HTTP (local MinIO).
	return raw, false, nil
}

// NewBlobStore connects to the endpoint and checks the bucket, creating
// it when AutoCreateBucket is set.
func NewBlobStore(ctx context.Context, opts BlobOptions) (*BlobStore, error) {
	if opts.Endpoint == "" || opts.AccessKey == "" || opts.SecretKey == "" || opts.Bucket == "" {
		return nil, errors.New("storage: blob configuration incomplete")
	}

	endpoint, secure, err := normaliseEndpoint(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("storage: blob endpoint: %w", err)
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, err
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("storage: check bucket: %w", err)
	}
	if !exists {
		if !opts.AutoCreateBucket {
			return nil, fmt.Errorf("storage: bucket does not exist: %s", opts.Bucket)
		}
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("storage: create bucket: %w", err)
		}
	}

	return &BlobStore{client: client, bucket: opts.Bucket}, nil
}

func (s *BlobStore) Mode() string { return ModeBlob }

// Bucket returns the bucket name.
func (s *BlobStore) Bucket() string { return s.bucket }

func (s *BlobStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (Object, error) {
	if err := ValidKey(key); err != nil {
		return Object{}, err
	}
	opts := minio.PutObjectOptions{ContentType: contentType}
	if size < 0 {
		// Without a part size minio-go sizes parts for a 5 TiB object and
		// buffers each one in memory.
		opts.PartSize = minPartSize
	}
	h := sha256.New()
	info, err := s.client.PutObject(ctx, s.bucket, key, io.TeeReader(r, h), size, opts)
	if err != nil {
		return Object{}, fmt.Errorf("storage: put %s: %w", key, err)
	}
	sum := hex.EncodeToString(h.Sum(nil))

	// The digest is only known once the body has streamed, so it is
	// attached with a server-side copy onto the same key.
	copied, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{
			Bucket:          s.bucket,
			Object:          key,
			ReplaceMetadata: true,
			UserMetadata:    map[string]string{sha256MetaKey: sum},
			ContentType:     contentType,
		},
		minio.CopySrcOptions{Bucket: s.bucket, Object: key},
	)
	if err != nil {
		return Object{}, fmt.Errorf("storage: put %s: record digest: %w", key, err)
	}
	if !copied.LastModified.IsZero() {
		info.LastModified = copied.LastModified
	}
	return Object{
		Key:         key,
		Size:        info.Size,
		ContentType: contentType,
		SHA256:      sum,
		ModTime:     info.LastModified.UTC(),
	}, nil
}

func (s *BlobStore) Get(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	if err := ValidKey(key); err != nil {
		return nil, Object{}, err
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, Object{}, mapBlobErr(err)
	}
	// GetObject is lazy; Stat forces the request so a missing key
	// surfaces here instead of on first Read.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, Object{}, mapBlobErr(err)
	}
	return obj, blobObject(info), nil
}

func (s *BlobStore) Stat(ctx context.Context, key string) (Object, error) {
	if err := ValidKey(key); err != nil {
		return Object{}, err
	}
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return Object{}, mapBlobErr(err)
	}
	return blobObject(info), nil
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	// RemoveObject succeeds on missing keys, so stat first.
	if _, err := s.Stat(ctx, key); err != nil {
		return err
	}
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return mapBlobErr(err)
	}
	return nil
}

func (s *BlobStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var out []Object
	for info := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:       prefix,
		Recursive:    true,
		WithMetadata: true,
	}) {
		if info.Err != nil {
			return nil, mapBlobErr(info.Err)
		}
		if ValidKey(info.Key) != nil {
			continue
		}
		out = append(out, blobObject(info))
	}
	return out, nil
}

func (s *BlobStore) Ping(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("storage: bucket does not exist: %s", s.bucket)
	}
	return nil
}

func blobObject(info minio.ObjectInfo) Object {
	ct := info.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	return Object{
		Key:         info.Key,
		Size:        info.Size,
		ContentType: ct,
		SHA256:      userMeta(info.UserMetadata, sha256MetaKey),
		ModTime:     info.LastModified.UTC(),
	}
}

// userMeta finds a user metadata value. Stat trims the X-Amz-Meta- prefix
// but MinIO's metadata listing keeps it.
func userMeta(m map[string]string, name string) string {
	for k, v := range m {
		k = strings.TrimPrefix(http.CanonicalHeaderKey(k), "X-Amz-Meta-")
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func mapBlobErr(err error) error {
	resp := minio.ToErrorResponse(err)
	if resp.Code == "NoSuchKey" || (resp.StatusCode == http.StatusNotFound && resp.Code != "NoSuchBucket") {
		return ErrNotFound
	}
	return err
}
