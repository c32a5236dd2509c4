package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// metaDir holds one JSON sidecar per object. Hidden names are rejected by
// ValidKey so it can never collide with a real key.
const metaDir = ".meta"

type localMeta struct {
	ContentType string `json:"content_type"`
	SHA256      string `json:"sha256"`
}

// LocalStore keeps objects as plain files under a base directory.
type LocalStore struct {
	baseDir string
}

// NewLocalStore creates baseDir if needed.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("storage: local directory is empty")
	}
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &LocalStore{baseDir: abs}, nil
}

func (s *LocalStore) Mode() string { return ModeLocal }

// Dir returns the absolute base directory.
func (s *LocalStore) Dir() string { return s.baseDir }

func (s *LocalStore) objectPath(key string) string {
	return filepath.Join(s.baseDir, filepath.FromSlash(key))
}

func (s *LocalStore) metaPath(key string) string {
	return filepath.Join(s.baseDir, metaDir, filepath.FromSlash(key)+".json")
}

func (s *LocalStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (Object, error) {
	if err := ValidKey(key); err != nil {
		return Object{}, err
	}
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	finalPath := s.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return Object{}, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".tmp-*")
	if err != nil {
		return Object{}, err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), ctxReader{ctx: ctx, r: r})
	if err != nil {
		_ = tmp.Close()
		return Object{}, err
	}
	if size >= 0 && n != size {
		_ = tmp.Close()
		return Object{}, fmt.Errorf("storage: short write: got %d bytes, want %d", n, size)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return Object{}, err
	}
	if err := tmp.Close(); err != nil {
		return Object{}, err
	}

	// The object goes in first so the sidecar never describes bytes that
	// are not on disk yet.
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return Object{}, err
	}
	meta := localMeta{ContentType: contentType, SHA256: hex.EncodeToString(h.Sum(nil))}
	if err := s.writeMeta(key, meta); err != nil {
		// Drop the old sidecar; readers fall back to the extension.
		_ = os.Remove(s.metaPath(key))
		return Object{}, fmt.Errorf("storage: write metadata for %s: %w", key, err)
	}

	info, err := os.Stat(finalPath)
	if err != nil {
		return Object{}, err
	}
	return Object{
		Key:         key,
		Size:        info.Size(),
		ContentType: contentType,
		SHA256:      meta.SHA256,
		ModTime:     info.ModTime().UTC(),
	}, nil
}

func (s *LocalStore) writeMeta(key string, meta localMeta) error {
	p := s.metaPath(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), p)
}

func (s *LocalStore) readMeta(key string) localMeta {
	var meta localMeta
	if b, err := os.ReadFile(s.metaPath(key)); err == nil {
		_ = json.Unmarshal(b, &meta)
	}
	if meta.ContentType == "" {
		meta.ContentType = mime.TypeByExtension(path.Ext(key))
	}
	if meta.ContentType == "" {
		meta.ContentType = "application/octet-stream"
	}
	return meta
}

func (s *LocalStore) Get(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	if err := ValidKey(key); err != nil {
		return nil, Object{}, err
	}
	f, err := os.Open(s.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, Object{}, ErrNotFound
		}
		return nil, Object{}, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, Object{}, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, Object{}, ErrNotFound
	}
	return f, s.object(key, info), nil
}

func (s *LocalStore) Stat(ctx context.Context, key string) (Object, error) {
	if err := ValidKey(key); err != nil {
		return Object{}, err
	}
	info, err := os.Stat(s.objectPath(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Object{}, ErrNotFound
		}
		return Object{}, err
	}
	if info.IsDir() {
		return Object{}, ErrNotFound
	}
	return s.object(key, info), nil
}

func (s *LocalStore) object(key string, info fs.FileInfo) Object {
	meta := s.readMeta(key)
	return Object{
		Key:         key,
		Size:        info.Size(),
		ContentType: meta.ContentType,
		SHA256:      meta.SHA256,
		ModTime:     info.ModTime().UTC(),
	}
}

func (s *LocalStore) Delete(ctx context.Context, key string) error {
	if err := ValidKey(key); err != nil {
		return err
	}
	if err := os.Remove(s.objectPath(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return err
	}
	_ = os.Remove(s.metaPath(key))
	return nil
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]Object, error) {
	root := s.baseDir
	// Walk only the directory part of the prefix.
	if dir := path.Dir(prefix + "x"); dir != "." {
		root = s.objectPath(dir)
	}

	var out []Object
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && p != root {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return ctx.Err()
		}
		rel, err := filepath.Rel(s.baseDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, s.object(key, info))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *LocalStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.baseDir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("storage: %s is not a directory", s.baseDir)
	}
	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
