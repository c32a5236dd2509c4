package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func TestValidKey(t *testing.T) {
	good := []string{"resume/resume.pdf", "profile/profile.png", "evaluations/abc.jpg", "a"}
	for _, k := range good {
		require.NoError(t, ValidKey(k), k)
	}

	bad := []string{"", "/abs", "a//b", "../etc/passwd", "a/../b", "a/./b", ".meta/x", "a\\b", "nul\x00", "dir/", strings.Repeat("k", 513)}
	for _, k := range bad {
		require.ErrorIs(t, ValidKey(k), ErrInvalidKey, "%q", k)
	}
}

func TestLocalPutGetRoundTrip(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()
	body := []byte("%PDF-1.4 test resume")

	obj, err := s.Put(ctx, "resume/resume.pdf", bytes.NewReader(body), int64(len(body)), "application/pdf")
	require.NoError(t, err)
	require.Equal(t, "resume/resume.pdf", obj.Key)
	require.EqualValues(t, len(body), obj.Size)

	sum := sha256.Sum256(body)
	require.Equal(t, hex.EncodeToString(sum[:]), obj.SHA256)

	rc, got, err := s.Get(ctx, "resume/resume.pdf")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, body, data)
	require.Equal(t, "application/pdf", got.ContentType)
	require.Equal(t, obj.SHA256, got.SHA256)

	_, ok := rc.(io.ReadSeeker)
	require.True(t, ok, "local reader should be seekable")
}

func TestLocalPutOverwrites(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "resume/resume.pdf", strings.NewReader("one"), -1, "application/pdf")
	require.NoError(t, err)
	_, err = s.Put(ctx, "resume/resume.pdf", strings.NewReader("second"), -1, "application/pdf")
	require.NoError(t, err)

	obj, err := s.Stat(ctx, "resume/resume.pdf")
	require.NoError(t, err)
	require.EqualValues(t, len("second"), obj.Size)
	sum := sha256.Sum256([]byte("second"))
	require.Equal(t, hex.EncodeToString(sum[:]), obj.SHA256)
}

func TestLocalPutFailedRenameKeepsSidecar(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "docs/a.pdf", strings.NewReader("old"), -1, "application/pdf")
	require.NoError(t, err)
	before, err := os.ReadFile(s.metaPath("docs/a.pdf"))
	require.NoError(t, err)

	// A non-empty directory at the object path makes the rename fail.
	objPath := s.objectPath("docs/a.pdf")
	require.NoError(t, os.Remove(objPath))
	require.NoError(t, os.MkdirAll(filepath.Join(objPath, "x"), 0o755))

	_, err = s.Put(ctx, "docs/a.pdf", strings.NewReader("new"), -1, "text/plain")
	require.Error(t, err)

	after, err := os.ReadFile(s.metaPath("docs/a.pdf"))
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestLocalPutSidecarFailure(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	// A directory where the sidecar belongs makes the metadata write fail.
	require.NoError(t, os.MkdirAll(filepath.Join(s.metaPath("b.pdf"), "x"), 0o755))

	_, err := s.Put(ctx, "b.pdf", strings.NewReader("%PDF-1.4"), -1, "application/pdf")
	require.ErrorContains(t, err, "write metadata")

	obj, err := s.Stat(ctx, "b.pdf")
	require.NoError(t, err)
	require.Equal(t, "application/pdf", obj.ContentType)
	require.Empty(t, obj.SHA256)
}

type failingReader struct{ n int }

func (f *failingReader) Read(p []byte) (int, error) {
	if f.n <= 0 {
		return 0, errors.New("boom")
	}
	f.n--
	p[0] = 'x'
	return 1, nil
}

func TestLocalPutFailureLeavesNothing(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "resume/resume.pdf", &failingReader{n: 3}, -1, "application/pdf")
	require.Error(t, err)

	_, err = s.Stat(ctx, "resume/resume.pdf")
	require.ErrorIs(t, err, ErrNotFound)

	entries, err := os.ReadDir(filepath.Join(s.Dir(), "resume"))
	require.NoError(t, err)
	require.Empty(t, entries, "temp files must be cleaned up")
}

func TestLocalPutSizeMismatch(t *testing.T) {
	s := newTestLocal(t)
	_, err := s.Put(context.Background(), "a.bin", strings.NewReader("abc"), 10, "")
	require.Error(t, err)

	_, err = s.Stat(context.Background(), "a.bin")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalPutCanceledContext(t *testing.T) {
	s := newTestLocal(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Put(ctx, "a.bin", strings.NewReader("abc"), -1, "")
	require.ErrorIs(t, err, context.Canceled)
}

func TestLocalMissingKey(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	_, _, err := s.Get(ctx, "resume/resume.pdf")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Stat(ctx, "resume/resume.pdf")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, s.Delete(ctx, "resume/resume.pdf"), ErrNotFound)
}

func TestLocalDirectoryIsNotAnObject(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()
	_, err := s.Put(ctx, "evaluations/a.png", strings.NewReader("png"), -1, "image/png")
	require.NoError(t, err)

	_, err = s.Stat(ctx, "evaluations")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalDeleteRemovesSidecar(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	_, err := s.Put(ctx, "profile/profile.png", strings.NewReader("png"), -1, "image/png")
	require.NoError(t, err)
	require.FileExists(t, s.metaPath("profile/profile.png"))

	require.NoError(t, s.Delete(ctx, "profile/profile.png"))
	require.NoFileExists(t, s.metaPath("profile/profile.png"))

	_, err = s.Stat(ctx, "profile/profile.png")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLocalContentTypeFallback(t *testing.T) {
	s := newTestLocal(t)
	require.NoError(t, os.MkdirAll(filepath.Join(s.Dir(), "evaluations"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "evaluations", "x.png"), []byte("png"), 0o644))

	obj, err := s.Stat(context.Background(), "evaluations/x.png")
	require.NoError(t, err)
	require.Equal(t, "image/png", obj.ContentType)
	require.Empty(t, obj.SHA256)
}

func TestLocalList(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	for _, k := range []string{"evaluations/b.png", "evaluations/a.jpg", "resume/resume.pdf"} {
		_, err := s.Put(ctx, k, strings.NewReader(k), -1, "")
		require.NoError(t, err)
	}

	objs, err := s.List(ctx, "evaluations/")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	require.Equal(t, "evaluations/a.jpg", objs[0].Key)
	require.Equal(t, "evaluations/b.png", objs[1].Key)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3, "sidecar files must not be listed")

	none, err := s.List(ctx, "missing/")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestLocalInvalidKeyNeverTouchesDisk(t *testing.T) {
	s := newTestLocal(t)
	_, err := s.Put(context.Background(), "../escape.txt", strings.NewReader("x"), -1, "")
	require.ErrorIs(t, err, ErrInvalidKey)
	require.NoFileExists(t, filepath.Join(filepath.Dir(s.Dir()), "escape.txt"))
}

func TestLocalPing(t *testing.T) {
	s := newTestLocal(t)
	require.NoError(t, s.Ping(context.Background()))

	require.NoError(t, os.RemoveAll(s.Dir()))
	require.Error(t, s.Ping(context.Background()))
}
