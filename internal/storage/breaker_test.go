package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

// flakyStore fails every call with err until err is cleared.
type flakyStore struct {
	err   error
	calls int
}

func (f *flakyStore) Mode() string { return ModeBlob }

func (f *flakyStore) Put(ctx context.Context, key string, r io.Reader, size int64, ct string) (Object, error) {
	f.calls++
	return Object{Key: key}, f.err
}

func (f *flakyStore) Get(ctx context.Context, key string) (io.ReadCloser, Object, error) {
	f.calls++
	if f.err != nil {
		return nil, Object{}, f.err
	}
	return io.NopCloser(strings.NewReader("x")), Object{Key: key}, nil
}

func (f *flakyStore) Stat(ctx context.Context, key string) (Object, error) {
	f.calls++
	return Object{Key: key}, f.err
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	f.calls++
	return f.err
}

func (f *flakyStore) List(ctx context.Context, prefix string) ([]Object, error) {
	f.calls++
	return nil, f.err
}

func (f *flakyStore) Ping(ctx context.Context) error {
	f.calls++
	return f.err
}

func TestBreakerOpensAfterMaxFailures(t *testing.T) {
	inner := &flakyStore{err: errBackend}
	cb := NewCircuitBreaker(3, time.Minute, nil)
	s := NewBreakerStore(inner, cb)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Stat(ctx, "a")
		require.ErrorIs(t, err, errBackend)
	}
	require.Equal(t, StateOpen, cb.State())

	_, err := s.Stat(ctx, "a")
	require.ErrorIs(t, err, ErrCircuitOpen)
	require.Equal(t, 3, inner.calls, "open breaker must not reach the backend")
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	inner := &flakyStore{err: ErrNotFound}
	cb := NewCircuitBreaker(2, time.Minute, nil)
	s := NewBreakerStore(inner, cb)

	for i := 0; i < 5; i++ {
		_, _, err := s.Get(context.Background(), "missing")
		require.ErrorIs(t, err, ErrNotFound)
	}
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	inner := &flakyStore{err: errBackend}
	cb := NewCircuitBreaker(1, time.Second, nil)
	now := time.Unix(1_700_000_000, 0)
	cb.now = func() time.Time { return now }
	s := NewBreakerStore(inner, cb)
	ctx := context.Background()

	require.ErrorIs(t, s.Delete(ctx, "a"), errBackend)
	require.Equal(t, StateOpen, cb.State())
	require.ErrorIs(t, s.Delete(ctx, "a"), ErrCircuitOpen)

	now = now.Add(2 * time.Second)
	inner.err = nil
	require.NoError(t, s.Delete(ctx, "a"))
	require.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	inner := &flakyStore{err: errBackend}
	cb := NewCircuitBreaker(1, time.Second, nil)
	now := time.Unix(1_700_000_000, 0)
	cb.now = func() time.Time { return now }
	s := NewBreakerStore(inner, cb)
	ctx := context.Background()

	_, err := s.List(ctx, "")
	require.ErrorIs(t, err, errBackend)

	now = now.Add(2 * time.Second)
	_, err = s.List(ctx, "")
	require.ErrorIs(t, err, errBackend)
	require.Equal(t, StateOpen, cb.State())
}

func TestBreakerPingBypasses(t *testing.T) {
	inner := &flakyStore{err: errBackend}
	cb := NewCircuitBreaker(1, time.Minute, nil)
	s := NewBreakerStore(inner, cb)

	_, _ = s.Put(context.Background(), "a", strings.NewReader("x"), 1, "")
	require.Equal(t, StateOpen, cb.State())

	inner.err = nil
	require.NoError(t, s.Ping(context.Background()))
}

func TestCircuitStateString(t *testing.T) {
	require.Equal(t, "closed", StateClosed.String())
	require.Equal(t, "open", StateOpen.String())
	require.Equal(t, "half-open", StateHalfOpen.String())
}

func TestOpenLocalMode(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), Options{Mode: ModeLocal, LocalDir: dir}, nil)
	require.NoError(t, err)
	require.Equal(t, ModeLocal, s.Mode())

	_, err = Open(context.Background(), Options{Mode: "ftp"}, nil)
	require.Error(t, err)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("client went away") }

// readingStore drains the reader so source errors surface from Put.
type readingStore struct{ flakyStore }

func (s *readingStore) Put(ctx context.Context, key string, r io.Reader, size int64, ct string) (Object, error) {
	if _, err := io.ReadAll(r); err != nil {
		return Object{}, err
	}
	return Object{Key: key}, s.err
}

func TestBreakerIgnoresSourceErrors(t *testing.T) {
	inner := &readingStore{}
	cb := NewCircuitBreaker(1, time.Minute, nil)
	s := NewBreakerStore(inner, cb)

	_, err := s.Put(context.Background(), "a", errReader{}, -1, "")
	require.Error(t, err)
	require.Equal(t, StateClosed, cb.State())
}
