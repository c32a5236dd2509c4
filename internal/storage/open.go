package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Options selects and configures the active backend.
type Options struct {
	Mode     string // ModeLocal or ModeBlob
	LocalDir string
	Blob     BlobOptions

	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Open returns the Store for opts.Mode. The blob backend is wrapped in a
// BreakerStore.
func Open(ctx context.Context, opts Options, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch opts.Mode {
	case ModeBlob:
		bs, err := NewBlobStore(ctx, opts.Blob)
		if err != nil {
			return nil, err
		}
		log.Info("storage_ready",
			zap.String("mode", ModeBlob),
			zap.String("bucket", bs.Bucket()))
		cb := NewCircuitBreaker(opts.BreakerFailures, opts.BreakerTimeout, log.Named("breaker"))
		return NewBreakerStore(bs, cb), nil
	case ModeLocal, "":
		ls, err := NewLocalStore(opts.LocalDir)
		if err != nil {
			return nil, err
		}
		log.Info("storage_ready",
			zap.String("mode", ModeLocal),
			zap.String("dir", ls.Dir()))
		return ls, nil
	default:
		return nil, fmt.Errorf("storage: unknown mode %q", opts.Mode)
	}
}
