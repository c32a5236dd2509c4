package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"portfolio-api/internal/storage"
)

// RunReconciler periodically removes catalog rows whose object is gone
// from storage, for example after a bucket was cleaned by hand. It
// returns when ctx is done. A zero interval or missing catalog disables it.
func (s *Server) RunReconciler(ctx context.Context, interval time.Duration) {
	log := s.log.Named("reconcile")
	if s.catalog == nil || interval <= 0 {
		log.Info("reconcile_disabled")
		return
	}

	log.Info("reconcile_starting", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.reconcileRun(ctx, log)
	for {
		select {
		case <-ctx.Done():
			log.Info("reconcile_shutting_down")
			return
		case <-ticker.C:
			s.reconcileRun(ctx, log)
		}
	}
}

func (s *Server) reconcileRun(ctx context.Context, log *zap.Logger) {
	start := time.Now()
	removed, err := s.ReconcileOnce(ctx)
	if err != nil {
		log.Warn("reconcile_failed", zap.Int("removed", removed), zap.Error(err))
		return
	}
	log.Info("reconcile_complete",
		zap.Int("removed", removed),
		zap.Int64("duration_ms", time.Since(start).Milliseconds()))
}

// ReconcileOnce makes one pass over the catalog and returns how many rows
// it removed. Storage errors other than a missing object stop the pass so
// an unreachable bucket never empties the catalog.
func (s *Server) ReconcileOnce(ctx context.Context) (int, error) {
	if s.catalog == nil {
		return 0, nil
	}
	rows, err := s.catalog.List(ctx, "")
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, u := range rows {
		_, err := s.store.Stat(ctx, u.ObjectKey)
		switch {
		case err == nil:
			continue
		case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrInvalidKey):
		default:
			return removed, err
		}
		if err := s.catalog.DeleteByKey(ctx, u.ObjectKey); err != nil {
			return removed, err
		}
		s.log.Info("catalog_row_reconciled",
			zap.String("key", u.ObjectKey),
			zap.String("kind", u.Kind))
		s.metrics.reconciled.Inc()
		removed++
	}
	return removed, nil
}
