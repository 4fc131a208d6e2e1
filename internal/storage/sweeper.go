package storage

import (
	"context"
	"log/slog"
	"time"
)

// RunSweeper removes expired artifacts every interval until ctx is done.
// It returns immediately when maxAge or interval is zero.
func (s *Store) RunSweeper(ctx context.Context, maxAge, interval time.Duration, logger *slog.Logger) {
	if maxAge <= 0 || interval <= 0 {
		logger.Info("storage.retention_disabled")
		return
	}

	logger.Info("storage.retention_enabled", "max_age", maxAge, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Sweep(maxAge)
			if err != nil {
				logger.Warn("storage.sweep_failed", "removed", n, "error", err)
				continue
			}
			if n > 0 {
				logger.Info("storage.swept", "removed", n)
			}
		}
	}
}
