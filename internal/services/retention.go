package services

import (
	"context"
	"time"
)

const DefaultRetentionInterval = time.Hour

// RunRetention deletes notifications older than retention once at start and
// then on every interval tick, until ctx is canceled. A retention of zero
// disables the sweep.
func (s *NotificationService) RunRetention(ctx context.Context, retention, interval time.Duration) error {
	if retention <= 0 {
		s.log.Info(ctx, "notification retention disabled")
		return nil
	}
	if interval <= 0 {
		interval = DefaultRetentionInterval
	}
	ctx = s.log.WithFields(ctx, map[string]any{
		"job":       "notification-retention",
		"retention": retention.String(),
	})

	s.sweep(ctx, retention)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx, retention)
		}
	}
}

func (s *NotificationService) sweep(ctx context.Context, retention time.Duration) {
	start := time.Now()
	deleted, err := s.SweepOlderThan(ctx, retention)
	if err != nil {
		s.log.Error(ctx, "notification retention sweep failed", err)
		return
	}
	s.log.Info(s.log.WithFields(ctx, map[string]any{
		"rows_deleted": deleted,
		"duration_ms":  time.Since(start).Milliseconds(),
	}), "notification retention sweep complete")
}
