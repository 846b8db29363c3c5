package leads

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/domain/engagement"
	"leadflow/internal/errs"
)

// TenantStats returns the tenant's interaction counters, served from the
// cache until the TTL passes or an ingest invalidates them.
func (s *Service) TenantStats(ctx context.Context, tenantID string) (engagement.TenantStats, error) {
	if err := s.check(ctx); err != nil {
		return engagement.TenantStats{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return engagement.TenantStats{}, engagement.ErrTenantRequired
	}
	logCtx := logging.WithAttrs(ctx,
		slog.String("component", "usecase.leads.stats"),
		slog.String("tenant_id", tenantID),
	)
	key := cacheStatsKey(tenantID)

	if s.cache != nil {
		raw, ok, err := s.cache.Get(ctx, key)
		switch {
		case err != nil:
			logging.Warn(logCtx, "read cached stats failed", slog.Any("err", errs.Loggable(err)))
		case ok:
			var cached engagement.TenantStats
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				return cached, nil
			}
			logging.Warn(logCtx, "discard undecodable cached stats")
		}
	}

	var stats engagement.TenantStats
	if err := s.uow.WithTenantTx(ctx, tenantID, func(txCtx context.Context) error {
		var err error
		stats, err = s.interactions.Stats(txCtx)
		return err
	}); err != nil {
		return engagement.TenantStats{}, errs.Wrap(err, "compute tenant stats")
	}
	stats.ComputedAt = s.nowUTC()

	if s.cache != nil {
		if raw, err := json.Marshal(stats); err == nil {
			if err := s.cache.Set(ctx, key, string(raw), s.statsTTL); err != nil {
				logging.Warn(logCtx, "cache tenant stats failed", slog.Any("err", errs.Loggable(err)))
			}
		}
	}
	return stats, nil
}
