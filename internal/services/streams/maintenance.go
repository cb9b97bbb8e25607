package streamsvc

import (
	"context"
	"time"

	"github.com/rzbill/streamd/internal/connection"
	"github.com/rzbill/streamd/internal/metrics"
	"github.com/rzbill/streamd/internal/session"
	logpkg "github.com/rzbill/streamd/pkg/log"
)

// MaintainOnce runs one housekeeping pass: buffer TTL eviction, store
// retention, stale connection detection, idle rate-limit buckets and a
// storage health check.
func (s *Service) MaintainOnce(ctx context.Context) MaintenanceReport {
	cfg := s.config()
	now := s.clk.Now()
	var rep MaintenanceReport

	rep.BufferEvicted = s.buf.EvictExpired()
	metrics.BufferedEvents.Set(float64(s.buf.Stats().Events))

	if n, err := s.store.PruneExpired(ctx); err != nil {
		s.logger.Warn("streams.prune_failed", logpkg.Err(err))
	} else {
		rep.StorePruned = n
	}

	staleAfter := cfg.Stream.EffectiveStaleTimeout()
	cutoff := now.Add(-staleAfter)
	for _, h := range s.handlersOf("") {
		switch h.State() {
		case connection.StateConnected, connection.StateBackpressure:
			if h.LastActivity().Before(cutoff) {
				h.Close(connection.ReasonStale)
				rep.StaleClosed++
				continue
			}
		}
		// Paused connections write nothing; keep their record fresh so
		// the sweep below only catches records without a live handler.
		err := s.sessions.UpdateConnection(ctx, h.ID(), func(_ *session.Record, c *session.Connection) {
			c.LastKeepalive = now
		})
		if err != nil {
			s.logger.Debug("streams.touch_failed", logpkg.Str("conn", h.ID()), logpkg.Err(err))
		}
	}
	if n, err := s.sessions.SweepStale(ctx, cutoff); err != nil {
		s.logger.Warn("streams.sweep_failed", logpkg.Err(err))
	} else {
		rep.RecordsSwept = n
	}

	rep.BucketsDropped = s.chain.RateLimit.Cleanup(cfg.Maintenance.RateLimitIdle.D())

	rep.HealthErr = s.rt.CheckHealth(ctx)
	if s.health != nil {
		s.health(rep.HealthErr)
	}
	s.forgetIdle()

	if rep.BufferEvicted+rep.StorePruned+rep.StaleClosed+rep.RecordsSwept > 0 || rep.HealthErr != nil {
		fields := []logpkg.Field{
			logpkg.Int("buffer_evicted", rep.BufferEvicted),
			logpkg.Int("store_pruned", rep.StorePruned),
			logpkg.Int("stale_closed", rep.StaleClosed),
			logpkg.Int("records_swept", rep.RecordsSwept),
			logpkg.Int("buckets_dropped", rep.BucketsDropped),
		}
		if rep.HealthErr != nil {
			fields = append(fields, logpkg.Err(rep.HealthErr))
		}
		s.logger.Info("streams.maintenance", fields...)
	}
	return rep
}

// forgetIdle drops per-session lock state for sessions with no live
// connections. A concurrent publish recreates it on demand.
func (s *Service) forgetIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.live {
		if !st.mu.TryLock() {
			continue
		}
		if len(st.conns) == 0 && st.reserved == 0 {
			st.retired = true
			delete(s.live, id)
		}
		st.mu.Unlock()
	}
}

// RunMaintenance calls MaintainOnce every configured interval until ctx is
// done.
func (s *Service) RunMaintenance(ctx context.Context) {
	interval := s.config().Maintenance.Interval.D()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := s.clk.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.MaintainOnce(ctx)
		}
	}
}
