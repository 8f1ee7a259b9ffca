package gateway

import (
	"context"
	"time"

	"github.com/matst80/backhaul/internal/obs"
)

// RunMaintenance refreshes presence TTLs and drops rate limiters of clients
// that are gone, every MaintenanceInterval until ctx ends.
func (s *Server) RunMaintenance(ctx context.Context) error {
	interval := s.cfg.MaintenanceInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			s.maintain(ctx)
		}
	}
}

func (s *Server) maintain(ctx context.Context) {
	rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.registry.RefreshPresence(rctx); err != nil {
		obs.ErrorsTotal.WithLabelValues("presence").Inc()
		obs.Error("presence.refresh", obs.Fields{"err": err.Error()})
	}
	s.limiter.CleanupExpiredClients(s.registry.Identities())
	obs.Debug("gateway.maintenance", obs.Fields{"clients": s.registry.Count(), "pending": s.broker.Pending()})
}
