package gateway

import (
	"context"
	"time"

	"github.com/gzhole/consentgate/internal/audit"
)

// StartHealthMonitor publishes a health snapshot every interval until ctx
// is done or the gateway is closed. Snapshots under the healthy threshold
// are also logged as warnings.
func (g *Gateway) StartHealthMonitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	g.monitors.Add(1)
	go func() {
		defer g.monitors.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-g.done:
				return
			case <-ticker.C:
				g.publishHealth()
			}
		}
	}()
}

func (g *Gateway) publishHealth() {
	now := g.clock().UTC()
	snap := g.log.ComputeHealth(audit.Window{From: now.Add(-g.healthWindow), To: now})
	if snap.Health < audit.HealthyThreshold {
		g.logger.Warn("audit health below threshold", "health", snap.Health, "decisions", snap.Total)
	}
	g.bus.publish([]Event{{Type: EventHealthSnapshot, Priority: PriorityNormal, At: now, Health: &snap}})
}
