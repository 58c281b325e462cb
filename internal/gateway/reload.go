// ABOUTME: Applies reloaded configuration to a running gateway
// ABOUTME: Hot settings take effect immediately; everything else is logged as restart-required

package gateway

import (
	"github.com/2389/fleet-gateway/internal/config"
)

// ApplyConfig applies the hot settings of next and reports what changed.
// Changes to any other field are logged and ignored until restart.
func (g *Gateway) ApplyConfig(next *config.Config) config.Diff {
	g.mu.Lock()
	prev := g.hot
	d := config.Compare(g.config.WithHot(prev), next)
	if len(d.HotChanged) > 0 {
		g.hot = d.Hot
	}
	g.mu.Unlock()

	if len(d.RestartRequired) > 0 {
		g.logger.Warn("configuration changes require a restart", "fields", d.RestartRequired)
	}
	if len(d.HotChanged) == 0 {
		return d
	}

	if d.Hot.LaneCapacity != prev.LaneCapacity {
		for _, c := range g.conns() {
			c.buffer.SetCapacity(d.Hot.LaneCapacity)
		}
	}
	if d.Hot.HealthCheckInterval != prev.HealthCheckInterval {
		// Only the latest interval matters if the loop has not caught up.
		select {
		case <-g.healthReset:
		default:
		}
		g.healthReset <- d.Hot.HealthCheckInterval
	}

	g.metrics.ConfigReloads.Inc()
	g.logger.Info("applied configuration", "fields", d.HotChanged, "settings", d.Hot.String())
	return d
}
