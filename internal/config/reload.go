// ABOUTME: Classifies configuration changes as hot-applicable or restart-required.
// ABOUTME: Only session timing, health interval and lane capacity apply without a restart.

package config

import (
	"fmt"
	"time"
)

// HotSettings are the fields a running gateway applies in place.
type HotSettings struct {
	SessionTimeout      time.Duration
	SuspendTimeout      time.Duration
	HealthCheckInterval time.Duration
	LaneCapacity        int
}

// Hot extracts the hot-reloadable settings.
func (c *Config) Hot() HotSettings {
	return HotSettings{
		SessionTimeout:      c.Gateway.SessionTimeout,
		SuspendTimeout:      c.Gateway.SuspendTimeout,
		HealthCheckInterval: c.Gateway.HealthCheckInterval,
		LaneCapacity:        c.Gateway.LaneCapacity,
	}
}

// WithHot returns a copy of c with its hot fields replaced by h.
func (c *Config) WithHot(h HotSettings) *Config {
	out := *c
	out.Gateway.SessionTimeout = h.SessionTimeout
	out.Gateway.SuspendTimeout = h.SuspendTimeout
	out.Gateway.HealthCheckInterval = h.HealthCheckInterval
	out.Gateway.LaneCapacity = h.LaneCapacity
	return &out
}

// Diff is the result of comparing a running configuration with a new one.
type Diff struct {
	Hot             HotSettings
	HotChanged      []string
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool {
	return len(d.HotChanged) == 0 && len(d.RestartRequired) == 0
}

type fieldChange struct {
	name    string
	changed bool
}

// Compare returns the hot settings of next along with the names of the
// fields that changed, split by whether they can be applied live.
func Compare(prev, next *Config) Diff {
	d := Diff{Hot: next.Hot()}

	hot := []fieldChange{
		{"gateway.session_timeout", prev.Gateway.SessionTimeout != next.Gateway.SessionTimeout},
		{"gateway.suspend_timeout", prev.Gateway.SuspendTimeout != next.Gateway.SuspendTimeout},
		{"gateway.health_check_interval", prev.Gateway.HealthCheckInterval != next.Gateway.HealthCheckInterval},
		{"gateway.lane_capacity", prev.Gateway.LaneCapacity != next.Gateway.LaneCapacity},
	}
	for _, f := range hot {
		if f.changed {
			d.HotChanged = append(d.HotChanged, f.name)
		}
	}

	pg, ng := prev.Gateway, next.Gateway
	restart := []fieldChange{
		{"server.host", prev.Server.Host != next.Server.Host},
		{"server.port", prev.Server.Port != next.Server.Port},
		{"control_api.url", prev.ControlAPI.URL != next.ControlAPI.URL},
		{"control_api.key", prev.ControlAPI.Key != next.ControlAPI.Key},
		{"control_api.timeout", prev.ControlAPI.Timeout != next.ControlAPI.Timeout},
		{"auth.jwt_secret", prev.Auth.JWTSecret != next.Auth.JWTSecret},
		{"gateway.conversation_ttl", pg.ConversationTTL != ng.ConversationTTL},
		{"gateway.drain_interval", pg.DrainInterval != ng.DrainInterval},
		{"gateway.ack_timeout", pg.AckTimeout != ng.AckTimeout},
		{"gateway.snapshot_interval", pg.SnapshotInterval != ng.SnapshotInterval},
		{"gateway.max_connections", pg.MaxConnections != ng.MaxConnections},
		{"gateway.max_frames_per_second", pg.MaxFramesPerSecond != ng.MaxFramesPerSecond},
		{"gateway.max_frame_bytes", pg.MaxFrameBytes != ng.MaxFrameBytes},
		{"gateway.max_conversations", pg.MaxConversations != ng.MaxConversations},
		{"gateway.max_redeliveries", pg.MaxRedeliveries != ng.MaxRedeliveries},
		{"gateway.default_conversation_scope", pg.DefaultConversationScope != ng.DefaultConversationScope},
		{"breaker.threshold", prev.Breaker.Threshold != next.Breaker.Threshold},
		{"breaker.cooldown", prev.Breaker.Cooldown != next.Breaker.Cooldown},
		{"database.path", prev.Database.Path != next.Database.Path},
		{"tailscale", prev.Tailscale != next.Tailscale},
		{"logging", prev.Logging != next.Logging},
		{"metrics", prev.Metrics != next.Metrics},
	}
	for _, f := range restart {
		if f.changed {
			d.RestartRequired = append(d.RestartRequired, f.name)
		}
	}
	return d
}

func (h HotSettings) String() string {
	return fmt.Sprintf("session_timeout=%s suspend_timeout=%s health_check_interval=%s lane_capacity=%d",
		h.SessionTimeout, h.SuspendTimeout, h.HealthCheckInterval, h.LaneCapacity)
}
