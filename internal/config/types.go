// Package config resolves, parses, validates, and defaults busmon configuration.
package config

import (
	"time"

	"github.com/rbright/busmon/internal/match"
)

// Config is the fully materialized runtime configuration used by busmon.
type Config struct {
	// Bus is "system", "session", or a D-Bus server address.
	Bus     string
	Rules   []string
	Monitor MonitorConfig
	Output  OutputConfig
	Log     LogConfig
}

// MonitorConfig controls session negotiation and pump timing.
type MonitorConfig struct {
	BecomeMonitorTimeoutMS int
	PumpIntervalMS         int
	QueueSize              int
}

// OutputConfig controls message rendering.
type OutputConfig struct {
	Format   string
	Compress string
	Color    string
	MaxBytes int
	MaxItems int
}

// LogConfig controls the JSONL runtime log.
type LogConfig struct {
	Level string
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}

// BecomeMonitorTimeout returns the BecomeMonitor round-trip bound.
func (m MonitorConfig) BecomeMonitorTimeout() time.Duration {
	return time.Duration(m.BecomeMonitorTimeoutMS) * time.Millisecond
}

// PumpInterval returns the per-iteration pump bound.
func (m MonitorConfig) PumpInterval() time.Duration {
	return time.Duration(m.PumpIntervalMS) * time.Millisecond
}

// MatchRules parses Rules. An empty list means "monitor everything".
func (c Config) MatchRules() ([]match.Rule, error) {
	return parseRules(c.Rules)
}
