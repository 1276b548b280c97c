package config

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/rbright/busmon/internal/match"
	"github.com/rbright/busmon/internal/render"
)

// WarnNoRules is reported when the rule list is empty.
const WarnNoRules = "no match rules configured; monitoring all traffic"

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if strings.TrimSpace(cfg.Bus) == "" {
		return nil, fmt.Errorf("bus must not be empty")
	}
	if cfg.Monitor.BecomeMonitorTimeoutMS <= 0 {
		return nil, fmt.Errorf("monitor.become_monitor_timeout_ms must be > 0")
	}
	if cfg.Monitor.PumpIntervalMS <= 0 {
		return nil, fmt.Errorf("monitor.pump_interval_ms must be > 0")
	}
	if cfg.Monitor.QueueSize <= 0 {
		return nil, fmt.Errorf("monitor.queue_size must be > 0")
	}

	switch cfg.Output.Format {
	case render.FormatText, render.FormatJSON, render.FormatBinary:
	default:
		return nil, fmt.Errorf("output.format must be one of: text, json, binary")
	}
	switch cfg.Output.Compress {
	case render.CompressNone:
	case render.CompressZstd:
		if cfg.Output.Format != render.FormatBinary {
			return nil, fmt.Errorf("output.compress=zstd requires output.format=binary")
		}
	default:
		return nil, fmt.Errorf("output.compress must be one of: none, zstd")
	}
	switch cfg.Output.Color {
	case render.ColorAuto, render.ColorAlways, render.ColorNever:
	default:
		return nil, fmt.Errorf("output.color must be one of: auto, always, never")
	}
	if cfg.Output.MaxBytes < 0 {
		return nil, fmt.Errorf("output.max_bytes must be >= 0")
	}
	if cfg.Output.MaxItems < 0 {
		return nil, fmt.Errorf("output.max_items must be >= 0")
	}

	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return nil, err
	}

	if _, err := parseRules(cfg.Rules); err != nil {
		return nil, err
	}
	if len(cfg.Rules) == 0 {
		warnings = append(warnings, Warning{Message: WarnNoRules})
	}

	return warnings, nil
}

// ParseLevel maps a log.level value onto a slog level.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
}

func parseRules(raw []string) ([]match.Rule, error) {
	rules := make([]match.Rule, 0, len(raw))
	for i, text := range raw {
		rule, err := match.Parse(text)
		if err != nil {
			return nil, fmt.Errorf("rules[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
