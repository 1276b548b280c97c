// Package monitor establishes a monitoring session on the bus daemon and
// pumps the connection so matched messages reach their handler.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/rbright/busmon/internal/bus"
	"github.com/rbright/busmon/internal/match"
)

// DefaultBecomeMonitorTimeout bounds the BecomeMonitor round-trip.
const DefaultBecomeMonitorTimeout = 5 * time.Second

// ErrFallbackFailed marks a failed eavesdrop registration. There is no
// further fallback once it occurs.
var ErrFallbackFailed = errors.New("eavesdrop fallback failed")

// Connection is the registration surface the negotiator drives.
type Connection interface {
	BecomeMonitor(ctx context.Context, rules []match.Rule) error
	AddMatch(ctx context.Context, rule match.Rule, handler bus.Handler) error
	StartReceive(rule match.Rule, handler bus.Handler)
}

// Mode identifies which registration produced the live delivery path.
type Mode int

const (
	// ModeMonitor: the daemon accepted BecomeMonitor.
	ModeMonitor Mode = iota + 1
	// ModeEavesdrop: BecomeMonitor failed and eavesdrop AddMatch rules
	// were registered instead.
	ModeEavesdrop
)

func (m Mode) String() string {
	switch m {
	case ModeMonitor:
		return "monitor"
	case ModeEavesdrop:
		return "eavesdrop"
	default:
		return "unknown"
	}
}

// Outcome is the result of negotiation. It is fixed for the process
// lifetime.
type Outcome struct {
	Mode Mode
	// Rules are the rules registered on the active path.
	Rules []match.Rule
	// FallbackReason is the BecomeMonitor failure in ModeEavesdrop.
	FallbackReason error
}

// Negotiator establishes exactly one delivery path.
type Negotiator struct {
	Conn    Connection
	Timeout time.Duration
	// Notices receives the human-readable fallback notice (stderr).
	Notices io.Writer
	Logger  *slog.Logger
}

// Negotiate tries BecomeMonitor once and falls back to eavesdrop AddMatch
// registrations when it fails for any reason, including timeout. An empty
// rules slice monitors all traffic.
func (n Negotiator) Negotiate(ctx context.Context, rules []match.Rule, handler bus.Handler) (Outcome, error) {
	logger := n.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	preferred := make([]match.Rule, 0, len(rules))
	for _, rule := range rules {
		preferred = append(preferred, rule.WithoutEavesdrop())
	}

	err := n.becomeMonitor(ctx, preferred)
	if err == nil {
		receive := preferred
		if len(receive) == 0 {
			receive = []match.Rule{{}}
		}
		for _, rule := range receive {
			n.Conn.StartReceive(rule, handler)
		}
		logger.Info("monitor session active", "mode", ModeMonitor.String(), "rules", len(preferred))
		return Outcome{Mode: ModeMonitor, Rules: preferred}, nil
	}

	logger.Warn("become monitor failed; falling back to eavesdrop", "error", err.Error())
	n.notice("falling back to eavesdrop: %v\n", err)

	fallback := eavesdropRules(preferred)
	for _, rule := range fallback {
		n.notice("%s\n", rule.String())
		if addErr := n.addMatch(ctx, rule, handler); addErr != nil {
			logger.Error("add match failed", "rule", rule.String(), "error", addErr.Error())
			return Outcome{}, fmt.Errorf("%w: add match %q: %w", ErrFallbackFailed, rule.String(), addErr)
		}
	}

	logger.Info("monitor session active", "mode", ModeEavesdrop.String(), "rules", len(fallback))
	return Outcome{Mode: ModeEavesdrop, Rules: fallback, FallbackReason: err}, nil
}

func (n Negotiator) becomeMonitor(ctx context.Context, rules []match.Rule) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout())
	defer cancel()
	return n.Conn.BecomeMonitor(ctx, rules)
}

func (n Negotiator) addMatch(ctx context.Context, rule match.Rule, handler bus.Handler) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout())
	defer cancel()
	return n.Conn.AddMatch(ctx, rule, handler)
}

func (n Negotiator) timeout() time.Duration {
	if n.Timeout <= 0 {
		return DefaultBecomeMonitorTimeout
	}
	return n.Timeout
}

func (n Negotiator) notice(format string, args ...any) {
	if n.Notices == nil {
		return
	}
	fmt.Fprintf(n.Notices, format, args...)
}

// eavesdropRules derives the AddMatch rules. Without explicit rules every
// message kind gets its own catch-all rule, mirroring dbus-monitor.
func eavesdropRules(rules []match.Rule) []match.Rule {
	if len(rules) == 0 {
		kinds := match.Kinds()
		out := make([]match.Rule, 0, len(kinds))
		for _, kind := range kinds {
			out = append(out, match.Rule{Kind: kind, Eavesdrop: true})
		}
		return out
	}

	out := make([]match.Rule, 0, len(rules))
	for _, rule := range rules {
		out = append(out, rule.WithEavesdrop())
	}
	return out
}
