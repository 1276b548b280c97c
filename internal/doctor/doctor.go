// Package doctor runs runtime readiness diagnostics for config and the bus.
package doctor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/godbus/dbus/v5/introspect"

	"github.com/rbright/busmon/internal/bus"
	"github.com/rbright/busmon/internal/config"
)

const dialTimeout = 2 * time.Second

// systemBusSocket is the well-known system bus path used when
// DBUS_SYSTEM_BUS_ADDRESS is unset.
var systemBusSocket = "/run/dbus/system_bus_socket"

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Probe is the slice of a bus connection the doctor inspects.
type Probe interface {
	UniqueName() string
	Introspect(ctx context.Context) (*introspect.Node, error)
	Close() error
}

// DialFunc opens a probe connection.
type DialFunc func(ctx context.Context, opts bus.Options) (Probe, error)

// Run executes config and bus checks for a loaded config.
func Run(ctx context.Context, cfg config.Loaded, dial DialFunc) Report {
	checks := []Check{}

	configMessage := fmt.Sprintf("loaded %q", cfg.Path)
	if !cfg.Exists {
		configMessage = fmt.Sprintf("no file at %q; using defaults", cfg.Path)
	}
	checks = append(checks, Check{Name: "config", Pass: true, Message: configMessage})

	checks = append(checks, checkRules(cfg.Config))
	checks = append(checks, checkAddress(cfg.Config.Bus))
	checks = append(checks, checkBus(ctx, cfg.Config, dial)...)

	return Report{Checks: checks}
}

// checkRules reports how many rules will be negotiated.
func checkRules(cfg config.Config) Check {
	rules, err := cfg.MatchRules()
	if err != nil {
		return Check{Name: "rules", Pass: false, Message: err.Error()}
	}
	if len(rules) == 0 {
		return Check{Name: "rules", Pass: true, Message: "no rules; monitoring all traffic"}
	}
	return Check{Name: "rules", Pass: true, Message: fmt.Sprintf("%d rule(s), first %s", len(rules), rules[0])}
}

// checkAddress validates that the selected bus has somewhere to connect.
func checkAddress(selected string) Check {
	switch strings.ToLower(strings.TrimSpace(selected)) {
	case "", "system":
		if addr := strings.TrimSpace(os.Getenv("DBUS_SYSTEM_BUS_ADDRESS")); addr != "" {
			return Check{Name: "bus.address", Pass: true, Message: fmt.Sprintf("system bus at %s", addr)}
		}
		if _, err := os.Stat(systemBusSocket); err != nil {
			return Check{Name: "bus.address", Pass: false, Message: fmt.Sprintf("system bus socket not found: %s", systemBusSocket)}
		}
		return Check{Name: "bus.address", Pass: true, Message: fmt.Sprintf("system bus socket %s", systemBusSocket)}
	case "session":
		addr := strings.TrimSpace(os.Getenv("DBUS_SESSION_BUS_ADDRESS"))
		if addr == "" {
			return Check{Name: "bus.address", Pass: false, Message: "DBUS_SESSION_BUS_ADDRESS is empty"}
		}
		return Check{Name: "bus.address", Pass: true, Message: fmt.Sprintf("session bus at %s", addr)}
	default:
		return Check{Name: "bus.address", Pass: true, Message: fmt.Sprintf("explicit address %s", selected)}
	}
}

// checkBus connects and looks for the Monitoring interface on the daemon.
func checkBus(ctx context.Context, cfg config.Config, dial DialFunc) []Check {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := dial(dialCtx, bus.Options{Address: cfg.Bus, QueueSize: cfg.Monitor.QueueSize})
	if err != nil {
		return []Check{
			{Name: "bus.connect", Pass: false, Message: err.Error()},
			{Name: "bus.monitoring", Pass: false, Message: "skipped: not connected"},
		}
	}
	defer conn.Close()

	checks := []Check{{Name: "bus.connect", Pass: true, Message: fmt.Sprintf("connected as %s", conn.UniqueName())}}

	node, err := conn.Introspect(dialCtx)
	if err != nil {
		return append(checks, Check{Name: "bus.monitoring", Pass: false, Message: fmt.Sprintf("introspect failed: %v", err)})
	}
	for _, iface := range node.Interfaces {
		if iface.Name == bus.MonitoringInterface {
			return append(checks, Check{Name: "bus.monitoring", Pass: true, Message: "daemon supports BecomeMonitor"})
		}
	}
	return append(checks, Check{
		Name:    "bus.monitoring",
		Pass:    false,
		Message: fmt.Sprintf("%s not advertised; busmon will fall back to eavesdropping", bus.MonitoringInterface),
	})
}
