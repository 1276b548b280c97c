// Package bustest provides an in-memory bus connection with a scriptable
// daemon for tests.
package bustest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/rbright/busmon/internal/bus"
	"github.com/rbright/busmon/internal/match"
)

// ErrDrained is the default error returned by Process once every scripted
// batch has been delivered.
var ErrDrained = errors.New("bustest: scripted traffic exhausted")

// DaemonCall records one round-trip made to the fake daemon.
type DaemonCall struct {
	Member string
	Rules  []string
}

// Conn is a fake connection. Each Process call delivers the next batch of
// Traffic, filtered first by the daemon-side registrations (monitor rules
// or eavesdrop matches) and then by the local dispatch table.
type Conn struct {
	Name string

	// BecomeMonitorErr is returned from BecomeMonitor when set.
	BecomeMonitorErr error
	// BecomeMonitorDelay blocks BecomeMonitor until the delay elapses or
	// the context ends, whichever is first.
	BecomeMonitorDelay time.Duration
	AddMatchErr        error
	Node               *introspect.Node
	IntrospectErr      error

	Traffic [][]*dbus.Message
	// Drained runs once when Traffic is exhausted. DrainedErr (or
	// ErrDrained when nil) is then returned by every later Process call.
	Drained    func()
	DrainedErr error

	Calls      []DaemonCall
	Iterations int
	Timeouts   []time.Duration
	Closed     bool

	monitoring   bool
	monitorRules []match.Rule
	daemonRules  []match.Rule
	table        bus.Dispatcher
	drained      bool
}

// UniqueName returns Name, defaulting to ":1.42".
func (c *Conn) UniqueName() string {
	if c.Name == "" {
		return ":1.42"
	}
	return c.Name
}

// BecomeMonitor records the call and switches the daemon into monitor
// forwarding unless an error or delay is scripted.
func (c *Conn) BecomeMonitor(ctx context.Context, rules []match.Rule) error {
	c.Calls = append(c.Calls, DaemonCall{Member: "BecomeMonitor", Rules: ruleStrings(rules)})

	if c.BecomeMonitorDelay > 0 {
		timer := time.NewTimer(c.BecomeMonitorDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s.BecomeMonitor: %w", bus.MonitoringInterface, bus.ErrTimeout)
		case <-timer.C:
		}
	}
	if c.BecomeMonitorErr != nil {
		return c.BecomeMonitorErr
	}

	c.monitoring = true
	c.monitorRules = append([]match.Rule(nil), rules...)
	return nil
}

// AddMatch records the call and registers the rule daemon-side and locally.
func (c *Conn) AddMatch(_ context.Context, rule match.Rule, handler bus.Handler) error {
	c.Calls = append(c.Calls, DaemonCall{Member: "AddMatch", Rules: []string{rule.String()}})
	if c.AddMatchErr != nil {
		return c.AddMatchErr
	}
	c.daemonRules = append(c.daemonRules, rule)
	c.table.Add(rule, handler)
	return nil
}

// StartReceive registers handler in the local table only.
func (c *Conn) StartReceive(rule match.Rule, handler bus.Handler) {
	c.table.Add(rule, handler)
}

// Process delivers the next scripted batch.
func (c *Conn) Process(timeout time.Duration) error {
	c.Iterations++
	c.Timeouts = append(c.Timeouts, timeout)

	if len(c.Traffic) == 0 {
		if !c.drained {
			c.drained = true
			if c.Drained != nil {
				c.Drained()
			}
		}
		if c.DrainedErr != nil {
			return c.DrainedErr
		}
		return ErrDrained
	}

	batch := c.Traffic[0]
	c.Traffic = c.Traffic[1:]
	for _, msg := range batch {
		if c.forwarded(msg) {
			c.table.Dispatch(msg)
		}
	}
	return nil
}

// forwarded applies the daemon's routing: monitors see everything that
// matches a monitor rule (all traffic for an empty list), eavesdroppers see
// what matches an added rule.
func (c *Conn) forwarded(msg *dbus.Message) bool {
	if c.monitoring {
		if len(c.monitorRules) == 0 {
			return true
		}
		return anyMatch(c.monitorRules, msg)
	}
	return anyMatch(c.daemonRules, msg)
}

func anyMatch(rules []match.Rule, msg *dbus.Message) bool {
	for _, rule := range rules {
		if rule.Matches(msg) {
			return true
		}
	}
	return false
}

// Introspect returns Node or IntrospectErr.
func (c *Conn) Introspect(context.Context) (*introspect.Node, error) {
	if c.IntrospectErr != nil {
		return nil, c.IntrospectErr
	}
	if c.Node == nil {
		return &introspect.Node{}, nil
	}
	return c.Node, nil
}

// Close marks the connection closed.
func (c *Conn) Close() error {
	c.Closed = true
	return nil
}

// CallsTo returns the recorded calls to member.
func (c *Conn) CallsTo(member string) []DaemonCall {
	var out []DaemonCall
	for _, call := range c.Calls {
		if call.Member == member {
			out = append(out, call)
		}
	}
	return out
}

// Receivers returns the size of the local dispatch table.
func (c *Conn) Receivers() int {
	return c.table.Len()
}

// Signal builds a signal message for scripted traffic.
func Signal(sender string, path dbus.ObjectPath, iface, member string, body ...interface{}) *dbus.Message {
	msg := &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldSender:    dbus.MakeVariant(sender),
			dbus.FieldPath:      dbus.MakeVariant(path),
			dbus.FieldInterface: dbus.MakeVariant(iface),
			dbus.FieldMember:    dbus.MakeVariant(member),
		},
		Body: body,
	}
	if len(body) > 0 {
		msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(body...))
	}
	return msg
}

// MethodCall builds a method call message for scripted traffic.
func MethodCall(sender, destination string, path dbus.ObjectPath, iface, member string, body ...interface{}) *dbus.Message {
	msg := Signal(sender, path, iface, member, body...)
	msg.Type = dbus.TypeMethodCall
	msg.Headers[dbus.FieldDestination] = dbus.MakeVariant(destination)
	return msg
}

func ruleStrings(rules []match.Rule) []string {
	out := make([]string, 0, len(rules))
	for _, rule := range rules {
		out = append(out, rule.String())
	}
	return out
}
