// Package bus adapts a godbus connection into the call, match, and pump
// surface driven by the monitor.
//
// godbus reads the socket on its own goroutine. Once a Conn is built every
// incoming message, replies included, is diverted into one buffered
// channel, and all correlation and dispatch happens on the goroutine that
// calls Call or Process.
package bus

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/rbright/busmon/internal/match"
)

const (
	DaemonName          = "org.freedesktop.DBus"
	DaemonPath          = dbus.ObjectPath("/org/freedesktop/DBus")
	DaemonInterface     = "org.freedesktop.DBus"
	MonitoringInterface = "org.freedesktop.DBus.Monitoring"

	introspectableInterface = "org.freedesktop.DBus.Introspectable"

	// DefaultQueueSize bounds messages buffered between the godbus reader
	// and the pump. godbus drops messages when the buffer is full, and
	// Process logs a warning whenever it finds the buffer at capacity.
	DefaultQueueSize = 4096
)

var (
	// ErrDisconnected is returned once the underlying transport closes.
	ErrDisconnected = errors.New("bus connection closed")
	// ErrTimeout is returned when a daemon call has no reply in time.
	ErrTimeout = errors.New("timed out waiting for reply")
)

// Options selects the bus and sizes the delivery queue.
type Options struct {
	// Address is "system", "session", or a D-Bus server address.
	Address   string
	QueueSize int
	Logger    *slog.Logger
}

// Conn is the single connection handle owned by the process.
type Conn struct {
	bus      *dbus.Conn
	incoming chan *dbus.Message
	backlog  []*dbus.Message
	table    Dispatcher
	logger   *slog.Logger
}

// Dial opens, authenticates, and registers a bus connection, then diverts
// all incoming traffic to the pump.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	var (
		conn *dbus.Conn
		err  error
	)

	address := strings.TrimSpace(opts.Address)
	switch strings.ToLower(address) {
	case "", "system":
		conn, err = dbus.ConnectSystemBus(dbus.WithContext(ctx))
	case "session":
		conn, err = dbus.ConnectSessionBus(dbus.WithContext(ctx))
	default:
		conn, err = dbus.Connect(address, dbus.WithContext(ctx))
	}
	if err != nil {
		return nil, fmt.Errorf("connect to %s bus: %w", describeAddress(address), err)
	}

	return newConn(conn, opts.QueueSize, opts.Logger), nil
}

func newConn(conn *dbus.Conn, queueSize int, logger *slog.Logger) *Conn {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	c := &Conn{
		bus:      conn,
		incoming: make(chan *dbus.Message, queueSize),
		logger:   logger,
	}
	if conn != nil {
		conn.Eavesdrop(c.incoming)
	}
	return c
}

func describeAddress(address string) string {
	if address == "" {
		return "system"
	}
	return address
}

// UniqueName returns the name the daemon assigned during Hello.
func (c *Conn) UniqueName() string {
	names := c.bus.Names()
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Call invokes a method on the bus daemon and waits for its reply. Messages
// that arrive before the reply are kept for the next Process call.
func (c *Conn) Call(ctx context.Context, iface, member string, args ...interface{}) ([]interface{}, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	msg := &dbus.Message{
		Type: dbus.TypeMethodCall,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldDestination: dbus.MakeVariant(DaemonName),
			dbus.FieldPath:        dbus.MakeVariant(DaemonPath),
			dbus.FieldInterface:   dbus.MakeVariant(iface),
			dbus.FieldMember:      dbus.MakeVariant(member),
		},
		Body: args,
	}
	if len(args) > 0 {
		msg.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(args...))
	}

	call := c.bus.SendWithContext(ctx, msg, make(chan *dbus.Call, 1))
	serial := msg.Serial()

	for {
		select {
		case <-ctx.Done():
			return nil, c.callError(iface, member, ctx.Err())
		case done := <-call.Done:
			// Only reached when godbus finalizes the call itself: a send
			// failure or the context expiring.
			if done.Err != nil {
				return nil, c.callError(iface, member, done.Err)
			}
			return done.Body, nil
		case in, ok := <-c.incoming:
			if !ok {
				return nil, fmt.Errorf("%s.%s: %w", iface, member, ErrDisconnected)
			}
			if replySerial(in) != serial {
				c.backlog = append(c.backlog, in)
				continue
			}
			if in.Type == dbus.TypeError {
				return nil, replyError(in)
			}
			return in.Body, nil
		}
	}
}

func (c *Conn) callError(iface, member string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s.%s: %w", iface, member, ErrTimeout)
	}
	if errors.Is(err, dbus.ErrClosed) {
		return fmt.Errorf("%s.%s: %w", iface, member, ErrDisconnected)
	}
	return fmt.Errorf("%s.%s: %w", iface, member, err)
}

func replySerial(msg *dbus.Message) uint32 {
	if msg.Type != dbus.TypeMethodReply && msg.Type != dbus.TypeError {
		return 0
	}
	v, ok := msg.Headers[dbus.FieldReplySerial]
	if !ok {
		return 0
	}
	serial, _ := v.Value().(uint32)
	return serial
}

func replyError(msg *dbus.Message) error {
	name := "org.freedesktop.DBus.Error.Failed"
	if v, ok := msg.Headers[dbus.FieldErrorName]; ok {
		if s, ok := v.Value().(string); ok && s != "" {
			name = s
		}
	}
	return dbus.Error{Name: name, Body: msg.Body}
}

// BecomeMonitor asks the daemon to turn this connection into a monitor for
// rules. On success the daemon forwards matching traffic without any
// further AddMatch registration.
func (c *Conn) BecomeMonitor(ctx context.Context, rules []match.Rule) error {
	filters := make([]string, 0, len(rules))
	for _, rule := range rules {
		filters = append(filters, rule.String())
	}
	_, err := c.Call(ctx, MonitoringInterface, "BecomeMonitor", filters, uint32(0))
	return err
}

// AddMatch registers rule with the daemon and binds handler to it locally.
func (c *Conn) AddMatch(ctx context.Context, rule match.Rule, handler Handler) error {
	if _, err := c.Call(ctx, DaemonInterface, "AddMatch", rule.String()); err != nil {
		return err
	}
	c.table.Add(rule, handler)
	return nil
}

// StartReceive binds handler to rule in the local dispatch table only.
func (c *Conn) StartReceive(rule match.Rule, handler Handler) {
	c.table.Add(rule, handler)
}

// Process delivers queued messages to matching handlers. It blocks up to
// timeout for the first message, then drains what is already buffered
// without waiting.
func (c *Conn) Process(timeout time.Duration) error {
	for len(c.backlog) > 0 {
		msg := c.backlog[0]
		c.backlog[0] = nil
		c.backlog = c.backlog[1:]
		c.dispatch(msg)
	}

	if queued := len(c.incoming); queued > 0 && queued == cap(c.incoming) {
		c.logger.Warn("delivery queue full; incoming messages may be dropped", "queue_size", queued)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return ErrDisconnected
		}
		c.dispatch(msg)
	case <-timer.C:
		return nil
	}

	for i := 1; i < cap(c.incoming); i++ {
		select {
		case msg, ok := <-c.incoming:
			if !ok {
				return ErrDisconnected
			}
			c.dispatch(msg)
		default:
			return nil
		}
	}
	return nil
}

func (c *Conn) dispatch(msg *dbus.Message) {
	if !c.table.Dispatch(msg) {
		c.logger.Debug("message unmatched", "type", match.KindOf(msg.Type))
	}
}

// Introspect fetches the daemon's introspection document.
func (c *Conn) Introspect(ctx context.Context) (*introspect.Node, error) {
	body, err := c.Call(ctx, introspectableInterface, "Introspect")
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, errors.New("introspect: empty reply")
	}
	data, ok := body[0].(string)
	if !ok {
		return nil, fmt.Errorf("introspect: unexpected reply type %T", body[0])
	}

	var node introspect.Node
	if err := xml.Unmarshal([]byte(data), &node); err != nil {
		return nil, fmt.Errorf("introspect: decode xml: %w", err)
	}
	return &node, nil
}

// Close shuts down the transport.
func (c *Conn) Close() error {
	if c.bus == nil {
		return nil
	}
	return c.bus.Close()
}
