// Package render turns bus messages into diagnostic output.
//
// Renderers never fail the process. A message that cannot be rendered in
// full produces whatever output was built before the failure plus an
// inline error marker.
package render

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	FormatText   = "text"
	FormatJSON   = "json"
	FormatBinary = "binary"

	CompressNone = "none"
	CompressZstd = "zstd"

	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"

	DefaultMaxBytes = 1024
	DefaultMaxItems = 256
)

// Renderer writes one representation per message.
type Renderer interface {
	Render(msg *dbus.Message)
	Close() error
}

// Options selects the output format and payload limits.
type Options struct {
	Format   string
	Compress string
	Color    string
	// MaxBytes caps rendered bytes of one byte array or string; 0 means
	// unlimited.
	MaxBytes int
	// MaxItems caps rendered elements of one array or dict; 0 means
	// unlimited.
	MaxItems int
	Now      func() time.Time
	Logger   *slog.Logger
}

// New builds the renderer for opts.Format writing to w.
func New(w io.Writer, opts Options) (Renderer, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	format := strings.ToLower(strings.TrimSpace(opts.Format))
	compress := strings.ToLower(strings.TrimSpace(opts.Compress))
	if compress == "" {
		compress = CompressNone
	}
	if compress != CompressNone && format != FormatBinary {
		return nil, fmt.Errorf("compression %q requires format %q", compress, FormatBinary)
	}

	switch format {
	case "", FormatText:
		return NewText(w, opts), nil
	case FormatJSON:
		return NewJSON(w, opts), nil
	case FormatBinary:
		return NewBinary(w, compress, opts.Logger)
	default:
		return nil, fmt.Errorf("unknown output format %q", opts.Format)
	}
}

// emit runs build against a fresh buffer and writes whatever it produced,
// converting a panic into an inline marker.
func emit(w io.Writer, logger *slog.Logger, build func(*bytes.Buffer)) {
	var buf bytes.Buffer
	func() {
		defer func() {
			if r := recover(); r != nil {
				if buf.Len() > 0 && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
					buf.WriteByte('\n')
				}
				fmt.Fprintf(&buf, "<render error: %v>\n", r)
				logger.Warn("render failed", "panic", fmt.Sprint(r))
			}
		}()
		build(&buf)
	}()

	if _, err := w.Write(buf.Bytes()); err != nil {
		logger.Warn("write rendered message failed", "error", err.Error())
	}
}

type fields struct {
	sender      string
	destination string
	path        string
	iface       string
	member      string
	errorName   string
	replySerial uint32
	signature   string
}

func headerFields(msg *dbus.Message) fields {
	return fields{
		sender:      headerString(msg, dbus.FieldSender),
		destination: headerString(msg, dbus.FieldDestination),
		path:        headerString(msg, dbus.FieldPath),
		iface:       headerString(msg, dbus.FieldInterface),
		member:      headerString(msg, dbus.FieldMember),
		errorName:   headerString(msg, dbus.FieldErrorName),
		replySerial: headerUint32(msg, dbus.FieldReplySerial),
		signature:   headerString(msg, dbus.FieldSignature),
	}
}

func headerString(msg *dbus.Message, field dbus.HeaderField) string {
	v, ok := msg.Headers[field]
	if !ok {
		return ""
	}
	switch value := v.Value().(type) {
	case string:
		return value
	case dbus.ObjectPath:
		return string(value)
	case dbus.Signature:
		return value.String()
	default:
		return fmt.Sprint(value)
	}
}

func headerUint32(msg *dbus.Message, field dbus.HeaderField) uint32 {
	v, ok := msg.Headers[field]
	if !ok {
		return 0
	}
	n, _ := v.Value().(uint32)
	return n
}

func kindLabel(t dbus.Type) string {
	switch t {
	case dbus.TypeMethodCall:
		return "method call"
	case dbus.TypeMethodReply:
		return "method return"
	case dbus.TypeError:
		return "error"
	case dbus.TypeSignal:
		return "signal"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}
