package render

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/godbus/dbus/v5"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

const (
	indentStep   = "   "
	bytesPerLine = 16
	maxDepth     = 64
)

type paint func(string) string

func plain(s string) string { return s }

type styles struct {
	kind   paint
	member paint
	muted  paint
}

// newStyles resolves the color mode against w. Styling is skipped entirely
// unless a color profile is selected, so plain output has no escapes.
func newStyles(w io.Writer, mode string) styles {
	profile := termenv.Ascii
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case ColorAlways:
		profile = termenv.ANSI256
	case ColorNever:
	default:
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			profile = termenv.EnvColorProfile()
		}
	}
	if profile == termenv.Ascii {
		return styles{kind: plain, member: plain, muted: plain}
	}

	r := lipgloss.NewRenderer(w, termenv.WithProfile(profile))
	r.SetColorProfile(profile)
	kind := r.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	member := r.NewStyle().Foreground(lipgloss.Color("3"))
	muted := r.NewStyle().Faint(true)
	return styles{
		kind:   func(s string) string { return kind.Render(s) },
		member: func(s string) string { return member.Render(s) },
		muted:  func(s string) string { return muted.Render(s) },
	}
}

// Text renders messages in the dbus-monitor layout: one header line and an
// indented dump of the body.
type Text struct {
	w        io.Writer
	maxBytes int
	maxItems int
	now      func() time.Time
	styles   styles
	logger   *slog.Logger
}

// NewText builds a text renderer.
func NewText(w io.Writer, opts Options) *Text {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Text{
		w:        w,
		maxBytes: opts.MaxBytes,
		maxItems: opts.MaxItems,
		now:      now,
		styles:   newStyles(w, opts.Color),
		logger:   logger,
	}
}

// Render writes msg.
func (t *Text) Render(msg *dbus.Message) {
	emit(t.w, t.logger, func(buf *bytes.Buffer) {
		if msg == nil {
			buf.WriteString("<nil message>\n")
			return
		}
		t.writeHeader(buf, msg)
		for _, value := range msg.Body {
			t.writeValue(buf, indentStep, "", value, 0)
		}
	})
}

// Close is a no-op.
func (t *Text) Close() error { return nil }

func (t *Text) writeHeader(buf *bytes.Buffer, msg *dbus.Message) {
	f := headerFields(msg)
	ts := t.now()

	sender := f.sender
	if sender == "" {
		sender = "(null sender)"
	}
	destination := f.destination
	if destination == "" {
		destination = "(null destination)"
	}

	buf.WriteString(t.styles.kind(kindLabel(msg.Type)))
	fmt.Fprintf(buf, " time=%d.%06d sender=%s -> destination=%s serial=%d",
		ts.Unix(), ts.Nanosecond()/1000, sender, destination, msg.Serial())

	switch msg.Type {
	case dbus.TypeMethodCall, dbus.TypeSignal:
		fmt.Fprintf(buf, " path=%s; interface=%s; member=%s",
			f.path, f.iface, t.styles.member(f.member))
	case dbus.TypeMethodReply:
		fmt.Fprintf(buf, " reply_serial=%d", f.replySerial)
	case dbus.TypeError:
		fmt.Fprintf(buf, " error_name=%s reply_serial=%d", t.styles.member(f.errorName), f.replySerial)
	}
	buf.WriteByte('\n')
}

func (t *Text) line(buf *bytes.Buffer, indent, text string) {
	buf.WriteString(indent)
	buf.WriteString(text)
	buf.WriteByte('\n')
}

func (t *Text) writeValue(buf *bytes.Buffer, indent, lead string, value interface{}, depth int) {
	if depth > maxDepth {
		t.line(buf, indent, lead+"...")
		return
	}

	switch v := value.(type) {
	case nil:
		t.line(buf, indent, lead+"<nil>")
	case byte:
		t.line(buf, indent, lead+"byte "+strconv.Itoa(int(v)))
	case bool:
		t.line(buf, indent, lead+"boolean "+strconv.FormatBool(v))
	case int16:
		t.line(buf, indent, lead+"int16 "+strconv.FormatInt(int64(v), 10))
	case uint16:
		t.line(buf, indent, lead+"uint16 "+strconv.FormatUint(uint64(v), 10))
	case int32:
		t.line(buf, indent, lead+"int32 "+strconv.FormatInt(int64(v), 10))
	case uint32:
		t.line(buf, indent, lead+"uint32 "+strconv.FormatUint(uint64(v), 10))
	case int64:
		t.line(buf, indent, lead+"int64 "+strconv.FormatInt(v, 10))
	case uint64:
		t.line(buf, indent, lead+"uint64 "+strconv.FormatUint(v, 10))
	case float64:
		t.line(buf, indent, lead+"double "+strconv.FormatFloat(v, 'g', -1, 64))
	case string:
		t.line(buf, indent, lead+"string "+t.quote(v))
	case dbus.ObjectPath:
		t.line(buf, indent, lead+"object path "+t.quote(string(v)))
	case dbus.Signature:
		t.line(buf, indent, lead+"signature "+t.quote(v.String()))
	case dbus.UnixFD:
		t.line(buf, indent, lead+"unix fd "+strconv.FormatInt(int64(v), 10))
	case dbus.UnixFDIndex:
		t.line(buf, indent, lead+"unix fd index "+strconv.FormatUint(uint64(v), 10))
	case dbus.Variant:
		t.writeValue(buf, indent, lead+"variant ", v.Value(), depth+1)
	case []byte:
		t.writeBytes(buf, indent, lead, v)
	case []interface{}:
		t.line(buf, indent, lead+"struct {")
		for _, field := range v {
			t.writeValue(buf, indent+indentStep, "", field, depth+1)
		}
		t.line(buf, indent, "}")
	default:
		t.writeReflect(buf, indent, lead, reflect.ValueOf(value), depth)
	}
}

func (t *Text) writeReflect(buf *bytes.Buffer, indent, lead string, rv reflect.Value, depth int) {
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		if n == 0 {
			t.line(buf, indent, lead+"array [ ]")
			return
		}
		t.line(buf, indent, lead+"array [")
		shown := t.limitItems(n)
		for i := 0; i < shown; i++ {
			t.writeValue(buf, indent+indentStep, "", rv.Index(i).Interface(), depth+1)
		}
		t.moreItems(buf, indent+indentStep, n-shown)
		t.line(buf, indent, "]")
	case reflect.Map:
		n := rv.Len()
		if n == 0 {
			t.line(buf, indent, lead+"array [ ]")
			return
		}
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		t.line(buf, indent, lead+"array [")
		shown := t.limitItems(n)
		for _, key := range keys[:shown] {
			t.line(buf, indent+indentStep, "dict entry(")
			t.writeValue(buf, indent+indentStep+indentStep, "", key.Interface(), depth+1)
			t.writeValue(buf, indent+indentStep+indentStep, "", rv.MapIndex(key).Interface(), depth+1)
			t.line(buf, indent+indentStep, ")")
		}
		t.moreItems(buf, indent+indentStep, n-shown)
		t.line(buf, indent, "]")
	case reflect.Invalid:
		t.line(buf, indent, lead+"<invalid>")
	default:
		t.line(buf, indent, lead+fmt.Sprintf("%T %v", rv.Interface(), rv.Interface()))
	}
}

func (t *Text) writeBytes(buf *bytes.Buffer, indent, lead string, data []byte) {
	if len(data) == 0 {
		t.line(buf, indent, lead+"array of bytes [ ]")
		return
	}

	shown := len(data)
	if t.maxBytes > 0 && shown > t.maxBytes {
		shown = t.maxBytes
	}
	window := data[:shown]

	if shown == len(data) && isPrintable(window) {
		t.line(buf, indent, lead+"array of bytes "+strconv.Quote(string(window)))
		return
	}

	t.line(buf, indent, lead+"array of bytes [")
	var row strings.Builder
	for start := 0; start < len(window); start += bytesPerLine {
		end := min(start+bytesPerLine, len(window))
		row.Reset()
		for i, b := range window[start:end] {
			if i > 0 {
				row.WriteByte(' ')
			}
			fmt.Fprintf(&row, "%02x", b)
		}
		t.line(buf, indent+indentStep, row.String())
	}
	if shown < len(data) {
		t.line(buf, indent+indentStep, t.styles.muted(fmt.Sprintf("... %s total, %d bytes not shown", humanize.Bytes(uint64(len(data))), len(data)-shown)))
	}
	t.line(buf, indent, "]")
}

func (t *Text) quote(s string) string {
	if t.maxBytes <= 0 || len(s) <= t.maxBytes {
		return strconv.Quote(s)
	}
	head := strings.ToValidUTF8(s[:t.maxBytes], "")
	return strconv.Quote(head) + t.styles.muted(fmt.Sprintf(" ... (%s total, truncated)", humanize.Bytes(uint64(len(s)))))
}

func (t *Text) limitItems(n int) int {
	if t.maxItems > 0 && n > t.maxItems {
		return t.maxItems
	}
	return n
}

func (t *Text) moreItems(buf *bytes.Buffer, indent string, hidden int) {
	if hidden <= 0 {
		return
	}
	t.line(buf, indent, t.styles.muted(fmt.Sprintf("... %d more elements", hidden)))
}

func isPrintable(data []byte) bool {
	if !utf8.Valid(data) {
		return false
	}
	for _, b := range data {
		if b < 0x20 || b == 0x7f {
			return false
		}
	}
	return true
}
