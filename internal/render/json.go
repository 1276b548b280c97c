package render

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
)

// JSON renders one JSON object per line.
type JSON struct {
	w        io.Writer
	maxBytes int
	maxItems int
	now      func() time.Time
	logger   *slog.Logger
}

type jsonMessage struct {
	Time        string `json:"time"`
	Type        string `json:"type"`
	Serial      uint32 `json:"serial"`
	Sender      string `json:"sender,omitempty"`
	Destination string `json:"destination,omitempty"`
	Path        string `json:"path,omitempty"`
	Interface   string `json:"interface,omitempty"`
	Member      string `json:"member,omitempty"`
	ErrorName   string `json:"error_name,omitempty"`
	ReplySerial uint32 `json:"reply_serial,omitempty"`
	Signature   string `json:"signature,omitempty"`
	Body        []any  `json:"body"`
}

type jsonTruncated struct {
	Truncated bool   `json:"truncated"`
	Length    int    `json:"length"`
	Value     string `json:"value,omitempty"`
	Items     []any  `json:"items,omitempty"`
}

type jsonBytes struct {
	Bytes     int    `json:"bytes"`
	Hex       string `json:"hex"`
	Truncated bool   `json:"truncated,omitempty"`
}

type jsonVariant struct {
	Signature string `json:"signature"`
	Value     any    `json:"value"`
}

// NewJSON builds a JSON lines renderer.
func NewJSON(w io.Writer, opts Options) *JSON {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &JSON{w: w, maxBytes: opts.MaxBytes, maxItems: opts.MaxItems, now: now, logger: logger}
}

// Render writes msg as a single line.
func (j *JSON) Render(msg *dbus.Message) {
	emit(j.w, j.logger, func(buf *bytes.Buffer) {
		if msg == nil {
			buf.WriteString(`{"error":"nil message"}` + "\n")
			return
		}

		f := headerFields(msg)
		out := jsonMessage{
			Time:        j.now().UTC().Format(time.RFC3339Nano),
			Type:        strings.ReplaceAll(kindLabel(msg.Type), " ", "_"),
			Serial:      msg.Serial(),
			Sender:      f.sender,
			Destination: f.destination,
			Path:        f.path,
			Interface:   f.iface,
			Member:      f.member,
			ErrorName:   f.errorName,
			ReplySerial: f.replySerial,
			Signature:   f.signature,
			Body:        make([]any, 0, len(msg.Body)),
		}
		for _, value := range msg.Body {
			out.Body = append(out.Body, j.value(value, 0))
		}

		data, err := json.Marshal(out)
		if err != nil {
			fallback, _ := json.Marshal(map[string]string{"time": out.Time, "type": out.Type, "error": err.Error()})
			data = fallback
		}
		buf.Write(data)
		buf.WriteByte('\n')
	})
}

// Close is a no-op.
func (j *JSON) Close() error { return nil }

func (j *JSON) value(value any, depth int) any {
	if depth > maxDepth {
		return "..."
	}

	switch v := value.(type) {
	case nil, bool, byte, int16, uint16, int32, uint32, int64, uint64:
		return v
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Sprint(v)
		}
		return v
	case string:
		if j.maxBytes > 0 && len(v) > j.maxBytes {
			return jsonTruncated{Truncated: true, Length: len(v), Value: strings.ToValidUTF8(v[:j.maxBytes], "")}
		}
		return v
	case dbus.ObjectPath:
		return string(v)
	case dbus.Signature:
		return v.String()
	case dbus.Variant:
		return jsonVariant{Signature: v.Signature().String(), Value: j.value(v.Value(), depth+1)}
	case []byte:
		shown := len(v)
		if j.maxBytes > 0 && shown > j.maxBytes {
			shown = j.maxBytes
		}
		return jsonBytes{Bytes: len(v), Hex: hex.EncodeToString(v[:shown]), Truncated: shown < len(v)}
	case []interface{}:
		out := make([]any, 0, len(v))
		for _, field := range v {
			out = append(out, j.value(field, depth+1))
		}
		return out
	}

	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		n := rv.Len()
		shown := n
		if j.maxItems > 0 && shown > j.maxItems {
			shown = j.maxItems
		}
		items := make([]any, 0, shown)
		for i := 0; i < shown; i++ {
			items = append(items, j.value(rv.Index(i).Interface(), depth+1))
		}
		if shown < n {
			return jsonTruncated{Truncated: true, Length: n, Items: items}
		}
		return items
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for count := 0; iter.Next(); count++ {
			if j.maxItems > 0 && count >= j.maxItems {
				break
			}
			out[fmt.Sprint(iter.Key().Interface())] = j.value(iter.Value().Interface(), depth+1)
		}
		return out
	default:
		return fmt.Sprint(value)
	}
}
