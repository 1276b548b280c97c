package render

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/require"
)

var fixedNow = func() time.Time { return time.Unix(1700000000, 123456000) }

func nmSignal(body ...interface{}) *dbus.Message {
	msg := &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldSender:    dbus.MakeVariant(":1.9"),
			dbus.FieldPath:      dbus.MakeVariant(dbus.ObjectPath("/org/freedesktop/NetworkManager")),
			dbus.FieldInterface: dbus.MakeVariant("org.freedesktop.NetworkManager"),
			dbus.FieldMember:    dbus.MakeVariant("StateChanged"),
		},
		Body: body,
	}
	return msg
}

func renderText(t *testing.T, opts Options, msg *dbus.Message) string {
	t.Helper()
	var out bytes.Buffer
	opts.Now = fixedNow
	if opts.Color == "" {
		opts.Color = ColorNever
	}
	r := NewText(&out, opts)
	r.Render(msg)
	require.NoError(t, r.Close())
	return out.String()
}

func TestTextSignalHeaderAndScalars(t *testing.T) {
	out := renderText(t, Options{}, nmSignal(uint32(70), "connected", true, int16(-2), 1.5, byte(7)))

	require.Equal(t, strings.Join([]string{
		"signal time=1700000000.123456 sender=:1.9 -> destination=(null destination) serial=0 path=/org/freedesktop/NetworkManager; interface=org.freedesktop.NetworkManager; member=StateChanged",
		"   uint32 70",
		`   string "connected"`,
		"   boolean true",
		"   int16 -2",
		"   double 1.5",
		"   byte 7",
		"",
	}, "\n"), out)
}

func TestTextMethodReturnAndErrorHeaders(t *testing.T) {
	ret := &dbus.Message{
		Type: dbus.TypeMethodReply,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldSender:      dbus.MakeVariant("org.freedesktop.DBus"),
			dbus.FieldDestination: dbus.MakeVariant(":1.9"),
			dbus.FieldReplySerial: dbus.MakeVariant(uint32(2)),
		},
	}
	out := renderText(t, Options{}, ret)
	require.Equal(t, "method return time=1700000000.123456 sender=org.freedesktop.DBus -> destination=:1.9 serial=0 reply_serial=2\n", out)

	errMsg := &dbus.Message{
		Type: dbus.TypeError,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldErrorName:   dbus.MakeVariant("org.freedesktop.DBus.Error.AccessDenied"),
			dbus.FieldReplySerial: dbus.MakeVariant(uint32(3)),
		},
		Body: []interface{}{"denied"},
	}
	out = renderText(t, Options{}, errMsg)
	require.Contains(t, out, "error time=1700000000.123456 sender=(null sender) -> destination=(null destination) serial=0 error_name=org.freedesktop.DBus.Error.AccessDenied reply_serial=3\n")
	require.Contains(t, out, `   string "denied"`)
}

func TestTextContainers(t *testing.T) {
	body := []interface{}{
		map[string]dbus.Variant{
			"b": dbus.MakeVariant(uint32(3)),
			"a": dbus.MakeVariant([]string{"x", "y"}),
		},
		[]interface{}{dbus.ObjectPath("/o"), dbus.Signature{}},
		[]string{},
	}
	out := renderText(t, Options{}, nmSignal(body...))

	require.Contains(t, out, strings.Join([]string{
		"   array [",
		"      dict entry(",
		`         string "a"`,
		"         variant array [",
		`            string "x"`,
		`            string "y"`,
		"         ]",
		"      )",
		"      dict entry(",
		`         string "b"`,
		"         variant uint32 3",
		"      )",
		"   ]",
		"   struct {",
		`      object path "/o"`,
		`      signature ""`,
		"   }",
		"   array [ ]",
	}, "\n"))
}

func TestTextLimitsArrayItems(t *testing.T) {
	items := make([]int32, 10)
	out := renderText(t, Options{MaxItems: 3}, nmSignal(items))
	require.Equal(t, 3, strings.Count(out, "int32 0"))
	require.Contains(t, out, "... 7 more elements")
}

func TestTextPrintableBytesRenderAsString(t *testing.T) {
	out := renderText(t, Options{MaxBytes: 64}, nmSignal([]byte("hello")))
	require.Contains(t, out, `   array of bytes "hello"`)
}

func TestTextBinaryBytesRenderAsHex(t *testing.T) {
	data := make([]byte, 20)
	for i := range data {
		data[i] = byte(i)
	}
	out := renderText(t, Options{MaxBytes: 64}, nmSignal(data))
	require.Contains(t, out, strings.Join([]string{
		"   array of bytes [",
		"      00 01 02 03 04 05 06 07 08 09 0a 0b 0c 0d 0e 0f",
		"      10 11 12 13",
		"   ]",
	}, "\n"))
}

func TestTextLargePayloadIsTruncatedQuickly(t *testing.T) {
	image := bytes.Repeat([]byte{0x89, 'P', 'N', 'G'}, 2<<20)
	msg := nmSignal(dbus.MakeVariant(image))

	start := time.Now()
	out := renderText(t, Options{MaxBytes: DefaultMaxBytes}, msg)
	require.Less(t, time.Since(start), 5*time.Second)

	require.Less(t, len(out), 16*1024)
	require.Contains(t, out, "variant array of bytes [")
	require.Contains(t, out, "8.4 MB total")
	require.Contains(t, out, "bytes not shown")
}

func TestTextLongStringIsTruncated(t *testing.T) {
	out := renderText(t, Options{MaxBytes: 8}, nmSignal(strings.Repeat("é", 1500)))
	require.Contains(t, out, `string "éééé" ... (3.0 kB total, truncated)`)
}

func TestTextUnlimitedWhenMaxBytesZero(t *testing.T) {
	out := renderText(t, Options{MaxBytes: 0}, nmSignal(strings.Repeat("a", 5000)))
	require.NotContains(t, out, "truncated")
}

func TestTextRecoversFromPanics(t *testing.T) {
	var out bytes.Buffer
	r := NewText(&out, Options{Color: ColorNever, Now: func() time.Time { panic("clock exploded") }})

	require.NotPanics(t, func() { r.Render(nmSignal()) })
	require.Equal(t, "<render error: clock exploded>\n", out.String())
}

func TestTextNilMessage(t *testing.T) {
	require.Equal(t, "<nil message>\n", renderText(t, Options{}, nil))
}

func TestTextColorModes(t *testing.T) {
	colored := renderText(t, Options{Color: ColorAlways}, nmSignal())
	require.Contains(t, colored, "\x1b[")
	require.Contains(t, colored, "signal")

	plainOut := renderText(t, Options{Color: ColorNever}, nmSignal())
	require.NotContains(t, plainOut, "\x1b[")

	// A buffer is never a terminal, so auto resolves to plain output.
	autoOut := renderText(t, Options{Color: ColorAuto}, nmSignal())
	require.NotContains(t, autoOut, "\x1b[")
}
