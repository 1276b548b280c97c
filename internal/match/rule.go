// Package match builds, parses, and evaluates D-Bus match rules.
package match

import (
	"sort"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

// Kind is the message type component of a match rule.
type Kind string

const (
	KindAny          Kind = ""
	KindMethodCall   Kind = "method_call"
	KindMethodReturn Kind = "method_return"
	KindError        Kind = "error"
	KindSignal       Kind = "signal"
)

// Kinds lists every concrete message kind in wire order.
func Kinds() []Kind {
	return []Kind{KindMethodCall, KindMethodReturn, KindError, KindSignal}
}

// Type maps the kind to its godbus message type. KindAny maps to zero.
func (k Kind) Type() dbus.Type {
	switch k {
	case KindMethodCall:
		return dbus.TypeMethodCall
	case KindMethodReturn:
		return dbus.TypeMethodReply
	case KindError:
		return dbus.TypeError
	case KindSignal:
		return dbus.TypeSignal
	default:
		return 0
	}
}

// KindOf returns the rule kind for a godbus message type.
func KindOf(t dbus.Type) Kind {
	switch t {
	case dbus.TypeMethodCall:
		return KindMethodCall
	case dbus.TypeMethodReply:
		return KindMethodReturn
	case dbus.TypeError:
		return KindError
	case dbus.TypeSignal:
		return KindSignal
	default:
		return KindAny
	}
}

func (k Kind) valid() bool {
	switch k {
	case KindAny, KindMethodCall, KindMethodReturn, KindError, KindSignal:
		return true
	default:
		return false
	}
}

// Rule describes which messages are of interest.
//
// Rule is a value type. Methods that change a field return a copy, so a
// rule already registered with the daemon is never modified in place.
type Rule struct {
	Kind          Kind
	Sender        string
	Interface     string
	Member        string
	Path          dbus.ObjectPath
	PathNamespace dbus.ObjectPath
	Destination   string
	// Args holds argN string constraints keyed by argument index.
	Args map[int]string
	// Eavesdrop is only meaningful for AddMatch registrations.
	Eavesdrop bool
}

// WithEavesdrop returns a copy of r with eavesdrop='true'.
func (r Rule) WithEavesdrop() Rule {
	r.Args = cloneArgs(r.Args)
	r.Eavesdrop = true
	return r
}

// WithoutEavesdrop returns a copy of r with the eavesdrop flag cleared.
func (r Rule) WithoutEavesdrop() Rule {
	r.Args = cloneArgs(r.Args)
	r.Eavesdrop = false
	return r
}

// IsZero reports whether the rule matches every message.
func (r Rule) IsZero() bool {
	return r.Kind == KindAny &&
		r.Sender == "" &&
		r.Interface == "" &&
		r.Member == "" &&
		r.Path == "" &&
		r.PathNamespace == "" &&
		r.Destination == "" &&
		len(r.Args) == 0 &&
		!r.Eavesdrop
}

// String renders the rule in D-Bus match rule syntax.
func (r Rule) String() string {
	parts := make([]string, 0, 8)
	add := func(key, value string) {
		if value == "" {
			return
		}
		parts = append(parts, key+"="+quote(value))
	}

	add("type", string(r.Kind))
	add("sender", r.Sender)
	add("interface", r.Interface)
	add("member", r.Member)
	add("path", string(r.Path))
	add("path_namespace", string(r.PathNamespace))
	add("destination", r.Destination)

	indexes := make([]int, 0, len(r.Args))
	for index := range r.Args {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	for _, index := range indexes {
		parts = append(parts, "arg"+strconv.Itoa(index)+"="+quote(r.Args[index]))
	}

	if r.Eavesdrop {
		parts = append(parts, "eavesdrop='true'")
	}
	return strings.Join(parts, ",")
}

// Matches reports whether msg satisfies every populated field of r.
//
// Sender and destination constraints that use well-known names are
// resolved by the daemon, which only knows the unique-name owner; they are
// not re-checked locally.
func (r Rule) Matches(msg *dbus.Message) bool {
	if msg == nil {
		return false
	}
	if r.Kind != KindAny && msg.Type != r.Kind.Type() {
		return false
	}
	if isUniqueName(r.Sender) && header(msg, dbus.FieldSender) != r.Sender {
		return false
	}
	if isUniqueName(r.Destination) && header(msg, dbus.FieldDestination) != r.Destination {
		return false
	}
	if r.Interface != "" && header(msg, dbus.FieldInterface) != r.Interface {
		return false
	}
	if r.Member != "" && header(msg, dbus.FieldMember) != r.Member {
		return false
	}

	path := dbus.ObjectPath(header(msg, dbus.FieldPath))
	if r.Path != "" && path != r.Path {
		return false
	}
	if r.PathNamespace != "" && !inNamespace(path, r.PathNamespace) {
		return false
	}

	for index, want := range r.Args {
		if index < 0 || index >= len(msg.Body) {
			return false
		}
		got, ok := msg.Body[index].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func header(msg *dbus.Message, field dbus.HeaderField) string {
	v, ok := msg.Headers[field]
	if !ok {
		return ""
	}
	switch value := v.Value().(type) {
	case string:
		return value
	case dbus.ObjectPath:
		return string(value)
	default:
		return ""
	}
}

func inNamespace(path, namespace dbus.ObjectPath) bool {
	if path == "" {
		return false
	}
	if namespace == "/" || path == namespace {
		return true
	}
	return strings.HasPrefix(string(path), string(namespace)+"/")
}

func isUniqueName(name string) bool {
	return strings.HasPrefix(name, ":")
}

// quote wraps value in single quotes. Apostrophes cannot appear inside a
// quoted run, so they are emitted as \' between two quoted runs.
func quote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

func cloneArgs(args map[int]string) map[int]string {
	if args == nil {
		return nil
	}
	out := make(map[int]string, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}
