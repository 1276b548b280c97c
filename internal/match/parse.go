package match

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"
)

const maxArgIndex = 63

// Parse reads a rule written in D-Bus match rule syntax, e.g.
// type='signal',interface='org.freedesktop.NetworkManager'.
//
// An empty string yields the zero rule, which matches everything.
func Parse(input string) (Rule, error) {
	pairs, err := splitPairs(input)
	if err != nil {
		return Rule{}, err
	}

	var rule Rule
	seen := make(map[string]struct{}, len(pairs))
	for _, p := range pairs {
		if _, dup := seen[p.key]; dup {
			return Rule{}, fmt.Errorf("duplicate key %q in match rule", p.key)
		}
		seen[p.key] = struct{}{}

		if err := rule.set(p.key, p.value); err != nil {
			return Rule{}, err
		}
	}

	if rule.Path != "" && rule.PathNamespace != "" {
		return Rule{}, fmt.Errorf("path and path_namespace cannot be combined")
	}
	return rule, nil
}

// MustParse is Parse for compile-time constant rules.
func MustParse(input string) Rule {
	rule, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return rule
}

func (r *Rule) set(key, value string) error {
	switch key {
	case "type":
		kind := Kind(value)
		if kind == KindAny || !kind.valid() {
			return fmt.Errorf("unknown message type %q", value)
		}
		r.Kind = kind
	case "sender":
		r.Sender = value
	case "interface":
		r.Interface = value
	case "member":
		r.Member = value
	case "path":
		path := dbus.ObjectPath(value)
		if !path.IsValid() {
			return fmt.Errorf("invalid object path %q", value)
		}
		r.Path = path
	case "path_namespace":
		path := dbus.ObjectPath(value)
		if !path.IsValid() {
			return fmt.Errorf("invalid path namespace %q", value)
		}
		r.PathNamespace = path
	case "destination":
		r.Destination = value
	case "eavesdrop":
		switch value {
		case "true":
			r.Eavesdrop = true
		case "false":
			r.Eavesdrop = false
		default:
			return fmt.Errorf("eavesdrop must be 'true' or 'false', got %q", value)
		}
	default:
		index, ok := argIndex(key)
		if !ok {
			return fmt.Errorf("unsupported match key %q", key)
		}
		if r.Args == nil {
			r.Args = make(map[int]string)
		}
		r.Args[index] = value
	}
	return nil
}

func argIndex(key string) (int, bool) {
	digits, ok := strings.CutPrefix(key, "arg")
	if !ok || digits == "" {
		return 0, false
	}
	index, err := strconv.Atoi(digits)
	if err != nil || index < 0 || index > maxArgIndex {
		return 0, false
	}
	return index, true
}

type pair struct {
	key   string
	value string
}

func splitPairs(input string) ([]pair, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, nil
	}

	var (
		pairs   []pair
		key     string
		current strings.Builder
		inKey   = true
		quoted  bool
	)

	flush := func() error {
		if inKey {
			if strings.TrimSpace(current.String()) == "" {
				return fmt.Errorf("empty element in match rule %q", input)
			}
			return fmt.Errorf("match rule element %q has no value", strings.TrimSpace(current.String()))
		}
		pairs = append(pairs, pair{key: key, value: current.String()})
		current.Reset()
		inKey = true
		return nil
	}

	for i := 0; i < len(input); i++ {
		ch := input[i]
		switch {
		case inKey && ch == '=':
			key = strings.TrimSpace(current.String())
			if key == "" {
				return nil, fmt.Errorf("missing key in match rule %q", input)
			}
			current.Reset()
			inKey = false
		case inKey && ch == ',':
			if err := flush(); err != nil {
				return nil, err
			}
		case inKey:
			current.WriteByte(ch)
		case ch == '\'':
			quoted = !quoted
		case quoted:
			current.WriteByte(ch)
		case ch == '\\' && i+1 < len(input) && input[i+1] == '\'':
			current.WriteByte('\'')
			i++
		case ch == ',':
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			current.WriteByte(ch)
		}
	}

	if quoted {
		return nil, fmt.Errorf("unterminated quote in match rule %q", input)
	}
	// dbus-daemon tolerates a trailing comma.
	if inKey && len(pairs) > 0 && strings.TrimSpace(current.String()) == "" {
		return pairs, nil
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return pairs, nil
}
