package bus

import (
	"github.com/godbus/dbus/v5"

	"github.com/rbright/busmon/internal/match"
)

// Handler receives one matched message. It runs inline on the pump
// goroutine and must not block.
type Handler func(msg *dbus.Message)

type receiver struct {
	rule    match.Rule
	handler Handler
}

// Dispatcher is the local dispatch table: an ordered list of rules, each
// bound to a handler. The zero value is ready to use.
type Dispatcher struct {
	receivers []receiver
}

// Add appends a receiver. Earlier receivers take precedence.
func (d *Dispatcher) Add(rule match.Rule, handler Handler) {
	if handler == nil {
		return
	}
	d.receivers = append(d.receivers, receiver{rule: rule, handler: handler})
}

// Len returns the number of registered receivers.
func (d *Dispatcher) Len() int {
	return len(d.receivers)
}

// Dispatch hands msg to the first receiver whose rule matches and reports
// whether one did. A message overlapping several rules is delivered once.
func (d *Dispatcher) Dispatch(msg *dbus.Message) bool {
	for _, r := range d.receivers {
		if r.rule.Matches(msg) {
			r.handler(msg)
			return true
		}
	}
	return false
}
