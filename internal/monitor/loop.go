package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultPumpInterval bounds how long one Process call may block.
const DefaultPumpInterval = time.Second

// Pump runs one iteration of connection event processing.
type Pump interface {
	Process(timeout time.Duration) error
}

// Loop repeatedly pumps the connection. Handlers run inside Process on the
// loop goroutine.
type Loop struct {
	Conn     Pump
	Interval time.Duration
	Logger   *slog.Logger
}

// Run pumps until a Process call fails or ctx ends. A Process error is
// fatal and returned; cancellation returns nil.
func (l Loop) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultPumpInterval
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	for iterations := 0; ; iterations++ {
		if ctx.Err() != nil {
			logger.Info("dispatch loop stopped", "iterations", iterations)
			return nil
		}
		if err := l.Conn.Process(interval); err != nil {
			// The transport closes with the context; that is a shutdown.
			if ctx.Err() != nil {
				logger.Info("dispatch loop stopped", "iterations", iterations)
				return nil
			}
			logger.Error("dispatch loop failed", "iterations", iterations, "error", err.Error())
			return fmt.Errorf("process bus messages: %w", err)
		}
	}
}
