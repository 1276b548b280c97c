package config

import (
	"github.com/rbright/busmon/internal/bus"
	"github.com/rbright/busmon/internal/render"
)

// DefaultRule watches NetworkManager signals on the system bus.
const DefaultRule = "type='signal',interface='org.freedesktop.NetworkManager'"

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return Config{
		Bus:   "system",
		Rules: []string{DefaultRule},
		Monitor: MonitorConfig{
			BecomeMonitorTimeoutMS: 5000,
			PumpIntervalMS:         1000,
			QueueSize:              bus.DefaultQueueSize,
		},
		Output: OutputConfig{
			Format:   render.FormatText,
			Compress: render.CompressNone,
			Color:    render.ColorAuto,
			MaxBytes: render.DefaultMaxBytes,
			MaxItems: render.DefaultMaxItems,
		},
		Log: LogConfig{Level: "info"},
	}
}
