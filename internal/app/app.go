// Package app wires command parsing, configuration, and the bus monitor
// into exit-code semantics.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/rbright/busmon/internal/bus"
	"github.com/rbright/busmon/internal/cli"
	"github.com/rbright/busmon/internal/config"
	"github.com/rbright/busmon/internal/doctor"
	"github.com/rbright/busmon/internal/logging"
	"github.com/rbright/busmon/internal/match"
	"github.com/rbright/busmon/internal/monitor"
	"github.com/rbright/busmon/internal/render"
	"github.com/rbright/busmon/internal/version"
)

// Session is the connection surface the monitor command drives.
type Session interface {
	monitor.Connection
	monitor.Pump
	UniqueName() string
	Introspect(ctx context.Context) (*introspect.Node, error)
	Close() error
}

// DialFunc opens the process's single bus connection.
type DialFunc func(ctx context.Context, opts bus.Options) (Session, error)

type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger
	// Dial defaults to bus.Dial.
	Dial DialFunc
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("busmon"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("busmon"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	logRuntime, err := logging.New()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
		return 1
	}
	defer func() { _ = logRuntime.Close() }()

	logger := r.Logger
	if logger == nil {
		logger = logRuntime.Logger
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("load config failed", "error", err.Error())
		return 1
	}

	applyOverrides(&cfgLoaded.Config, parsed)
	warnings, err := config.Validate(cfgLoaded.Config)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("invalid command-line override", "error", err.Error())
		return 2
	}
	cfgLoaded.Warnings = mergeWarnings(cfgLoaded.Warnings, warnings)
	if level, err := config.ParseLevel(cfgLoaded.Config.Log.Level); err == nil {
		logRuntime.Level.Set(level)
	}

	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
		"bus", cfgLoaded.Config.Bus,
		"log", logRuntime.Path,
	)

	switch parsed.Command {
	case cli.CommandDoctor:
		report := doctor.Run(ctx, cfgLoaded, r.doctorDial())
		fmt.Fprintln(r.Stdout, report.String())
		if report.OK() {
			return 0
		}
		return 1
	case cli.CommandReplay:
		return r.commandReplay(parsed.ReplayFile, cfgLoaded.Config, logger)
	case cli.CommandMonitor:
		return r.commandMonitor(ctx, cfgLoaded.Config, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

// applyOverrides layers command-line values over file and environment
// config.
func applyOverrides(cfg *config.Config, parsed cli.Parsed) {
	if len(parsed.Rules) > 0 {
		cfg.Rules = append([]string(nil), parsed.Rules...)
	}
	o := parsed.Overrides
	if o.Bus != nil {
		cfg.Bus = *o.Bus
	}
	if o.Format != nil {
		cfg.Output.Format = *o.Format
	}
	if o.Compress != nil {
		cfg.Output.Compress = *o.Compress
	}
	if o.Color != nil {
		cfg.Output.Color = *o.Color
	}
	if o.MaxBytes != nil {
		cfg.Output.MaxBytes = *o.MaxBytes
	}
}

// mergeWarnings replaces load-time validation warnings with those of the
// final config, keeping file-level warnings such as a missing config file.
func mergeWarnings(loaded, validated []config.Warning) []config.Warning {
	seen := make(map[string]struct{}, len(loaded))
	out := make([]config.Warning, 0, len(loaded)+len(validated))
	for _, w := range loaded {
		if w.Message == config.WarnNoRules {
			continue
		}
		seen[w.Message] = struct{}{}
		out = append(out, w)
	}
	for _, w := range validated {
		if _, ok := seen[w.Message]; ok {
			continue
		}
		out = append(out, w)
	}
	return out
}

func (r Runner) dial() DialFunc {
	if r.Dial != nil {
		return r.Dial
	}
	return func(ctx context.Context, opts bus.Options) (Session, error) {
		conn, err := bus.Dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func (r Runner) doctorDial() doctor.DialFunc {
	dial := r.dial()
	return func(ctx context.Context, opts bus.Options) (doctor.Probe, error) {
		conn, err := dial(ctx, opts)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func renderOptions(cfg config.Config, logger *slog.Logger) render.Options {
	return render.Options{
		Format:   cfg.Output.Format,
		Compress: cfg.Output.Compress,
		Color:    cfg.Output.Color,
		MaxBytes: cfg.Output.MaxBytes,
		MaxItems: cfg.Output.MaxItems,
		Logger:   logger,
	}
}

func (r Runner) commandMonitor(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	rules, err := cfg.MatchRules()
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 2
	}

	renderer, err := render.New(r.Stdout, renderOptions(cfg, logger))
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 2
	}
	defer func() {
		if err := renderer.Close(); err != nil {
			logger.Warn("close renderer failed", "error", err.Error())
		}
	}()

	conn, err := r.dial()(ctx, bus.Options{
		Address:   cfg.Bus,
		QueueSize: cfg.Monitor.QueueSize,
		Logger:    logger,
	})
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		logger.Error("connect failed", "bus", cfg.Bus, "error", err.Error())
		return 1
	}
	defer func() { _ = conn.Close() }()

	fmt.Fprintf(r.Stderr, "name: %s\n", conn.UniqueName())

	var rendered int
	handler := func(msg *dbus.Message) {
		rendered++
		logger.Debug("message", "kind", string(match.KindOf(msg.Type)), "serial", msg.Serial())
		renderer.Render(msg)
	}

	negotiator := monitor.Negotiator{
		Conn:    conn,
		Timeout: cfg.Monitor.BecomeMonitorTimeout(),
		Notices: r.Stderr,
		Logger:  logger,
	}
	outcome, err := negotiator.Negotiate(ctx, rules, handler)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	started := time.Now()
	loop := monitor.Loop{Conn: conn, Interval: cfg.Monitor.PumpInterval(), Logger: logger}
	runErr := loop.Run(ctx)

	fields := []any{
		"mode", outcome.Mode.String(),
		"messages", rendered,
		"duration_ms", time.Since(started).Milliseconds(),
	}
	if runErr != nil {
		logger.Error("monitor session failed", append(fields, "error", runErr.Error())...)
		fmt.Fprintf(r.Stderr, "error: %v\n", runErr)
		return 1
	}
	logger.Info("monitor session complete", fields...)
	return 0
}

func (r Runner) commandReplay(path string, cfg config.Config, logger *slog.Logger) int {
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}
	defer f.Close()

	opts := renderOptions(cfg, logger)
	// Replaying into another capture would only copy the file.
	if opts.Format == render.FormatBinary {
		opts.Format = render.FormatText
		opts.Compress = render.CompressNone
	}
	renderer, err := render.New(r.Stdout, opts)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 2
	}
	defer func() { _ = renderer.Close() }()

	count, err := render.Replay(f, renderer)
	size := "unknown size"
	if info, statErr := f.Stat(); statErr == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}
	if err != nil {
		logger.Error("replay failed", "file", path, "messages", count, "error", err.Error())
		fmt.Fprintf(r.Stderr, "error: replay %s: %v\n", path, err)
		return 1
	}
	logger.Info("replay complete", "file", path, "messages", count, "size", size)
	return 0
}

var _ Session = (*bus.Conn)(nil)
