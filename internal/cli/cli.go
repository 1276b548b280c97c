// Package cli parses busmon command-line arguments.
package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/pflag"
)

type Command string

const (
	CommandMonitor Command = "monitor"
	CommandReplay  Command = "replay"
	CommandDoctor  Command = "doctor"
	CommandVersion Command = "version"
	CommandHelp    Command = "help"
)

var validCommands = map[Command]struct{}{
	CommandMonitor: {},
	CommandReplay:  {},
	CommandDoctor:  {},
	CommandVersion: {},
	CommandHelp:    {},
}

// Overrides holds flag values that take precedence over config and
// environment. Nil fields were not given on the command line.
type Overrides struct {
	Bus      *string
	Format   *string
	Compress *string
	Color    *string
	MaxBytes *int
}

type Parsed struct {
	Command    Command
	ConfigPath string
	ShowHelp   bool
	Overrides  Overrides
	// Rules replace configured rules when non-empty.
	Rules      []string
	ReplayFile string
}

func Parse(args []string) (Parsed, error) {
	var (
		configPath  string
		system      bool
		session     bool
		address     string
		format      string
		compress    string
		color       string
		maxBytes    int
		help        bool
		showVersion bool
	)

	fs := pflag.NewFlagSet("busmon", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.Usage = func() {}
	fs.StringVar(&configPath, "config", "", "config file path")
	fs.BoolVar(&system, "system", false, "monitor the system bus")
	fs.BoolVar(&session, "session", false, "monitor the session bus")
	fs.StringVar(&address, "address", "", "monitor the bus at this address")
	fs.StringVar(&format, "format", "", "output format")
	fs.StringVar(&compress, "compress", "", "binary capture compression")
	fs.StringVar(&color, "color", "", "colorize text output")
	fs.IntVar(&maxBytes, "max-bytes", 0, "per-value payload limit")
	fs.BoolVarP(&help, "help", "h", false, "show help")
	fs.BoolVar(&showVersion, "version", false, "show version")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return Parsed{Command: CommandHelp, ShowHelp: true}, nil
		}
		return Parsed{}, err
	}

	if help {
		return Parsed{Command: CommandHelp, ShowHelp: true, ConfigPath: configPath}, nil
	}
	if showVersion {
		return Parsed{Command: CommandVersion, ConfigPath: configPath}, nil
	}

	parsed := Parsed{Command: CommandMonitor, ConfigPath: configPath}

	busFlags := 0
	for _, set := range []bool{system, session, fs.Changed("address")} {
		if set {
			busFlags++
		}
	}
	if busFlags > 1 {
		return Parsed{}, errors.New("--system, --session, and --address are mutually exclusive")
	}
	switch {
	case system:
		parsed.Overrides.Bus = stringPtr("system")
	case session:
		parsed.Overrides.Bus = stringPtr("session")
	case fs.Changed("address"):
		if strings.TrimSpace(address) == "" {
			return Parsed{}, errors.New("--address requires a bus address")
		}
		parsed.Overrides.Bus = stringPtr(address)
	}

	if fs.Changed("format") {
		parsed.Overrides.Format = stringPtr(strings.ToLower(strings.TrimSpace(format)))
	}
	if fs.Changed("compress") {
		parsed.Overrides.Compress = stringPtr(strings.ToLower(strings.TrimSpace(compress)))
	}
	if fs.Changed("color") {
		parsed.Overrides.Color = stringPtr(strings.ToLower(strings.TrimSpace(color)))
	}
	if fs.Changed("max-bytes") {
		if maxBytes < 0 {
			return Parsed{}, errors.New("--max-bytes must be >= 0")
		}
		parsed.Overrides.MaxBytes = &maxBytes
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return parsed, nil
	}

	// A match rule always carries key='value'; anything else is a command.
	if strings.Contains(rest[0], "=") {
		parsed.Rules = rest
		return parsed, nil
	}

	cmd := Command(rest[0])
	if _, ok := validCommands[cmd]; !ok {
		return Parsed{}, fmt.Errorf("unknown command: %s", rest[0])
	}
	parsed.Command = cmd
	rest = rest[1:]

	switch cmd {
	case CommandMonitor:
		parsed.Rules = rest
	case CommandReplay:
		if len(rest) != 1 {
			return Parsed{}, errors.New("replay requires exactly one capture file")
		}
		parsed.ReplayFile = rest[0]
	default:
		if len(rest) > 0 {
			return Parsed{}, fmt.Errorf("unexpected arguments after command %q", string(cmd))
		}
		parsed.ShowHelp = cmd == CommandHelp
	}

	return parsed, nil
}

func stringPtr(s string) *string { return &s }

func HelpText(binaryName string) string {
	return fmt.Sprintf(`Usage:
  %[1]s [flags] [command] [RULE...]

Commands:
  monitor [RULE...]   Print bus traffic matching RULEs (default)
  replay FILE         Render a binary capture written with --format binary
  doctor              Run configuration and bus readiness checks
  version             Print version information
  help                Show this help

Rules use D-Bus match syntax, for example:
  %[1]s "type='signal',interface='org.freedesktop.NetworkManager'"

Flags:
  --config PATH        Config file path (default: $XDG_CONFIG_HOME/busmon/config.jsonc)
  --system             Monitor the system bus (default)
  --session            Monitor the session bus
  --address ADDR       Monitor the bus at ADDR
  --format FORMAT      text, json, or binary
  --compress MODE      none or zstd (binary only)
  --color MODE         auto, always, or never
  --max-bytes N        Per-value payload limit; 0 disables

Messages are buffered in a queue of monitor.queue_size entries. If output
falls behind and the queue fills, further messages are dropped and a
warning is written to the log.
  -h, --help           Show help
  --version            Show version
`, binaryName)
}
