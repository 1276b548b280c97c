package app

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/stretchr/testify/require"

	"github.com/rbright/busmon/internal/bus"
	"github.com/rbright/busmon/internal/bus/bustest"
	"github.com/rbright/busmon/internal/config"
)

const nmInterface = "org.freedesktop.NetworkManager"

func TestExecuteHelp(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"--help"}, &stdout, &stderr)
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "Usage:")
	require.Empty(t, stderr.String())
}

func TestExecuteVersion(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"version"}, &stdout, &stderr)
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "busmon")
	require.Empty(t, stderr.String())
}

func TestExecuteUnknownCommand(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"definitely-not-a-command"}, &stdout, &stderr)
	require.Equal(t, 2, exitCode)
	require.Contains(t, stderr.String(), "unknown command")
	require.Contains(t, stderr.String(), "Usage:")
}

func TestRunnerPreferredModeRendersSignalsInOrder(t *testing.T) {
	paths := setupRunnerEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := &bustest.Conn{
		Traffic: [][]*dbus.Message{
			{bustest.Signal(":1.7", "/org/freedesktop/NetworkManager", nmInterface, "StateChanged", "first")},
			{
				bustest.Signal(":1.7", "/org/freedesktop/NetworkManager", nmInterface, "StateChanged", "second"),
				bustest.Signal(":1.8", "/org/freedesktop/login1", "org.freedesktop.login1.Manager", "SessionNew", "ignored"),
			},
			{bustest.Signal(":1.7", "/org/freedesktop/NetworkManager", nmInterface, "PropertiesChanged", "third")},
		},
		Drained: cancel,
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr, Dial: dialFake(conn, nil)}

	exitCode := runner.Execute(ctx, []string{"--config", paths.configPath, "--color", "never"})
	require.Equal(t, 0, exitCode, stderr.String())
	require.Equal(t, "name: :1.42\n", stderr.String())

	out := stdout.String()
	require.Equal(t, 3, strings.Count(out, "signal time="))
	require.NotContains(t, out, "ignored")
	first := strings.Index(out, `string "first"`)
	second := strings.Index(out, `string "second"`)
	third := strings.Index(out, `string "third"`)
	require.True(t, first >= 0 && first < second && second < third, out)

	require.Len(t, conn.CallsTo("BecomeMonitor"), 1)
	require.Empty(t, conn.CallsTo("AddMatch"))
	require.Equal(t, []string{config.DefaultRule}, conn.Calls[0].Rules)
	require.True(t, conn.Closed)
}

func TestRunnerFallbackModeStillRendersMatches(t *testing.T) {
	paths := setupRunnerEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn := &bustest.Conn{
		BecomeMonitorErr: dbus.Error{
			Name: "org.freedesktop.DBus.Error.AccessDenied",
			Body: []interface{}{"Rejected send message"},
		},
		Traffic: [][]*dbus.Message{
			{bustest.Signal(":1.7", "/org/freedesktop/NetworkManager", nmInterface, "StateChanged", uint32(70))},
		},
		Drained: cancel,
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr, Dial: dialFake(conn, nil)}

	exitCode := runner.Execute(ctx, []string{"--config", paths.configPath})
	require.Equal(t, 0, exitCode, stderr.String())
	require.Equal(t, strings.Join([]string{
		"name: :1.42",
		"falling back to eavesdrop: Rejected send message",
		"type='signal',interface='org.freedesktop.NetworkManager',eavesdrop='true'",
		"",
	}, "\n"), stderr.String())
	require.Contains(t, stdout.String(), "   uint32 70")

	addMatch := conn.CallsTo("AddMatch")
	require.Len(t, addMatch, 1)
	require.Equal(t, []string{config.DefaultRule + ",eavesdrop='true'"}, addMatch[0].Rules)
}

func TestRunnerFallbackFailureExitsOne(t *testing.T) {
	paths := setupRunnerEnv(t)
	conn := &bustest.Conn{
		BecomeMonitorErr: errors.New("unknown method"),
		AddMatchErr:      errors.New("match rule limit reached"),
	}

	var stderr bytes.Buffer
	runner := Runner{Stdout: &bytes.Buffer{}, Stderr: &stderr, Dial: dialFake(conn, nil)}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "eavesdrop fallback failed")
	require.Contains(t, stderr.String(), "match rule limit reached")
	require.Zero(t, conn.Iterations)
}

func TestRunnerPumpErrorExitsOne(t *testing.T) {
	paths := setupRunnerEnv(t)
	conn := &bustest.Conn{DrainedErr: bus.ErrDisconnected}

	var stderr bytes.Buffer
	runner := Runner{Stdout: &bytes.Buffer{}, Stderr: &stderr, Dial: dialFake(conn, nil)}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "process bus messages: bus connection closed")
	require.True(t, conn.Closed)
}

func TestRunnerDialFailureExitsOne(t *testing.T) {
	paths := setupRunnerEnv(t)
	dial := func(context.Context, bus.Options) (Session, error) {
		return nil, errors.New("connect to system bus: no such file or directory")
	}

	var stderr bytes.Buffer
	runner := Runner{Stdout: &bytes.Buffer{}, Stderr: &stderr, Dial: dial}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "error: connect to system bus")
	require.NotContains(t, stderr.String(), "name:")
}

func TestRunnerCommandLineOverridesConfig(t *testing.T) {
	paths := setupRunnerEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, os.WriteFile(paths.configPath, []byte(`{"bus": "system", "monitor": {"queue_size": 16}}`), 0o600))

	conn := &bustest.Conn{
		Traffic: [][]*dbus.Message{{bustest.Signal(":1.3", "/org/example", "org.example.Player", "Seeked", int64(5))}},
		Drained: cancel,
	}
	var seen bus.Options

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr, Dial: dialFake(conn, &seen)}

	exitCode := runner.Execute(ctx, []string{
		"--config", paths.configPath,
		"--session", "--format", "json",
		"monitor", "type='signal',interface='org.example.Player'",
	})
	require.Equal(t, 0, exitCode, stderr.String())
	require.Equal(t, "session", seen.Address)
	require.Equal(t, 16, seen.QueueSize)
	require.Equal(t, []string{"type='signal',interface='org.example.Player'"}, conn.Calls[0].Rules)
	require.Contains(t, stdout.String(), `"member":"Seeked"`)
}

func TestRunnerEmptyRulesMonitorEverything(t *testing.T) {
	paths := setupRunnerEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, os.WriteFile(paths.configPath, []byte(`{"rules": []}`), 0o600))

	conn := &bustest.Conn{
		Traffic: [][]*dbus.Message{{
			bustest.Signal(":1.3", "/a", "a.b", "C"),
			bustest.MethodCall(":1.3", ":1.9", "/a", "a.b", "D"),
		}},
		Drained: cancel,
	}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr, Dial: dialFake(conn, nil)}

	exitCode := runner.Execute(ctx, []string{"--config", paths.configPath, "--color=never"})
	require.Equal(t, 0, exitCode, stderr.String())
	require.Contains(t, stderr.String(), "warning: "+config.WarnNoRules)
	require.Empty(t, conn.Calls[0].Rules)
	require.Contains(t, stdout.String(), "member=C")
	require.Contains(t, stdout.String(), "method call time=")
}

func TestRunnerInvalidCommandLineRuleIsUsageError(t *testing.T) {
	paths := setupRunnerEnv(t)

	var stderr bytes.Buffer
	runner := Runner{Stdout: &bytes.Buffer{}, Stderr: &stderr, Dial: dialFake(&bustest.Conn{}, nil)}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "monitor", "type='nope'"})
	require.Equal(t, 2, exitCode)
	require.Contains(t, stderr.String(), "rules[0]")
}

func TestRunnerConfigErrorExitsOne(t *testing.T) {
	paths := setupRunnerEnv(t)
	require.NoError(t, os.WriteFile(paths.configPath, []byte(`{"bogus": true}`), 0o600))

	var stderr bytes.Buffer
	runner := Runner{Stdout: &bytes.Buffer{}, Stderr: &stderr}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "parse config")
}

func TestRunnerDoctorCommandDispatchesAndPrintsReport(t *testing.T) {
	paths := setupRunnerEnv(t)
	t.Setenv("DBUS_SYSTEM_BUS_ADDRESS", "unix:path=/run/dbus/system_bus_socket")
	conn := &bustest.Conn{Node: &introspect.Node{Interfaces: []introspect.Interface{{Name: bus.MonitoringInterface}}}}

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr, Dial: dialFake(conn, nil)}

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "doctor"})
	require.Equal(t, 0, exitCode, stdout.String())
	require.Contains(t, stdout.String(), "config: loaded")
	require.Contains(t, stdout.String(), "[OK] bus.monitoring")
}

func TestRunnerReplayCommand(t *testing.T) {
	paths := setupRunnerEnv(t)
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	runner := Runner{Stdout: &bytes.Buffer{}, Stderr: &bytes.Buffer{}}
	require.Equal(t, 0, runner.Execute(context.Background(), []string{"--config", paths.configPath, "replay", empty}))

	truncated := filepath.Join(dir, "truncated.bin")
	require.NoError(t, os.WriteFile(truncated, []byte{'l', 4, 0, 1, 0, 0, 0, 0, 1, 0}, 0o600))
	var stderr bytes.Buffer
	runner = Runner{Stdout: &bytes.Buffer{}, Stderr: &stderr}
	require.Equal(t, 1, runner.Execute(context.Background(), []string{"--config", paths.configPath, "replay", truncated}))
	require.Contains(t, stderr.String(), "decode message 1")

	stderr.Reset()
	require.Equal(t, 1, runner.Execute(context.Background(), []string{"--config", paths.configPath, "replay", filepath.Join(dir, "missing.bin")}))
	require.Contains(t, stderr.String(), "error:")
}

func TestMergeWarningsDropsStaleRuleWarning(t *testing.T) {
	loaded := []config.Warning{{Message: "config file missing"}, {Message: config.WarnNoRules}}
	require.Equal(t, []config.Warning{{Message: "config file missing"}}, mergeWarnings(loaded, nil))

	merged := mergeWarnings(loaded, []config.Warning{{Message: config.WarnNoRules}})
	require.Len(t, merged, 2)
}

func dialFake(conn *bustest.Conn, seen *bus.Options) DialFunc {
	return func(_ context.Context, opts bus.Options) (Session, error) {
		if seen != nil {
			*seen = opts
		}
		return conn, nil
	}
}

type runnerPaths struct {
	configPath string
}

func setupRunnerEnv(t *testing.T) runnerPaths {
	t.Helper()

	t.Setenv("XDG_STATE_HOME", t.TempDir())

	configPath := filepath.Join(t.TempDir(), "config.jsonc")
	require.NoError(t, os.WriteFile(configPath, []byte("\n"), 0o600))

	return runnerPaths{configPath: configPath}
}
