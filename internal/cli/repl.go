package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/grantcarthew/devlink/internal/cli/format"
	"github.com/grantcarthew/devlink/internal/message"
	"github.com/grantcarthew/devlink/internal/transport"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Start an interactive session",
	Long:  "Keeps one connection open and reads commands interactively. Device events are printed as they arrive.",
	Args:  cobra.NoArgs,
	RunE:  runRepl,
}

func init() {
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	if activeSession != nil {
		return outputError("already in an interactive session")
	}

	ctx := commandContext(cmd)
	s, err := sessionFactory.NewSession(ctx)
	if err != nil {
		return outputError(err.Error())
	}
	defer s.Disconnect(context.Background())

	activeSession = s
	defer func() { activeSession = nil }()

	r := NewREPL(s, func(args []string) (bool, error) {
		return ExecuteArgs(ctx, args)
	}, os.Stdout)
	defer r.Close()

	return r.Run(ctx)
}

// CommandExecutor runs a devctl command line. It reports false for unknown commands.
type CommandExecutor func(args []string) (recognized bool, err error)

// REPL provides an interactive command interface over one session.
type REPL struct {
	session Session
	cmdExec CommandExecutor
	out     io.Writer
	liner   *liner.State
	history []string
	done    bool
	lost    atomic.Bool
	unsubs  []func()
}

// NewREPL creates a REPL over session. Device and connection events are
// written to out as they arrive.
func NewREPL(session Session, cmdExec CommandExecutor, out io.Writer) *REPL {
	r := &REPL{
		session: session,
		cmdExec: cmdExec,
		out:     out,
	}
	r.unsubs = append(r.unsubs,
		session.OnDeviceAdded(func(d message.Device) { format.Device(r.out, "+ ", d, textOptions()) }),
		session.OnDeviceRemoved(func(d message.Device) { format.Device(r.out, "- ", d, textOptions()) }),
		session.OnScanningFinished(func() { fmt.Fprintln(r.out, "Scanning finished") }),
		session.OnDisconnect(func(e transport.CloseEvent) {
			r.lost.Store(true)
			fmt.Fprintf(r.out, "Connection closed (%s)\n", e.Reason)
		}),
	)
	return r
}

// Close removes the REPL's event subscriptions.
func (r *REPL) Close() {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
}

// Run starts the REPL loop. Blocks until exit command, EOF or connection loss.
func (r *REPL) Run(ctx context.Context) error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)

	for !r.done {
		if r.lost.Load() {
			return outputError("connection lost")
		}

		line, err := r.liner.Prompt(r.prompt())
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)
		r.history = append(r.history, line)

		if r.handleSpecialCommand(ctx, line) {
			continue
		}

		r.executeCommand(line)
	}
	return nil
}

// prompt generates the REPL prompt with server context.
func (r *REPL) prompt() string {
	info, ok := r.session.ServerInfo()
	if !ok || info.ServerName == "" {
		return "devctl> "
	}

	name := info.ServerName
	if len(name) > 30 {
		name = name[:27] + "..."
	}

	if n := len(r.session.Devices()); n > 0 {
		return fmt.Sprintf("devctl [%s](%d)> ", name, n)
	}
	return fmt.Sprintf("devctl [%s]> ", name)
}

// replCommands lists REPL-specific commands for abbreviation matching.
var replCommands = []string{"exit", "quit", "help", "history", "scan", "stop-scan"}

// devctlCommands lists devctl commands available in the REPL.
var devctlCommands = []string{"info", "devices", "stop", "ping"}

// expandAbbreviation expands a command prefix to a full command name.
// An exact match always wins. Returns the expanded command and true if
// exactly one match is found.
func expandAbbreviation(prefix string, commands []string) (string, bool) {
	prefix = strings.ToLower(prefix)
	if slices.Contains(commands, prefix) {
		return prefix, true
	}

	var matches []string
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, prefix) {
			matches = append(matches, cmd)
		}
	}
	if len(matches) == 1 {
		return matches[0], true
	}
	return "", false
}

// allCommands is the set abbreviations are matched against.
var allCommands = slices.Concat(replCommands, devctlCommands)

// handleSpecialCommand handles REPL-specific commands.
// Returns true if the command was handled, false otherwise.
func (r *REPL) handleSpecialCommand(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])

	if expanded, ok := expandAbbreviation(cmd, allCommands); ok {
		cmd = expanded
	}

	switch cmd {
	case "exit", "quit":
		r.done = true
		return true

	case "help", "?":
		r.printHelp()
		return true

	case "history":
		r.printHistory()
		return true

	case "scan":
		// Scanning continues in the background; found devices are printed
		// by the OnDeviceAdded subscription.
		if err := r.session.StartScanning(ctx); err != nil {
			outputError(err.Error())
			return true
		}
		fmt.Fprintln(r.out, "Scanning...")
		return true

	case "stop-scan":
		if err := r.session.StopScanning(ctx); err != nil {
			outputError(err.Error())
			return true
		}
		fmt.Fprintln(r.out, "Scanning stopped")
		return true
	}

	return false
}

// executeCommand parses and executes a devctl command.
func (r *REPL) executeCommand(line string) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return
	}

	if expanded, ok := expandAbbreviation(args[0], allCommands); ok {
		args[0] = expanded
	}

	recognized, err := r.cmdExec(args)
	if !recognized {
		outputError(fmt.Sprintf("unknown command: %s", args[0]))
		return
	}
	// Commands print their own errors; Cobra flag parsing errors are not printed
	if err != nil && !IsPrintedError(err) {
		outputError(err.Error())
	}
}

// printHelp displays available commands.
func (r *REPL) printHelp() {
	help := `
Commands (unique prefixes accepted: i=info, d=devices, p=ping):
  info                Show server information
  devices             List known devices
  stop [index]        Stop one device, or all devices without an index
  ping                Measure a ping round trip
  scan                Start scanning; devices are printed as they are found
  stop-scan           Stop scanning

REPL (unique prefixes accepted: he=help, hi=history, e=exit, q=quit):
  help, ?     Show this help
  history     Show command history
  exit, quit  Disconnect and exit
`
	fmt.Fprintln(r.out, help)
}

// printHistory displays command history.
func (r *REPL) printHistory() {
	for i, cmd := range r.history {
		fmt.Fprintf(r.out, "  %d  %s\n", i+1, cmd)
	}
}
