package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

// Version is set at build time.
var Version = "dev"

// Debug enables verbose debug output.
var Debug bool

// JSONOutput enables JSON output format (default is text).
var JSONOutput bool

// NoColor disables color output.
var NoColor bool

// Connection and logging settings. Flags override the config file.
var (
	Address      string
	ConfigPath   string
	ClientName   string
	LogLevel     string
	ConsoleLevel string
	LogJSON      bool
)

var rootCmd = &cobra.Command{
	Use:           "devctl",
	Short:         "Device-control protocol client",
	Long:          "devctl connects to a device-control server over WebSocket to list, scan for and stop devices.",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&Address, "address", "", "Server address (ws:// or wss://)")
	flags.StringVar(&ConfigPath, "config", "", "Path to a YAML config file")
	flags.StringVar(&ClientName, "name", "", "Client name announced to the server")
	flags.StringVar(&LogLevel, "log-level", "", "Most verbose level delivered to log subscribers (off, fatal, error, warn, info, debug, trace)")
	flags.StringVar(&ConsoleLevel, "console-level", "", "Most verbose level printed to the console")
	flags.BoolVar(&LogJSON, "log-json", false, "Write log records as JSON lines")
	flags.BoolVar(&Debug, "debug", false, "Enable verbose debug output")
	flags.BoolVar(&JSONOutput, "json", false, "Output in JSON format (default is text)")
	flags.BoolVar(&NoColor, "no-color", false, "Disable color output")
	rootCmd.SetVersionTemplate(`devctl version {{.Version}}
Repository: https://github.com/grantcarthew/devlink
`)
}

// debugf logs a debug message if debug mode is enabled.
func debugf(format string, args ...any) {
	if Debug {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", args...)
	}
}

// Execute runs the root command. Interrupts cancel the command context.
// Supports command abbreviation via unique prefix matching.
func Execute() error {
	args := os.Args[1:]
	if len(args) > 0 {
		if expanded := tryExpandCommand(args[0]); expanded != "" {
			args[0] = expanded
			rootCmd.SetArgs(args)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

// tryExpandCommand attempts to expand a command abbreviation.
// Returns the expanded command if exactly one match is found, empty string otherwise.
func tryExpandCommand(prefix string) string {
	var matches []string
	for _, cmd := range rootCmd.Commands() {
		name := cmd.Name()
		if name == prefix {
			return ""
		}
		if len(prefix) < len(name) && name[:len(prefix)] == prefix {
			matches = append(matches, name)
		}
	}

	if len(matches) == 1 {
		return matches[0]
	}
	return ""
}

// ExecuteArgs runs a command with the given arguments.
// Used by the REPL to execute commands parsed from user input.
// Returns true if the command was recognized (even if it failed), false if unknown.
func ExecuteArgs(ctx context.Context, args []string) (recognized bool, err error) {
	if len(args) == 0 {
		return false, nil
	}

	cmd, _, findErr := rootCmd.Find(args)
	if findErr != nil || cmd == rootCmd {
		return false, nil
	}

	// Output settings chosen when the REPL started carry over to every command.
	debug, jsonOut, noColor := Debug, JSONOutput, NoColor

	rootCmd.SetArgs(args)
	err = rootCmd.ExecuteContext(ctx)

	// Reset flags after execution so the next call starts fresh.
	resetFlags := func(flags *pflag.FlagSet) {
		flags.VisitAll(func(f *pflag.Flag) {
			_ = f.Value.Set(f.DefValue)
			f.Changed = false
		})
	}
	resetFlags(cmd.Flags())
	resetFlags(cmd.PersistentFlags())
	for parent := cmd.Parent(); parent != nil; parent = parent.Parent() {
		resetFlags(parent.PersistentFlags())
	}

	Debug, JSONOutput, NoColor = debug, jsonOut, noColor

	return true, err
}

// commandContext returns the command's context, or Background outside Cobra.
func commandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// printedError marks errors that have already been written to stderr.
type printedError struct {
	msg string
}

func (e *printedError) Error() string { return e.msg }

// IsPrintedError reports whether err was already shown to the user.
func IsPrintedError(err error) bool {
	var p *printedError
	return errors.As(err, &p)
}

// isStdoutTTY returns true if stdout is a terminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// outputJSON writes a JSON response to the given writer.
// Pretty prints if stdout is a TTY, compact otherwise.
func outputJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	if isStdoutTTY() {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(data)
}

// outputSuccess writes a successful response to stdout.
// Uses text format by default, JSON if --json flag is set.
// For action commands (no data), outputs "OK" in text mode.
func outputSuccess(data any) error {
	if JSONOutput {
		resp := map[string]any{
			"ok": true,
		}
		if data != nil {
			resp["data"] = data
		}
		return outputJSON(os.Stdout, resp)
	}

	if data == nil {
		if shouldUseColor() {
			color.New(color.FgGreen).Fprintln(os.Stdout, "OK")
		} else {
			fmt.Fprintln(os.Stdout, "OK")
		}
		return nil
	}

	// Commands with data use their own text formatters
	_, err := fmt.Fprintf(os.Stdout, "%v\n", data)
	return err
}

// outputError writes an error response to stderr and returns an error.
// Uses text format by default, JSON if --json flag is set.
func outputError(msg string) error {
	if JSONOutput {
		resp := map[string]any{
			"ok":    false,
			"error": msg,
		}
		outputJSON(os.Stderr, resp)
	} else {
		if shouldUseColor() {
			color.New(color.FgRed).Fprint(os.Stderr, "Error:")
			fmt.Fprintf(os.Stderr, " %s\n", msg)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
		}
	}
	return &printedError{msg: msg}
}

// shouldUseColor determines if color output should be used based on flags and environment.
func shouldUseColor() bool {
	if JSONOutput {
		return false
	}
	if NoColor {
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
