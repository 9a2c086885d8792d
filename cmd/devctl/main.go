package main

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/grantcarthew/devlink/internal/cli"
)

var (
	argCountRe   = regexp.MustCompile(`accepts at most (\d+) arg\(s\), received (\d+)`)
	unknownCmdRe = regexp.MustCompile(`unknown command "([^"]+)" for "devctl"`)
)

// formatCobraError converts verbose Cobra errors to user-friendly messages.
func formatCobraError(err error) string {
	msg := err.Error()

	if m := argCountRe.FindStringSubmatch(msg); len(m) > 2 {
		return fmt.Sprintf("too many arguments: expected at most %s, got %s", m[1], m[2])
	}

	if m := unknownCmdRe.FindStringSubmatch(msg); len(m) > 1 {
		return fmt.Sprintf("unknown command %q (run 'devctl --help' for usage)", m[1])
	}

	return strings.TrimSpace(msg)
}

func main() {
	if err := cli.Execute(); err != nil {
		// Print error if not already printed by command handler
		if !cli.IsPrintedError(err) {
			msg := formatCobraError(err)
			if cli.JSONOutput {
				resp := map[string]any{
					"ok":    false,
					"error": msg,
				}
				_ = json.NewEncoder(os.Stderr).Encode(resp)
			} else {
				fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
			}
		}
		os.Exit(1)
	}
}
