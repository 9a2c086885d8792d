// Package format renders devctl results as human-readable text.
package format

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/grantcarthew/devlink/internal/message"
)

// Color helper functions that respect color.NoColor flag
func colorize(c color.Attribute, s string) string {
	return color.New(c).Sprint(s)
}

func colorFprint(w io.Writer, c color.Attribute, s string) {
	color.New(c).Fprint(w, s)
}

// OutputOptions controls text formatting behavior.
type OutputOptions struct {
	UseColor bool // Enable ANSI color codes
}

// NewOutputOptions returns output options based on flags and environment.
// Priority: jsonOutput > noColorFlag > NO_COLOR env > TTY detection.
func NewOutputOptions(jsonOutput bool, noColorFlag bool) OutputOptions {
	if jsonOutput {
		return OutputOptions{UseColor: false}
	}
	if noColorFlag {
		return OutputOptions{UseColor: false}
	}
	if os.Getenv("NO_COLOR") != "" {
		return OutputOptions{UseColor: false}
	}
	return OutputOptions{
		UseColor: term.IsTerminal(int(os.Stdout.Fd())),
	}
}

// Device outputs one device line: "<prefix>[index] name".
// A display name different from the device name is shown first, with the
// device name in parentheses.
func Device(w io.Writer, prefix string, d message.Device, opts OutputOptions) {
	index := fmt.Sprintf("[%d]", d.DeviceIndex)
	if opts.UseColor {
		index = colorize(color.FgCyan, index)
	}

	name := d.DeviceName
	if d.DeviceDisplayName != "" && d.DeviceDisplayName != d.DeviceName {
		name = fmt.Sprintf("%s (%s)", d.DeviceDisplayName, d.DeviceName)
	}
	fmt.Fprintf(w, "%s%s %s\n", prefix, index, name)
}

// Devices outputs a device list, one device per line.
func Devices(w io.Writer, devices []message.Device, opts OutputOptions) error {
	if len(devices) == 0 {
		if opts.UseColor {
			colorFprint(w, color.FgYellow, "No devices\n")
		} else {
			fmt.Fprintln(w, "No devices")
		}
		return nil
	}
	for _, d := range devices {
		Device(w, "", d, opts)
	}
	return nil
}

// ServerInfo outputs the handshake result.
func ServerInfo(w io.Writer, info message.ServerInfo, deviceCount int, opts OutputOptions) error {
	label := func(s string) string {
		if opts.UseColor {
			return colorize(color.Faint, s)
		}
		return s
	}

	fmt.Fprintf(w, "%s %s\n", label("server: "), info.ServerName)
	fmt.Fprintf(w, "%s %d\n", label("version:"), info.MessageVersion)
	if info.MaxPingTime > 0 {
		fmt.Fprintf(w, "%s %dms\n", label("ping:   "), info.MaxPingTime)
	} else {
		fmt.Fprintf(w, "%s none\n", label("ping:   "))
	}
	fmt.Fprintf(w, "%s %d\n", label("devices:"), deviceCount)
	return nil
}
