package logsink

import (
	"fmt"
	"strings"
)

// Severity is an ordered log level. Lower values are more suppressive.
type Severity int

const (
	// Off admits nothing when used as a maximum.
	Off Severity = iota
	Fatal
	Error
	Warn
	Info
	Debug
	Trace
)

var severityNames = [...]string{"Off", "Fatal", "Error", "Warn", "Info", "Debug", "Trace"}

// String returns the severity name as printed on the console.
func (s Severity) String() string {
	if s < Off || s > Trace {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// admits reports whether a message at level passes a channel whose maximum is s.
func (s Severity) admits(level Severity) bool {
	return s != Off && level != Off && level <= s
}

// ParseSeverity converts a case-insensitive severity name.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if strings.EqualFold(n, name) {
			return Severity(i), nil
		}
	}
	return Off, fmt.Errorf("unknown severity %q (valid: %s)", name, strings.Join(severityNames[:], ", "))
}

// UnmarshalText lets severities be read from config files.
func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarshalText renders the severity name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
