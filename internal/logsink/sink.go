// Package logsink provides a leveled log event source with independent
// thresholds for console output and subscribers.
package logsink

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/grantcarthew/devlink/internal/event"
	"github.com/grantcarthew/devlink/internal/message"
)

// DefaultTimeFormat is the timestamp layout used for records.
const DefaultTimeFormat = "2006-01-02 15:04:05.000"

// Record is a single accepted log call.
type Record struct {
	Timestamp string
	Level     Severity
	Text      string
}

// String formats the record as a console line, without a trailing newline.
func (r Record) String() string {
	return fmt.Sprintf("%s : %s : %s", r.Level, r.Timestamp, r.Text)
}

// Sink filters log calls and forwards accepted ones. It keeps no history.
type Sink struct {
	mu             sync.RWMutex
	maxLevel       Severity
	maxConsole     Severity
	consoleEnabled bool

	writeMu    sync.Mutex
	out        io.Writer
	colorize   bool
	now        func() time.Time
	timeFormat string

	records event.Emitter[Record]
}

// Option configures a Sink.
type Option func(*Sink)

// WithMaximumLevel sets the subscriber threshold.
func WithMaximumLevel(level Severity) Option {
	return func(s *Sink) { s.maxLevel = level }
}

// WithMaximumConsoleLevel sets the console threshold.
func WithMaximumConsoleLevel(level Severity) Option {
	return func(s *Sink) { s.maxConsole = level }
}

// WithConsole enables or disables console output.
func WithConsole(enabled bool) Option {
	return func(s *Sink) { s.consoleEnabled = enabled }
}

// WithWriter sets the console destination. Colours are only used when w is a terminal.
func WithWriter(w io.Writer) Option {
	return func(s *Sink) { s.out = w }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// WithTimeFormat overrides the timestamp layout.
func WithTimeFormat(layout string) Option {
	return func(s *Sink) { s.timeFormat = layout }
}

// New creates a sink. Both thresholds default to Off and the console is disabled.
func New(opts ...Option) *Sink {
	s := &Sink{
		maxLevel:   Off,
		maxConsole: Off,
		out:        os.Stderr,
		now:        time.Now,
		timeFormat: DefaultTimeFormat,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.colorize = isTerminal(s.out) && os.Getenv("NO_COLOR") == ""
	return s
}

// Discard returns a sink that admits nothing.
func Discard() *Sink {
	return New(WithWriter(io.Discard))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// SetMaximumLevel sets the most verbose level delivered to subscribers.
func (s *Sink) SetMaximumLevel(level Severity) {
	s.mu.Lock()
	s.maxLevel = level
	s.mu.Unlock()
}

// SetMaximumConsoleLevel sets the most verbose level printed to the console.
func (s *Sink) SetMaximumConsoleLevel(level Severity) {
	s.mu.Lock()
	s.maxConsole = level
	s.mu.Unlock()
}

// SetConsoleEnabled turns console output on or off.
func (s *Sink) SetConsoleEnabled(enabled bool) {
	s.mu.Lock()
	s.consoleEnabled = enabled
	s.mu.Unlock()
}

// MaximumLevel returns the subscriber threshold.
func (s *Sink) MaximumLevel() Severity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxLevel
}

// MaximumConsoleLevel returns the console threshold.
func (s *Sink) MaximumConsoleLevel() Severity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxConsole
}

// Subscribe registers fn for every record admitted by the subscriber threshold.
//
// Subscribers run synchronously on the goroutine calling Log, one record at a
// time and in Log order. If another goroutine is already delivering a record,
// Log queues its record and returns; the delivering goroutine hands it to the
// subscribers once the current record is done.
func (s *Sink) Subscribe(fn func(Record)) (unsubscribe func()) {
	return s.records.Subscribe(fn)
}

// Log filters and forwards text at level.
func (s *Sink) Log(text string, level Severity) {
	s.mu.RLock()
	toEvents := s.maxLevel.admits(level) && s.records.Len() > 0
	toConsole := s.maxConsole.admits(level)
	consoleEnabled := s.consoleEnabled
	s.mu.RUnlock()

	if !toEvents && !toConsole {
		return
	}

	rec := Record{
		Timestamp: s.now().Format(s.timeFormat),
		Level:     level,
		Text:      text,
	}

	if consoleEnabled && toConsole {
		s.print(rec)
	}
	if toEvents {
		s.records.Emit(rec)
	}
}

func (s *Sink) print(rec Record) {
	name := rec.Level.String()
	if s.colorize {
		name = levelColor(rec.Level).Sprint(name)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	fmt.Fprintf(s.out, "%s : %s : %s\n", name, rec.Timestamp, rec.Text)
}

func levelColor(level Severity) *color.Color {
	switch level {
	case Fatal, Error:
		return color.New(color.FgRed, color.Bold)
	case Warn:
		return color.New(color.FgYellow)
	case Info:
		return color.New(color.FgGreen)
	default:
		return color.New(color.FgHiBlack)
	}
}

// Fatal logs at Fatal. It does not exit.
func (s *Sink) Fatal(text string) { s.Log(text, Fatal) }

// Error logs at Error.
func (s *Sink) Error(text string) { s.Log(text, Error) }

// Warn logs at Warn.
func (s *Sink) Warn(text string) { s.Log(text, Warn) }

// Info logs at Info.
func (s *Sink) Info(text string) { s.Log(text, Info) }

// Debug logs at Debug.
func (s *Sink) Debug(text string) { s.Log(text, Debug) }

// Trace logs at Trace.
func (s *Sink) Trace(text string) { s.Log(text, Trace) }

// Errorf logs a formatted message at Error.
func (s *Sink) Errorf(format string, args ...any) { s.logf(Error, format, args...) }

// Warnf logs a formatted message at Warn.
func (s *Sink) Warnf(format string, args ...any) { s.logf(Warn, format, args...) }

// Infof logs a formatted message at Info.
func (s *Sink) Infof(format string, args ...any) { s.logf(Info, format, args...) }

// Debugf logs a formatted message at Debug.
func (s *Sink) Debugf(format string, args ...any) { s.logf(Debug, format, args...) }

// Tracef logs a formatted message at Trace.
func (s *Sink) Tracef(format string, args ...any) { s.logf(Trace, format, args...) }

// logf skips formatting when no channel would accept the message.
func (s *Sink) logf(level Severity, format string, args ...any) {
	if !s.Enabled(level) {
		return
	}
	s.Log(fmt.Sprintf(format, args...), level)
}

// Enabled reports whether a call at level would be accepted by either channel.
func (s *Sink) Enabled(level Severity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxLevel.admits(level) || s.maxConsole.admits(level)
}

// LogAndFail logs text at Error and returns an Error message carrying it,
// for the caller to hand on to its own consumer.
func (s *Sink) LogAndFail(text string, class message.ErrorClass, id uint32) *message.Error {
	s.Error(text)
	return message.NewError(text, class, id)
}
