package logsink

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/grantcarthew/devlink/internal/message"
)

var fixedTime = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

// newTestSink returns a sink writing to a buffer with a fixed clock.
func newTestSink(opts ...Option) (*Sink, *bytes.Buffer) {
	var buf bytes.Buffer
	base := []Option{
		WithWriter(&buf),
		WithClock(func() time.Time { return fixedTime }),
	}
	return New(append(base, opts...)...), &buf
}

// collect subscribes to s and returns a pointer to the received records.
func collect(s *Sink) *[]Record {
	var got []Record
	s.Subscribe(func(r Record) { got = append(got, r) })
	return &got
}

func TestSeverity_Order(t *testing.T) {
	t.Parallel()

	order := []Severity{Off, Fatal, Error, Warn, Info, Debug, Trace}
	for i := 1; i < len(order); i++ {
		if order[i-1] >= order[i] {
			t.Errorf("expected %s < %s", order[i-1], order[i])
		}
	}
}

func TestParseSeverity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Severity
		wantErr bool
	}{
		{"warn", Warn, false},
		{"TRACE", Trace, false},
		{"Off", Off, false},
		{"verbose", Off, true},
	}

	for _, tt := range tests {
		got, err := ParseSeverity(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSeverity(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSeverity(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestSink_ThresholdsAreIndependent(t *testing.T) {
	t.Parallel()

	levels := []Severity{Fatal, Error, Warn, Info, Debug, Trace}

	for _, level := range levels {
		s, buf := newTestSink(
			WithConsole(true),
			WithMaximumConsoleLevel(Info),
			WithMaximumLevel(Trace),
		)
		got := collect(s)

		s.Log("msg", level)

		wantConsole := level <= Info
		if gotConsole := buf.Len() > 0; gotConsole != wantConsole {
			t.Errorf("%s: console output = %v, want %v", level, gotConsole, wantConsole)
		}
		if len(*got) != 1 {
			t.Errorf("%s: expected 1 event, got %d", level, len(*got))
		}
	}
}

func TestSink_TraceEmitsEventWithoutConsoleLine(t *testing.T) {
	t.Parallel()

	s, buf := newTestSink(
		WithConsole(true),
		WithMaximumConsoleLevel(Info),
		WithMaximumLevel(Trace),
	)
	got := collect(s)

	s.Trace("very chatty")

	if buf.Len() != 0 {
		t.Errorf("expected no console output, got %q", buf.String())
	}
	if len(*got) != 1 || (*got)[0].Level != Trace {
		t.Errorf("expected one Trace event, got %v", *got)
	}
}

func TestSink_OffAdmitsNothing(t *testing.T) {
	t.Parallel()

	s, buf := newTestSink(WithConsole(true))
	got := collect(s)

	for _, level := range []Severity{Off, Fatal, Error, Warn, Info, Debug, Trace} {
		s.Log("msg", level)
	}

	if buf.Len() != 0 {
		t.Errorf("expected no console output, got %q", buf.String())
	}
	if len(*got) != 0 {
		t.Errorf("expected no events, got %v", *got)
	}
}

func TestSink_ConsoleDisabled(t *testing.T) {
	t.Parallel()

	s, buf := newTestSink(WithMaximumConsoleLevel(Trace))
	s.Error("should not print")

	if buf.Len() != 0 {
		t.Errorf("expected no console output while disabled, got %q", buf.String())
	}

	s.SetConsoleEnabled(true)
	s.Error("should print")

	want := "Error : 2026-10-18 09:30:00.000 : should print\n"
	if buf.String() != want {
		t.Errorf("expected %q, got %q", want, buf.String())
	}
}

func TestSink_WarnWithConsoleOff(t *testing.T) {
	t.Parallel()

	s, buf := newTestSink(
		WithMaximumLevel(Warn),
		WithMaximumConsoleLevel(Off),
		WithConsole(true),
	)
	got := collect(s)

	s.Warn("disk low")
	s.Debug("cache hit")

	if buf.Len() != 0 {
		t.Errorf("expected no console output, got %q", buf.String())
	}
	if len(*got) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(*got))
	}

	rec := (*got)[0]
	if rec.Text != "disk low" || rec.Level != Warn {
		t.Errorf("unexpected record: %+v", rec)
	}
	want := "Warn : 2026-10-18 09:30:00.000 : disk low"
	if rec.String() != want {
		t.Errorf("expected %q, got %q", want, rec.String())
	}
}

func TestSink_SettersTakeEffect(t *testing.T) {
	t.Parallel()

	s, _ := newTestSink()
	got := collect(s)

	s.Info("dropped")
	s.SetMaximumLevel(Info)
	s.Info("kept")
	s.Debugf("dropped %d", 2)

	if len(*got) != 1 || (*got)[0].Text != "kept" {
		t.Errorf("expected only the kept record, got %v", *got)
	}
	if s.MaximumLevel() != Info {
		t.Errorf("expected maximum level Info, got %s", s.MaximumLevel())
	}
}

func TestSink_SubscribersCalledInOrder(t *testing.T) {
	t.Parallel()

	s, _ := newTestSink(WithMaximumLevel(Info))

	var order []int
	s.Subscribe(func(Record) { order = append(order, 1) })
	unsubscribe := s.Subscribe(func(Record) { order = append(order, 2) })
	s.Subscribe(func(Record) { order = append(order, 3) })

	s.Info("first")
	unsubscribe()
	s.Info("second")

	want := []int{1, 2, 3, 1, 3}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestSink_TimeFormat(t *testing.T) {
	t.Parallel()

	s, _ := newTestSink(WithMaximumLevel(Info), WithTimeFormat(time.RFC3339))
	got := collect(s)

	s.Info("started")

	if len(*got) != 1 || (*got)[0].Timestamp != "2026-10-18T09:30:00Z" {
		t.Errorf("expected RFC 3339 timestamp, got %v", *got)
	}
}

func TestSink_NoSubscribersSkipsRecord(t *testing.T) {
	t.Parallel()

	calls := 0
	s := New(
		WithMaximumLevel(Trace),
		WithWriter(&bytes.Buffer{}),
		WithClock(func() time.Time { calls++; return fixedTime }),
	)

	s.Info("nobody listening")
	if calls != 0 {
		t.Errorf("expected no record to be built, clock read %d times", calls)
	}

	collect(s)
	s.Info("listening now")
	if calls != 1 {
		t.Errorf("expected one record to be built, clock read %d times", calls)
	}
}

func TestSink_LogAndFail(t *testing.T) {
	t.Parallel()

	s, buf := newTestSink(WithConsole(true), WithMaximumConsoleLevel(Error))

	errMsg := s.LogAndFail("unexpected reply", message.ErrorMsg, 12)

	if errMsg.ErrorMessage != "unexpected reply" || errMsg.ErrorCode != message.ErrorMsg || errMsg.ID() != 12 {
		t.Errorf("unexpected error message: %+v", errMsg)
	}
	if !strings.HasPrefix(buf.String(), "Error : ") || !strings.Contains(buf.String(), "unexpected reply") {
		t.Errorf("expected an Error console line, got %q", buf.String())
	}
}

func TestZapObserver_ForwardsRecords(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	s, _ := newTestSink(WithMaximumLevel(Trace))
	s.Subscribe(ZapObserver(zap.New(core)))

	s.Fatal("fatal but not exiting")
	s.Warn("careful")
	s.Trace("details")

	entries := logs.AllUntimed()
	if len(entries) != 3 {
		t.Fatalf("expected 3 zap entries, got %d", len(entries))
	}
	if entries[0].Level != zapcore.ErrorLevel {
		t.Errorf("expected Fatal to map to error, got %s", entries[0].Level)
	}
	if entries[1].Level != zapcore.WarnLevel || entries[1].Message != "careful" {
		t.Errorf("unexpected warn entry: %+v", entries[1].Entry)
	}
	if entries[2].ContextMap()["severity"] != "Trace" {
		t.Errorf("expected severity field Trace, got %v", entries[2].ContextMap())
	}
}
