package cli

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/grantcarthew/devlink/internal/client"
	"github.com/grantcarthew/devlink/internal/config"
	"github.com/grantcarthew/devlink/internal/logsink"
	"github.com/grantcarthew/devlink/internal/message"
	"github.com/grantcarthew/devlink/internal/transport"
)

// Session is the connected client surface the commands use.
type Session interface {
	ServerInfo() (message.ServerInfo, bool)
	Devices() []message.Device
	StartScanning(ctx context.Context) error
	StopScanning(ctx context.Context) error
	StopDevice(ctx context.Context, index uint32) error
	StopAllDevices(ctx context.Context) error
	Ping(ctx context.Context) error
	OnDeviceAdded(fn func(message.Device)) (unsubscribe func())
	OnDeviceRemoved(fn func(message.Device)) (unsubscribe func())
	OnScanningFinished(fn func()) (unsubscribe func())
	OnDisconnect(fn func(transport.CloseEvent)) (unsubscribe func())
	Disconnect(ctx context.Context) error
}

// SessionFactory opens connected sessions.
type SessionFactory interface {
	NewSession(ctx context.Context) (Session, error)
}

// defaultFactory connects a protocol client using the config file and flags.
type defaultFactory struct{}

func (defaultFactory) NewSession(ctx context.Context) (Session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	sink, flush, err := newLogSink(cfg)
	if err != nil {
		return nil, err
	}

	opts := []client.Option{
		client.WithLogger(sink),
		client.WithRequestTimeout(cfg.RequestTimeout),
		client.WithPingInterval(cfg.PingInterval),
	}
	if cfg.ReadLimit > 0 {
		opts = append(opts, client.WithReadLimit(cfg.ReadLimit))
	}
	c := client.New(cfg.ClientName, opts...)

	debugf("connecting to %s as %q", cfg.Address, cfg.ClientName)
	if err := c.Connect(ctx, cfg.Address); err != nil {
		flush()
		return nil, err
	}
	return &clientSession{Client: c, flush: flush}, nil
}

// clientSession flushes the JSON logger once the client disconnects.
type clientSession struct {
	*client.Client
	flush func()
}

func (s *clientSession) Disconnect(ctx context.Context) error {
	err := s.Client.Disconnect(ctx)
	s.flush()
	return err
}

// sessionFactory is the package-level factory, replaceable for testing.
var sessionFactory SessionFactory = defaultFactory{}

// SetSessionFactory replaces the factory used by every command.
func SetSessionFactory(f SessionFactory) {
	sessionFactory = f
}

// ResetSessionFactory resets to the default factory.
func ResetSessionFactory() {
	sessionFactory = defaultFactory{}
}

// activeSession is the REPL's long-lived session. Commands reuse it instead
// of connecting and disconnecting themselves.
var activeSession Session

// withSession runs fn against the REPL session, or against a fresh session
// that is disconnected afterwards.
func withSession(ctx context.Context, fn func(Session) error) error {
	if activeSession != nil {
		return fn(activeSession)
	}

	s, err := sessionFactory.NewSession(ctx)
	if err != nil {
		return outputError(err.Error())
	}
	defer func() {
		if err := s.Disconnect(context.Background()); err != nil {
			debugf("disconnect: %v", err)
		}
	}()
	return fn(s)
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return nil, err
	}

	if Address != "" {
		cfg.Address = Address
	}
	if ClientName != "" {
		cfg.ClientName = ClientName
	}
	if LogLevel != "" {
		if cfg.Log.Level, err = logsink.ParseSeverity(LogLevel); err != nil {
			return nil, fmt.Errorf("invalid --log-level: %w", err)
		}
	}
	if ConsoleLevel != "" {
		if cfg.Log.ConsoleLevel, err = logsink.ParseSeverity(ConsoleLevel); err != nil {
			return nil, fmt.Errorf("invalid --console-level: %w", err)
		}
	}
	if LogJSON {
		cfg.Log.JSON = true
	}
	if Debug {
		cfg.Log.Console = true
		if cfg.Log.ConsoleLevel < logsink.Debug {
			cfg.Log.ConsoleLevel = logsink.Debug
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogSink builds the client's log sink. With JSON logging the console is
// replaced by a zap production logger fed from the sink's records.
func newLogSink(cfg *config.Config) (*logsink.Sink, func(), error) {
	opts := []logsink.Option{logsink.WithMaximumLevel(cfg.Log.Level)}
	if cfg.Log.TimeFormat != "" {
		opts = append(opts, logsink.WithTimeFormat(cfg.Log.TimeFormat))
	}

	if !cfg.Log.JSON {
		sink := logsink.New(append(opts,
			logsink.WithMaximumConsoleLevel(cfg.Log.ConsoleLevel),
			logsink.WithConsole(cfg.Log.Console),
		)...)
		return sink, func() {}, nil
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build JSON logger: %w", err)
	}

	sink := logsink.New(opts...)
	sink.Subscribe(logsink.ZapObserver(logger))
	return sink, func() { _ = logger.Sync() }, nil
}
