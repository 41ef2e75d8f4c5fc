// Package log wires zerolog as the process-wide structured logger.
package log

import (
	"io"
	stdlog "log"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured by Init.
var Logger zerolog.Logger

// Level is a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls global logger construction.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the global logger. Must be called once at startup before
// any component constructs a component logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component name.
// Every long-lived goroutine in this daemon (agent, detector, fencer,
// controllers, elector) holds exactly one of these.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNode returns a child logger tagged with a node name.
func WithNode(name string) zerolog.Logger {
	return Logger.With().Str("node", name).Logger()
}

// WithVM returns a child logger tagged with a VM uuid.
func WithVM(uuid string) zerolog.Logger {
	return Logger.With().Str("vm", uuid).Logger()
}

func init() {
	// Sane default so packages that log before Init runs (e.g. in tests)
	// don't panic on a zero-value Logger.
	Init(Config{Level: InfoLevel})
}

// hclogAdapter satisfies hclog.Logger by forwarding to a zerolog.Logger,
// so that hashicorp/raft's internal logging lands in the same structured
// stream as everything else this daemon logs instead of opening a second
// uncoordinated output.
type hclogAdapter struct {
	zl   zerolog.Logger
	name string
}

// NewHCLogAdapter wraps a component logger for use as raft.Config.Logger.
func NewHCLogAdapter(zl zerolog.Logger) hclog.Logger {
	return &hclogAdapter{zl: zl}
}

func (h *hclogAdapter) event(level zerolog.Level, msg string, args ...interface{}) *zerolog.Event {
	e := h.zl.WithLevel(level)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	return e.Str("msg", msg)
}

func (h *hclogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		h.event(zerolog.DebugLevel, msg, args...).Send()
	case hclog.Warn:
		h.event(zerolog.WarnLevel, msg, args...).Send()
	case hclog.Error:
		h.event(zerolog.ErrorLevel, msg, args...).Send()
	default:
		h.event(zerolog.InfoLevel, msg, args...).Send()
	}
}

func (h *hclogAdapter) Trace(msg string, args ...interface{}) { h.Log(hclog.Trace, msg, args...) }
func (h *hclogAdapter) Debug(msg string, args ...interface{}) { h.Log(hclog.Debug, msg, args...) }
func (h *hclogAdapter) Info(msg string, args ...interface{})  { h.Log(hclog.Info, msg, args...) }
func (h *hclogAdapter) Warn(msg string, args ...interface{})  { h.Log(hclog.Warn, msg, args...) }
func (h *hclogAdapter) Error(msg string, args ...interface{}) { h.Log(hclog.Error, msg, args...) }

func (h *hclogAdapter) IsTrace() bool { return h.zl.GetLevel() <= zerolog.DebugLevel }
func (h *hclogAdapter) IsDebug() bool { return h.zl.GetLevel() <= zerolog.DebugLevel }
func (h *hclogAdapter) IsInfo() bool  { return h.zl.GetLevel() <= zerolog.InfoLevel }
func (h *hclogAdapter) IsWarn() bool  { return h.zl.GetLevel() <= zerolog.WarnLevel }
func (h *hclogAdapter) IsError() bool { return h.zl.GetLevel() <= zerolog.ErrorLevel }

func (h *hclogAdapter) ImpliedArgs() []interface{} { return nil }

func (h *hclogAdapter) With(args ...interface{}) hclog.Logger {
	zl := h.zl.With().Logger()
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		zl = zl.With().Interface(key, args[i+1]).Logger()
	}
	return &hclogAdapter{zl: zl, name: h.name}
}

func (h *hclogAdapter) Name() string { return h.name }

func (h *hclogAdapter) Named(name string) hclog.Logger {
	full := name
	if h.name != "" {
		full = h.name + "." + name
	}
	return &hclogAdapter{zl: h.zl.With().Str("subsystem", full).Logger(), name: full}
}

func (h *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return &hclogAdapter{zl: h.zl.With().Str("subsystem", name).Logger(), name: name}
}

func (h *hclogAdapter) SetLevel(level hclog.Level) {}

func (h *hclogAdapter) GetLevel() hclog.Level {
	switch h.zl.GetLevel() {
	case zerolog.DebugLevel:
		return hclog.Debug
	case zerolog.WarnLevel:
		return hclog.Warn
	case zerolog.ErrorLevel:
		return hclog.Error
	default:
		return hclog.Info
	}
}

func (h *hclogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *stdlog.Logger {
	return stdlog.New(h.StandardWriter(opts), "", 0)
}

func (h *hclogAdapter) StandardWriter(opts *hclog.StandardLoggerOptions) io.Writer {
	return hclogWriter{h: h}
}

// hclogWriter lets raft's internal std-logger callers write lines that
// still land in the adapted zerolog stream.
type hclogWriter struct{ h *hclogAdapter }

func (w hclogWriter) Write(p []byte) (int, error) {
	w.h.zl.Info().Msg(string(p))
	return len(p), nil
}
