// Package log wraps go.uber.org/zap with the call shape used throughout the
// rest of this codebase: package-level Infof/Warnf/Errorf helpers, a
// context-scoped logger via L(ctx), and a raw SugaredLogger() escape hatch
// for third-party adapters (for example cron's logger interface).
package log

import (
	"context"
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a re-export of zap.Field so callers never import zap directly.
type Field = zap.Field

var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Uint64   = zap.Uint64
	Bool     = zap.Bool
	Err      = zap.Error
	Any      = zap.Any
	Float64  = zap.Float64
	Duration = zap.Duration
)

// Options configures the global logger. Mirrors the shape of the ambient
// options used by every server-style component in this repository: a flat
// struct whose fields the owning options package binds to flags.
type Options struct {
	Level             string   `json:"level" mapstructure:"level"`
	Format            string   `json:"format" mapstructure:"format"`
	EnableColor       bool     `json:"enable-color" mapstructure:"enable-color"`
	DisableCaller     bool     `json:"disable-caller" mapstructure:"disable-caller"`
	DisableStacktrace bool     `json:"disable-stacktrace" mapstructure:"disable-stacktrace"`
	OutputPaths       []string `json:"output-paths" mapstructure:"output-paths"`
	ErrorOutputPaths  []string `json:"error-output-paths" mapstructure:"error-output-paths"`
	Name              string   `json:"name" mapstructure:"name"`
}

// NewOptions returns options carrying the same defaults as other ambient
// option constructors in this codebase: info level, console format, stdout.
func NewOptions() *Options {
	return &Options{
		Level:            "info",
		Format:           "console",
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
}

// AddFlags is intentionally left for the owning options package: it embeds
// *Options and calls this constructor directly rather than duplicating flag
// wiring here (matches the teacher's Log *log.Options embedding).

type contextKey int

const loggerKey contextKey = iota

var (
	mu            sync.RWMutex
	std           *zap.Logger
	stdSugared    *zap.SugaredLogger
)

func init() {
	std, _ = zap.NewProduction()
	stdSugared = std.Sugar()
}

// Init replaces the global logger. Call once at process start, before any
// other package-level logging call.
func Init(opts *Options) {
	if opts == nil {
		opts = NewOptions()
	}

	zapLevel := zapcore.InfoLevel
	_ = zapLevel.UnmarshalText([]byte(opts.Level))

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if opts.Format == "console" {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !opts.EnableColor {
			encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		}
	}

	cfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(zapLevel),
		Development:       false,
		DisableCaller:     opts.DisableCaller,
		DisableStacktrace: opts.DisableStacktrace,
		Encoding:          opts.Format,
		EncoderConfig:     encoderCfg,
		OutputPaths:       opts.OutputPaths,
		ErrorOutputPaths:  opts.ErrorOutputPaths,
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "console"
	}
	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = []string{"stdout"}
	}

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fall back to a working logger rather than leaving std nil; a
		// misconfigured log sink should not crash the process before it
		// even starts.
		logger, _ = zap.NewProduction(zap.AddCallerSkip(1))
		logger.Warn("log: falling back to default config", zap.Error(err))
	}
	if opts.Name != "" {
		logger = logger.Named(opts.Name)
	}

	mu.Lock()
	std = logger
	stdSugared = logger.Sugar()
	mu.Unlock()
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

func currentSugared() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return stdSugared
}

// SugaredLogger exposes the raw sugared logger, for adapters that need to
// implement a third-party logging interface (cron.Logger, etc.).
func SugaredLogger() *zap.SugaredLogger {
	return currentSugared()
}

// WithContext returns a copy of ctx carrying l as its scoped logger.
func WithContext(ctx context.Context, l *zap.SugaredLogger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// L returns the logger scoped to ctx, falling back to the global logger if
// ctx carries none. Use for per-request/per-task correlation fields.
func L(ctx context.Context) *zap.SugaredLogger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(*zap.SugaredLogger); ok && l != nil {
			return l
		}
	}
	return currentSugared()
}

// Flush syncs buffered log entries. Call before process exit.
func Flush() {
	_ = current().Sync()
}

func Debug(msg string, fields ...Field)  { current().Debug(msg, fields...) }
func Info(msg string, fields ...Field)   { current().Info(msg, fields...) }
func Warn(msg string, fields ...Field)   { current().Warn(msg, fields...) }
func Error(msg string, fields ...Field)  { current().Error(msg, fields...) }
func Panic(msg string, fields ...Field)  { current().Panic(msg, fields...) }
func Fatal(msg string, fields ...Field)  { current().Fatal(msg, fields...) }

func Debugf(template string, args ...interface{}) { currentSugared().Debugf(template, args...) }
func Infof(template string, args ...interface{})  { currentSugared().Infof(template, args...) }
func Warnf(template string, args ...interface{})  { currentSugared().Warnf(template, args...) }
func Errorf(template string, args ...interface{}) { currentSugared().Errorf(template, args...) }
func Panicf(template string, args ...interface{}) { currentSugared().Panicf(template, args...) }
func Fatalf(template string, args ...interface{}) { currentSugared().Fatalf(template, args...) }

func Debugw(msg string, keysAndValues ...interface{}) { currentSugared().Debugw(msg, keysAndValues...) }
func Infow(msg string, keysAndValues ...interface{})  { currentSugared().Infow(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { currentSugared().Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { currentSugared().Errorw(msg, keysAndValues...) }

// Exit is used by callers (cobra RunE) wanting to flush before os.Exit.
func Exit(code int) {
	Flush()
	os.Exit(code)
}
