// Package log provides structured logging for vhook using zap.
package log

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with hook-chain helpers.
type Logger struct {
	*zap.Logger
	onEvent func(kind, registry, detail string) // mirror of chain events, used by the CLI trace view
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Or returns l, the global logger, or a no-op logger, whichever is set first.
func Or(l *Logger) *Logger {
	if l != nil {
		return l
	}
	if L != nil {
		return L
	}
	return NewNop()
}

// SetOnEvent sets the callback mirrored for every chain event.
func (l *Logger) SetOnEvent(fn func(kind, registry, detail string)) {
	l.onEvent = fn
}

// Event logs a chain lifecycle event (register, install, restore...).
func (l *Logger) Event(kind, registry, detail string) {
	if l.onEvent != nil {
		l.onEvent(kind, registry, detail)
	}
	l.Debug(kind,
		zap.String("chain", registry),
		zap.String("detail", detail),
	)
}

// HookRegistered logs a new subscription.
func (l *Logger) HookRegistered(registry string, id uint64, priority uint8, size int) {
	l.Debug("registered",
		zap.String("chain", registry),
		zap.Uint64("id", id),
		zap.Uint8("prio", priority),
		zap.Int("len", size),
	)
}

// HookRemoved logs a removed subscription.
func (l *Logger) HookRemoved(registry string, id uint64, size int) {
	l.Debug("unregistered",
		zap.String("chain", registry),
		zap.Uint64("id", id),
		zap.Int("len", size),
	)
}

// SlotPatched logs a vtable slot redirection.
func (l *Logger) SlotPatched(slot, original, trampoline uint64) {
	l.Debug("patched",
		Addr(slot),
		Ptr("orig", original),
		Ptr("tramp", trampoline),
	)
}

// SlotRestored logs a vtable slot restoration.
func (l *Logger) SlotRestored(slot, original uint64) {
	l.Debug("restored",
		Addr(slot),
		Ptr("orig", original),
	)
}

// WithChain returns a logger with the chain field preset.
func (l *Logger) WithChain(name string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("chain", name)),
		onEvent: l.onEvent,
	}
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + strconv.FormatUint(addr, 16)
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
