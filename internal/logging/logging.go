// Package logging is the process-wide leveled logger. Text output is meant
// for operators at a terminal; JSON output is one object per line with ts,
// level and msg keys for log shippers.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents logging verbosity level
type Level int

const (
	// LevelError only logs errors
	LevelError Level = iota
	// LevelWarn logs warnings and errors
	LevelWarn
	// LevelInfo logs info, warnings, and errors (default)
	LevelInfo
	// LevelDebug logs everything including debug messages
	LevelDebug
)

// ParseLevel converts a string to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info", "":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	default:
		return LevelInfo, fmt.Errorf("unknown verbosity level: %s (valid: debug, info, warn, error)", s)
	}
}

// String returns the string representation of a level
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zap() zapcore.Level {
	switch l {
	case LevelError:
		return zapcore.ErrorLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelDebug:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

type logger struct {
	mu     sync.Mutex
	level  Level
	atom   zap.AtomicLevel
	output io.Writer
	format string
	sugar  *zap.SugaredLogger
}

var std = newLogger()

func newLogger() *logger {
	l := &logger{
		level:  LevelInfo,
		atom:   zap.NewAtomicLevelAt(zapcore.InfoLevel),
		output: os.Stdout,
		format: "text",
	}
	l.rebuild()
	return l
}

// rebuild swaps in a core for the current output and format. Caller holds mu
// or owns l exclusively.
func (l *logger) rebuild() {
	if l.sugar != nil {
		_ = l.sugar.Sync()
	}
	encCfg := zapcore.EncoderConfig{
		TimeKey:          "ts",
		LevelKey:         "level",
		MessageKey:       "msg",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
	var enc zapcore.Encoder
	if l.format == "json" {
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = bracketLevel
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(l.output)), l.atom)
	l.sugar = zap.New(core).Sugar()
}

func bracketLevel(lvl zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + lvl.CapitalString() + "]")
}

func (l *logger) get() *zap.SugaredLogger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sugar
}

// SetLevel sets the global log level
func SetLevel(level Level) {
	std.mu.Lock()
	defer std.mu.Unlock()
	std.level = level
	std.atom.SetLevel(level.zap())
}

// SetOutput sets the output destination for logging. A nil writer restores stdout.
func SetOutput(w io.Writer) {
	std.mu.Lock()
	defer std.mu.Unlock()
	if w == nil {
		w = os.Stdout
	}
	std.output = w
	std.rebuild()
}

// SetFormat selects "text" (default) or "json" output.
func SetFormat(format string) {
	std.mu.Lock()
	defer std.mu.Unlock()
	if strings.ToLower(format) == "json" {
		std.format = "json"
	} else {
		std.format = "text"
	}
	std.rebuild()
}

// GetLevel returns the current log level
func GetLevel() Level {
	std.mu.Lock()
	defer std.mu.Unlock()
	return std.level
}

// Debug logs a debug message
func Debug(format string, args ...any) {
	std.get().Debugf(trim(format), args...)
}

// Info logs an info message
func Info(format string, args ...any) {
	std.get().Infof(trim(format), args...)
}

// Warn logs a warning message
func Warn(format string, args ...any) {
	std.get().Warnf(trim(format), args...)
}

// Error logs an error message
func Error(format string, args ...any) {
	std.get().Errorf(trim(format), args...)
}

// trim drops surrounding newlines; the encoder ends every entry with one.
func trim(format string) string {
	return strings.TrimSpace(format)
}
