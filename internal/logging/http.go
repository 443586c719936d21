package logging

// HTTPLogger adapts the package logger to retryablehttp's LeveledLogger.
// Key/value pairs become structured fields. Client errors are retried, so
// they log at warn.
type HTTPLogger struct{}

func (HTTPLogger) Error(msg string, kv ...any) { std.get().Warnw(msg, kv...) }
func (HTTPLogger) Warn(msg string, kv ...any)  { std.get().Warnw(msg, kv...) }
func (HTTPLogger) Info(msg string, kv ...any)  { std.get().Debugw(msg, kv...) }
func (HTTPLogger) Debug(msg string, kv ...any) { std.get().Debugw(msg, kv...) }
