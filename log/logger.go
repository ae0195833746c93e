package log

import "context"

// Fields are structured key/value pairs attached to a log entry.
type Fields = map[string]interface{}

// Logger defines a standard interface for logging.
// Trace and span identifiers are taken from the context on every call.
type Logger interface {
	Debug(ctx context.Context, msg string, fields ...Fields)
	Info(ctx context.Context, msg string, fields ...Fields)
	Warn(ctx context.Context, msg string, fields ...Fields)
	Error(ctx context.Context, msg string, err error, fields ...Fields)
	Fatal(ctx context.Context, msg string, err error, fields ...Fields) // Typically os.Exit(1) is called by underlying logger
	With(fields Fields) Logger                                         // Returns a new logger with added structured fields
}

// Redact shortens a secret handle to a prefix that is safe to log.
func Redact(handle string) string {
	const keep = 6
	if len(handle) <= keep {
		return "***"
	}
	return handle[:keep] + "***"
}
