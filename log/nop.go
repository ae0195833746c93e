package log

import "context"

type nopLogger struct{}

// NewNop returns a Logger that discards everything.
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(context.Context, string, ...Fields)        {}
func (nopLogger) Info(context.Context, string, ...Fields)         {}
func (nopLogger) Warn(context.Context, string, ...Fields)         {}
func (nopLogger) Error(context.Context, string, error, ...Fields) {}
func (nopLogger) Fatal(context.Context, string, error, ...Fields) {}
func (n nopLogger) With(Fields) Logger                            { return n }
