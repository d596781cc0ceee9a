package diag

import (
	"go.uber.org/zap"
)

// Logger wraps the structured logger shared across the pipeline stages.
// Verbose mode (the CLI's -v/--verbose flag) swaps in a development logger
// so its module-shape log lines read as plain interactive output (the
// disassembly is printed by the CLI directly, not through the logger);
// production builds stay on the quieter, JSON-encoded production logger.
type Logger struct {
	z *zap.Logger
}

// NewLogger builds a Logger. verbose selects zap's development config
// (console-encoded, debug level); otherwise zap's production config.
func NewLogger(verbose bool) *Logger {
	var z *zap.Logger
	if verbose {
		z, _ = zap.NewDevelopment()
	} else {
		z, _ = zap.NewProduction()
	}
	return &Logger{z: z}
}

// Stage logs entry into a pipeline stage (wasm decode, direct build, lower,
// emit) at debug level.
func (l *Logger) Stage(name string, fields ...zap.Field) {
	l.z.Debug(name, fields...)
}

// Info logs a normal informational event.
func (l *Logger) Info(msg string, fields ...zap.Field) {
	l.z.Info(msg, fields...)
}

// Error logs a fatal CompileError before the driver aborts.
func (l *Logger) Error(err *CompileError) {
	l.z.Error("compilation failed",
		zap.String("kind", err.Kind.String()),
		zap.Error(err),
	)
}

// Sync flushes buffered log entries; call before process exit.
func (l *Logger) Sync() {
	_ = l.z.Sync()
}
