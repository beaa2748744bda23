// Package logx wraps zerolog behind a small value-type Logger.
//
// The Service owns the configured root logger and can swap sinks and
// levels at runtime; Loggers handed out before an Apply() keep working
// and pick up the new root transparently.
package logx
