// Package logging provides a minimal logging interface and adapters for convomesh.
//
// The Logger interface defines the leveled methods (Debug, Info, Warn, Error)
// every component accepts through its options. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping a caller supplied *slog.Logger
//   - ConvoLogger, a slog backed logger with run/thread scoping and
//     domain helpers for provider calls, stage execution and run transitions
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewLogger(&logging.LoggerConfig{Level: logging.LogLevelInfo, Format: "json"})
//	mesh, err := convomesh.New(func(o *convomesh.Options) { o.Logger = logger })
//
// Arguments after the message are slog style key/value pairs.
package logging
