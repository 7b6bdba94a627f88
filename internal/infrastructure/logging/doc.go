// Package logging provides structured logging for the step scan service.
//
// This package wraps Go's standard log/slog package so every component logs
// with the same shape.
//
// # Formats
//
//   - json: machine-parsable output for unattended runs
//   - text: slog key=value output
//   - console: coloured, aligned output for interactive beamline sessions
//     (github.com/phsym/console-slog)
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text, console
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("scan started", "points", 120)
//	logger.Warn("move timeout", "positioner", "theta")
package logging
