// Package logging provides structured logging for the Gray Logic hub.
//
// It wraps log/slog so every entry carries the service name and build
// version. JSON output is the default; text output is meant for development.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Engine packages do not import this package directly. They declare a small
// Logger interface that *Logger satisfies, and main wires it in.
//
// Never log secrets, tokens or passwords.
package logging
