// Package logger provides structured logging with automatic secret redaction.
//
// This package wraps Go's standard log/slog with convenience functions for:
//   - Native engine call logging (opens, writes, closes, errors)
//   - Session lifecycle logging
//   - Automatic password and secret redaction
//   - Level-based verbosity control
//
// All exported functions use the global DefaultLogger which can be configured
// for different output formats and log levels.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

var (
	// DefaultLogger is the global structured logger instance.
	// It is safe for concurrent use and initialized with slog.LevelInfo by default.
	DefaultLogger *slog.Logger

	// logOutput is where handlers write. Tests swap it via SetOutput.
	logOutput io.Writer = os.Stderr
)

// Log format constants.
const (
	FormatJSON = "json"
	FormatText = "text"
)

func init() {
	level := slog.LevelInfo
	if envLevel := os.Getenv("LOG_LEVEL"); envLevel != "" {
		level = ParseLevel(envLevel)
	}

	handler := slog.NewTextHandler(logOutput, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(handler)
}

// ParseLevel maps a level name to a slog.Level. Unknown names map to Info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the logging level for all subsequent log operations.
// This is safe for concurrent use as it replaces the entire logger instance.
func SetLevel(level slog.Level) {
	handler := slog.NewTextHandler(logOutput, &slog.HandlerOptions{
		Level: level,
	})
	DefaultLogger = slog.New(handler)
}

// SetVerbose enables debug-level logging when verbose is true, otherwise sets info-level.
// This is a convenience wrapper around SetLevel for command-line verbose flags.
func SetVerbose(verbose bool) {
	if verbose {
		SetLevel(slog.LevelDebug)
	} else {
		SetLevel(slog.LevelInfo)
	}
}

// SetOutput redirects log output. Primarily for tests capturing log lines.
func SetOutput(w io.Writer) {
	logOutput = w
	SetLevel(slog.LevelDebug)
}

// Configure rebuilds the global logger with the given level name, output
// format (FormatJSON or FormatText), and common fields attached to every
// record.
func Configure(levelName, format string, commonFields map[string]string) {
	level := ParseLevel(levelName)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format == FormatJSON {
		handler = slog.NewJSONHandler(logOutput, opts)
	} else {
		handler = slog.NewTextHandler(logOutput, opts)
	}

	if len(commonFields) > 0 {
		attrs := make([]slog.Attr, 0, len(commonFields))
		for k, v := range commonFields {
			attrs = append(attrs, slog.String(k, v))
		}
		handler = handler.WithAttrs(attrs)
	}

	DefaultLogger = slog.New(handler)
	slog.SetDefault(DefaultLogger)
}

// Info logs an informational message with structured key-value attributes.
// Args should be provided in key-value pairs: key1, value1, key2, value2, ...
func Info(msg string, args ...any) {
	DefaultLogger.Info(msg, args...)
}

// InfoContext logs an informational message with context and structured attributes.
func InfoContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.InfoContext(ctx, msg, args...)
}

// Debug logs a debug-level message with structured attributes.
// Debug messages are only output when the log level is set to LevelDebug or lower.
func Debug(msg string, args ...any) {
	DefaultLogger.Debug(msg, args...)
}

// DebugContext logs a debug message with context and structured attributes.
func DebugContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.DebugContext(ctx, msg, args...)
}

// Warn logs a warning message with structured attributes.
// Use for recoverable errors or unexpected but non-critical situations.
func Warn(msg string, args ...any) {
	DefaultLogger.Warn(msg, args...)
}

// WarnContext logs a warning message with context and structured attributes.
func WarnContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.WarnContext(ctx, msg, args...)
}

// Error logs an error message with structured attributes.
// Use for errors that affect operation but don't cause complete failure.
func Error(msg string, args ...any) {
	DefaultLogger.Error(msg, args...)
}

// ErrorContext logs an error message with context and structured attributes.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	DefaultLogger.ErrorContext(ctx, msg, args...)
}

// EngineCall logs a native engine call with structured fields for observability.
// Additional attributes can be passed as key-value pairs after the required parameters.
func EngineCall(handle, op string, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs,
		"handle", handle,
		"op", op,
	)
	allAttrs = append(allAttrs, attrs...)
	Debug("engine call", allAttrs...)
}

// EngineError logs a failed native engine call. The engine's message is kept
// verbatim; secrets never reach engine messages.
func EngineError(handle, op string, err error, attrs ...any) {
	allAttrs := make([]any, 0, 6+len(attrs))
	allAttrs = append(allAttrs,
		"handle", handle,
		"op", op,
		"error", err,
	)
	allAttrs = append(allAttrs, attrs...)
	Error("engine call failed", allAttrs...)
}

// Transition logs a session state change.
func Transition(from, to string, attrs ...any) {
	allAttrs := make([]any, 0, 4+len(attrs))
	allAttrs = append(allAttrs,
		"from", from,
		"to", to,
	)
	allAttrs = append(allAttrs, attrs...)
	Info("session transition", allAttrs...)
}

var (
	// secretPatterns contains compiled regular expressions for detecting
	// credential material in strings destined for logs.
	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)("(?:password|secret|passphrase)"\s*:\s*)"[^"]*"`), // JSON fields
		regexp.MustCompile(`(?i)\b(password|secret|passphrase)=[^&\s]+`),           // query / form fields
		regexp.MustCompile(`Bearer\s+[a-zA-Z0-9_.-]+`),                             // bearer tokens
	}
)

// RedactSecrets removes passwords and other credential material from strings.
// Matched values are replaced wholesale; no prefix is preserved because even
// partial secrets identify short passwords.
//
// This function is safe for concurrent use as it only reads from the compiled
// patterns.
func RedactSecrets(input string) string {
	result := input

	for _, pattern := range secretPatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			if strings.HasPrefix(match, "Bearer ") {
				return "Bearer [REDACTED]"
			}
			if idx := strings.IndexAny(match, ":="); idx != -1 {
				sep := match[idx : idx+1]
				if sep == ":" {
					return match[:idx+1] + ` "[REDACTED]"`
				}
				return match[:idx+1] + "[REDACTED]"
			}
			return "[REDACTED]"
		})
	}

	return result
}
