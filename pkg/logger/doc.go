// Package logger builds the process-wide slog.Logger. Output format and
// level come from configuration so the same binary logs human-readable text
// in development and JSON in production; every other package just accepts a
// *slog.Logger.
package logger
