// Package logging provides structured logging and the secret-redaction
// helpers shared with the audit ledger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Known secret field names whose values must never reach a log line or a
// persisted audit event.
var secretFieldNames = []string{
	"password",
	"secret",
	"token",
	"credential",
	"secretaccesskey",
	"secret_key",
	"secretkey",
	"sessiontoken",
	"session_token",
	"access_token",
	"private_key",
	"privatekey",
}

// NewLogger creates the console logger used by the CLI entry points.
func NewLogger(level string, correlationID string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	writer := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}

	logger := zerolog.New(writer).
		Level(lvl).
		With().
		Timestamp().
		Str("component", "no-wing").
		Logger()

	if correlationID != "" {
		logger = logger.With().Str("correlation_id", correlationID).Logger()
	}

	return logger
}

// NewJSONLogger creates a JSON-formatted logger for file output or machine
// consumption.
func NewJSONLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(w).
		Level(lvl).
		With().
		Timestamp().
		Str("component", "no-wing").
		Logger()
}

// IsSecretField reports whether a field name is a known secret field.
func IsSecretField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, secret := range secretFieldNames {
		if strings.Contains(lower, secret) {
			return true
		}
	}
	return false
}

// RedactValue replaces a secret value with a fixed placeholder.
func RedactValue(value string) string {
	if value == "" {
		return ""
	}
	return "[REDACTED]"
}

// RedactParameters returns a copy of params with every secret field's value
// redacted. The input map is never modified.
func RedactParameters(params map[string]string) map[string]string {
	if params == nil {
		return nil
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		if IsSecretField(k) {
			out[k] = RedactValue(v)
		} else {
			out[k] = v
		}
	}
	return out
}
