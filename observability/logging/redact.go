package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// clearKeys name attributes that never carry credentials.
var clearKeys = map[string]bool{
	"service": true,
	"env":     true,
	"error":   true,
	"reason":  true,
	"pool":    true,
	"order":   true,
	"asset":   true,
	"owner":   true,
	"caller":  true,
}

// MaskField builds a string attribute for key. Values under keys not known to
// be safe are replaced by RedactedValue; an empty value is kept so operators
// can still tell an unset secret from a set one.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || clearKeys[strings.ToLower(strings.TrimSpace(key))] {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
