// Package logging builds the process logger and the field helpers shared by
// every subsystem. Loggers are carried in context.Context so that request
// scoped fields (request ID, remote address) follow an operation down into
// the directory layer.
package logging

import (
	"context"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// Subsystem names used with Named.
const (
	SubsystemLDAP     = "ldap"
	SubsystemPool     = "pool"
	SubsystemKerberos = "kerberos"
	SubsystemAuth     = "auth"
	SubsystemAudit    = "audit"
	SubsystemHTTP     = "http"
)

// Options configures New.
type Options struct {
	Name   string
	Level  string
	JSON   bool
	Output io.Writer
}

// New creates the root logger.
func New(opts Options) hclog.Logger {
	name := opts.Name
	if name == "" {
		name = "ad-sso-gateway"
	}

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	level := hclog.LevelFromString(opts.Level)
	if level == hclog.NoLevel {
		level = hclog.Info
	}

	return hclog.New(&hclog.LoggerOptions{
		Name:       name,
		Level:      level,
		JSONFormat: opts.JSON,
		Output:     output,
	})
}

// WithLogger returns a context carrying logger.
func WithLogger(ctx context.Context, logger hclog.Logger) context.Context {
	return hclog.WithContext(ctx, logger)
}

// FromContext returns the logger carried by ctx, or the hclog default logger.
func FromContext(ctx context.Context) hclog.Logger {
	return hclog.FromContext(ctx)
}

// Subsystem returns the named child of the logger carried by ctx.
func Subsystem(ctx context.Context, name string) hclog.Logger {
	return hclog.FromContext(ctx).Named(name)
}

// Args converts a field map into sorted hclog key/value pairs after
// redacting sensitive fields.
func Args(fields map[string]any) []any {
	if len(fields) == 0 {
		return nil
	}

	sanitized := SanitizeFields(fields)
	keys := make([]string, 0, len(sanitized))
	for k := range sanitized {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	args := make([]any, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, k, sanitized[k])
	}
	return args
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"bind_password": true,
	"secret":        true,
	"token":         true,
	"key":           true,
	"private_key":   true,
	"credential":    true,
	"credentials":   true,
	"authorization": true,
}

var sensitivePatterns = []string{
	"password=",
	"passwd=",
	"secret=",
	"token=",
	"key=",
}

// SanitizeFields returns a copy of fields with sensitive entries replaced by
// [REDACTED].
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))

	for k, v := range fields {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
			continue
		}
		if str, ok := v.(string); ok && containsSensitivePattern(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}

	return sanitized
}

func containsSensitivePattern(s string) bool {
	lower := strings.ToLower(s)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
