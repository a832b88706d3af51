package ldap

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"

	"github.com/isometry/ad-sso-gateway/internal/logging"
)

func subsystemLogger(ctx context.Context, subsystem string) hclog.Logger {
	return logging.Subsystem(ctx, subsystem)
}

func mergeFields(fields []map[string]any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	merged := make(map[string]any)
	for _, f := range fields {
		maps.Copy(merged, f)
	}
	return merged
}

func subsystemTrace(ctx context.Context, subsystem, msg string, fields ...map[string]any) {
	subsystemLogger(ctx, subsystem).Trace(msg, logging.Args(mergeFields(fields))...)
}

func subsystemDebug(ctx context.Context, subsystem, msg string, fields ...map[string]any) {
	subsystemLogger(ctx, subsystem).Debug(msg, logging.Args(mergeFields(fields))...)
}

func subsystemInfo(ctx context.Context, subsystem, msg string, fields ...map[string]any) {
	subsystemLogger(ctx, subsystem).Info(msg, logging.Args(mergeFields(fields))...)
}

func subsystemWarn(ctx context.Context, subsystem, msg string, fields ...map[string]any) {
	subsystemLogger(ctx, subsystem).Warn(msg, logging.Args(mergeFields(fields))...)
}

func subsystemError(ctx context.Context, subsystem, msg string, fields ...map[string]any) {
	subsystemLogger(ctx, subsystem).Error(msg, logging.Args(mergeFields(fields))...)
}

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	subsystemDebug(ctx, subsystem, "Starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		subsystemDebug(ctx, subsystem, "Operation failed", fields)
	} else {
		subsystemDebug(ctx, subsystem, "Operation completed successfully", fields)
	}

	return err
}

// LogLDAPError logs LDAP-specific error information. Authentication and
// not-found outcomes are expected traffic and log at debug; protocol
// failures log at error.
func LogLDAPError(ctx context.Context, subsystem string, operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["error"] = err.Error()

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		fields["ldap_result_code"] = resultErr.ResultCode
		if resultErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = resultErr.MatchedDN
		}
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		fields["category"] = string(ldapErr.Category)
		if ldapErr.Reason != "" {
			fields["reason"] = ldapErr.Reason
		}
	}

	if GetErrorCategory(err) == ErrorCategoryProtocol {
		subsystemError(ctx, subsystem, "LDAP operation failed", fields)
		return
	}
	subsystemDebug(ctx, subsystem, "LDAP operation rejected", fields)
}

// LogConnectionEvent logs connection-related events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "connection_established", "authentication_success":
		subsystemDebug(ctx, logging.SubsystemLDAP, "Connection event", fields)
	case "connection_failed", "authentication_failed", "connection_lost":
		subsystemWarn(ctx, logging.SubsystemLDAP, "Connection event", fields)
	default:
		subsystemTrace(ctx, logging.SubsystemLDAP, "Connection event", fields)
	}
}

// LogPoolEvent logs connection pool events.
func LogPoolEvent(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["event"] = event

	switch event {
	case "pool_initialized", "pool_closed":
		subsystemDebug(ctx, logging.SubsystemPool, "Pool event", fields)
	case "pool_exhausted", "connection_failed", "health_check_failed":
		subsystemWarn(ctx, logging.SubsystemPool, "Pool event", fields)
	case "all_connections_failed":
		subsystemError(ctx, logging.SubsystemPool, "Pool event", fields)
	default:
		subsystemTrace(ctx, logging.SubsystemPool, "Pool event", fields)
	}
}
