package auth

import (
	"context"
	"errors"
	"time"

	"github.com/isometry/ad-sso-gateway/internal/ldap"
	"github.com/isometry/ad-sso-gateway/internal/logging"
)

type directoryOp func(ctx context.Context, opts ...ldap.OperationOption) error

// withRetry runs op under its own timeout. A protocol failure is retried
// exactly once on a freshly dialed connection.
func withRetry(ctx context.Context, timeout time.Duration, op directoryOp) error {
	err := runAttempt(ctx, timeout, op)
	if !retryable(ctx, err) {
		return err
	}

	logging.Subsystem(ctx, logging.SubsystemAuth).Debug("retrying directory operation on a fresh connection",
		"error", err.Error())
	return runAttempt(ctx, timeout, op, ldap.WithFreshConnection())
}

func runAttempt(ctx context.Context, timeout time.Duration, op directoryOp, opts ...ldap.OperationOption) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(ctx, opts...)
}

// retryable reports whether err is a transient protocol error a new
// connection might cure. A saturated or closed pool is not, and neither is a
// request the directory rejected outright.
func retryable(ctx context.Context, err error) bool {
	switch {
	case err == nil, ctx.Err() != nil:
		return false
	case errors.Is(err, ldap.ErrPoolExhausted), errors.Is(err, ldap.ErrPoolClosed):
		return false
	}
	return errors.Is(err, ldap.ErrProtocol) && ldap.IsRetryableError(err)
}

// opResult labels a directory round trip for metrics.
func opResult(err error) string {
	if err == nil {
		return "success"
	}
	return string(ldap.GetErrorCategory(err))
}

// unavailableReason names the cause of a DirectoryUnavailable outcome.
func unavailableReason(err error) string {
	switch {
	case errors.Is(err, ldap.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, ldap.ErrPoolClosed):
		return "pool_closed"
	case errors.Is(err, ldap.ErrConnectTimeout):
		return "connect_timeout"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "protocol_error"
	}
}
