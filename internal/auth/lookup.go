package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/isometry/ad-sso-gateway/internal/ldap"
	"github.com/isometry/ad-sso-gateway/internal/logging"
	"github.com/isometry/ad-sso-gateway/internal/metrics"
)

// Lookup is the User Lookup Service.
type Lookup struct {
	client   ldap.Client
	config   Config
	recorder metrics.Recorder
}

// NewLookup creates a Lookup on top of client.
func NewLookup(client ldap.Client, config Config, opts ...Option) *Lookup {
	o := applyOptions(opts)
	return &Lookup{
		client:   client,
		config:   config,
		recorder: o.recorder,
	}
}

// LookupUser resolves username into its directory record. Errors match one
// of ErrInvalidInput, ErrNotFound or ErrDirectoryUnavailable.
func (l *Lookup) LookupUser(ctx context.Context, username string) (*ldap.UserRecord, error) {
	start := time.Now()
	name := NormalizeUsername(username, l.config.StripDomain)

	user, err := l.lookup(ctx, name)
	l.recorder.RecordLookup(lookupOutcome(err), time.Since(start))
	return user, err
}

func (l *Lookup) lookup(ctx context.Context, name string) (*ldap.UserRecord, error) {
	if err := validateUsername(name); err != nil {
		return nil, err
	}

	var user *ldap.UserRecord
	err := withRetry(ctx, l.config.attemptTimeout(), func(ctx context.Context, opts ...ldap.OperationOption) error {
		var err error
		user, err = l.client.FindUser(ctx, name, opts...)
		l.recorder.RecordDirectoryOp("find_user", opResult(err))
		return err
	})

	switch {
	case err == nil:
	case errors.Is(err, ldap.ErrNotFound):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	default:
		logging.Subsystem(ctx, logging.SubsystemAuth).Warn("directory unavailable during user lookup",
			"username", auditName(name),
			"error", err.Error(),
		)
		return nil, fmt.Errorf("%w: %w", ErrDirectoryUnavailable, err)
	}

	// The record is keyed by the name the caller asked for.
	if user.Username == "" || strings.EqualFold(user.Username, name) {
		user.Username = name
	}
	return user, nil
}

func lookupOutcome(err error) string {
	switch {
	case err == nil:
		return "found"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "directory_unavailable"
	}
}
