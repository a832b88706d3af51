// Package auth validates end-user credentials and resolves user records
// against the directory.
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
	"github.com/isometry/ad-sso-gateway/internal/secret"
)

const usernamePlaceholder = "{username}"

var errAccountDisabled = fmt.Errorf("%w: account disabled", ldap.ErrInvalidCredentials)

// Service is the Authentication Service. It is safe for concurrent use and
// keeps no state between calls.
type Service struct {
	client   ldap.Client
	config   Config
	recorder metrics.Recorder
}

// NewService creates a Service on top of client.
func NewService(client ldap.Client, config Config, opts ...Option) *Service {
	o := applyOptions(opts)
	return &Service{
		client:   client,
		config:   config,
		recorder: o.recorder,
	}
}

// Authenticate checks cred against the directory. Every call produces
// exactly one audit record; the password is never logged.
func (s *Service) Authenticate(ctx context.Context, cred Credential) Result {
	start := time.Now()
	username := NormalizeUsername(cred.Username, s.config.StripDomain)

	res := s.authenticate(ctx, username, cred.Password)

	elapsed := time.Since(start)
	s.recorder.RecordAuth(res.Outcome().String(), elapsed)
	logging.Subsystem(ctx, logging.SubsystemAudit).Info("authentication attempt",
		"username", auditName(username),
		"outcome", res.Outcome().String(),
		"reason", res.Reason(),
		"duration_ms", elapsed.Milliseconds(),
	)

	return res
}

func (s *Service) authenticate(ctx context.Context, username string, password secret.String) Result {
	if err := validateUsername(username); err != nil {
		return invalidInput(inputReason(err))
	}
	if password.IsEmpty() {
		return invalidInput("empty_password")
	}

	var id Identity
	err := withRetry(ctx, s.config.attemptTimeout(), func(ctx context.Context, opts ...ldap.OperationOption) error {
		dn, err := s.bindIdentity(ctx, username, opts)
		if err != nil {
			return err
		}

		err = s.client.Bind(ctx, dn, password.Reveal(), opts...)
		s.recorder.RecordDirectoryOp("bind", opResult(err))
		if err != nil {
			return err
		}

		id = Identity{Username: username, DN: dn}
		return nil
	})

	switch {
	case err == nil:
		return authenticated(id)
	case errors.Is(err, ldap.ErrInvalidCredentials), errors.Is(err, ldap.ErrNotFound):
		return invalidCredentials(rejectReason(err))
	}

	logging.Subsystem(ctx, logging.SubsystemAuth).Warn("directory unavailable during authentication",
		"username", auditName(username),
		"error", err.Error(),
	)
	return directoryUnavailable(s.config.retryAfter(), unavailableReason(err))
}

// bindIdentity derives the name to bind as: from the template when one is
// configured, otherwise by searching for the account as the service user.
func (s *Service) bindIdentity(ctx context.Context, username string, opts []ldap.OperationOption) (string, error) {
	if tmpl := s.config.UserBindTemplate; tmpl != "" {
		return expandBindTemplate(tmpl, username), nil
	}

	user, err := s.client.FindUser(ctx, username, opts...)
	s.recorder.RecordDirectoryOp("find_user", opResult(err))
	if err != nil {
		return "", err
	}
	if s.config.RejectDisabled && !user.Enabled {
		return "", errAccountDisabled
	}
	return user.DN, nil
}

// expandBindTemplate substitutes username into tmpl. DN templates get the
// value RDN-escaped; UPN templates take it verbatim.
func expandBindTemplate(tmpl, username string) string {
	value := username
	if strings.Contains(tmpl, "=") {
		value = ldap.EscapeDNValue(username)
	}
	return strings.ReplaceAll(tmpl, usernamePlaceholder, value)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, errAccountDisabled):
		return "account_disabled"
	case errors.Is(err, ldap.ErrAmbiguous):
		return "ambiguous_user"
	case errors.Is(err, ldap.ErrNotFound):
		return "user_not_found"
	}
	if reason := ldap.Reason(err); reason != "" {
		return reason
	}
	return "invalid_credentials"
}

// auditName bounds what an attacker-controlled username can put in a log
// line.
func auditName(username string) string {
	if len(username) > MaxUsernameLength {
		return username[:MaxUsernameLength] + "..."
	}
	return username
}
