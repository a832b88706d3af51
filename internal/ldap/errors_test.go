package ldap

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
)

func TestClassifyBindError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantCategory ErrorCategory
		wantReason   string
		wantRetry    bool
	}{
		{
			name:         "wrong password",
			err:          ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("80090308: LdapErr: DSID-0C09044E, comment: AcceptSecurityContext error, data 52e, v4563")),
			wantCategory: ErrorCategoryAuthentication,
			wantReason:   "invalid_password",
		},
		{
			name:         "locked account",
			err:          ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("AcceptSecurityContext error, data 775, v4563")),
			wantCategory: ErrorCategoryAuthentication,
			wantReason:   "account_locked",
		},
		{
			name:         "unknown sub-code",
			err:          ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("AcceptSecurityContext error, data 999, v4563")),
			wantCategory: ErrorCategoryAuthentication,
			wantReason:   "ad_999",
		},
		{
			name:         "plain directory without sub-code",
			err:          ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials")),
			wantCategory: ErrorCategoryAuthentication,
		},
		{
			name:         "empty password",
			err:          ldap.NewError(ldap.ErrorEmptyPassword, errors.New("empty password not allowed by the client")),
			wantCategory: ErrorCategoryAuthentication,
		},
		{
			name:         "server unavailable",
			err:          ldap.NewError(ldap.LDAPResultUnavailable, errors.New("shutting down")),
			wantCategory: ErrorCategoryProtocol,
			wantRetry:    true,
		},
		{
			name:         "network failure",
			err:          ldap.NewError(ldap.ErrorNetwork, errors.New("connection reset by peer")),
			wantCategory: ErrorCategoryProtocol,
			wantRetry:    true,
		},
		{
			name:         "deadline",
			err:          context.DeadlineExceeded,
			wantCategory: ErrorCategoryProtocol,
			wantRetry:    true,
		},
		{
			name:         "canceled",
			err:          context.Canceled,
			wantCategory: ErrorCategoryProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyBindError("CN=John Doe,DC=example,DC=com", tt.err)
			assert.Equal(t, tt.wantCategory, err.Category)
			assert.Equal(t, tt.wantReason, err.Reason)
			assert.Equal(t, tt.wantRetry, err.IsRetryable())
			assert.Equal(t, "bind", err.Operation)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	assert.Nil(t, classifyBindError("dn", nil))
}

func TestClassifySearchError(t *testing.T) {
	notFound := classifySearchError("OU=Gone,DC=example,DC=com", ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object")))
	assert.Equal(t, ErrorCategoryNotFound, notFound.Category)
	assert.ErrorIs(t, notFound, ErrNotFound)
	assert.False(t, notFound.IsRetryable())

	filter := classifySearchError("DC=example,DC=com", ldap.NewError(ldap.LDAPResultFilterError, errors.New("bad filter")))
	assert.Equal(t, ErrorCategoryProtocol, filter.Category)
	assert.False(t, filter.IsRetryable())

	assert.Nil(t, classifySearchError("dn", nil))
}

func TestLDAPError_IsMatchesOneCategory(t *testing.T) {
	sentinels := []error{ErrInvalidCredentials, ErrNotFound, ErrProtocol}
	categories := map[ErrorCategory]error{
		ErrorCategoryAuthentication: ErrInvalidCredentials,
		ErrorCategoryNotFound:       ErrNotFound,
		ErrorCategoryProtocol:       ErrProtocol,
	}

	for category, want := range categories {
		t.Run(string(category), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &LDAPError{Operation: "search", Category: category})
			for _, s := range sentinels {
				assert.Equal(t, s == want, errors.Is(err, s), "errors.Is(%v)", s)
			}
			assert.Equal(t, category, GetErrorCategory(err))
		})
	}
}

func TestLDAPError_Error(t *testing.T) {
	err := &LDAPError{
		Operation: "bind",
		LDAPCode:  ldap.LDAPResultInvalidCredentials,
		Message:   "Invalid credentials",
		ServerMsg: "data 52e",
		DN:        "CN=John Doe,DC=example,DC=com",
	}
	assert.Equal(t, "LDAP bind failed (code 49) - Invalid credentials - server: data 52e - DN: CN=John Doe,DC=example,DC=com", err.Error())

	bare := &LDAPError{Operation: "search", Message: "operation timed out"}
	assert.Equal(t, "LDAP search failed - operation timed out", bare.Error())
}

func TestAmbiguousIsNotFound(t *testing.T) {
	assert.ErrorIs(t, ErrAmbiguous, ErrNotFound)
	assert.NotErrorIs(t, ErrNotFound, ErrAmbiguous)
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, IsRetryableError(nil))
	assert.True(t, IsRetryableError(NewConnectionError("dial failed", true, nil)))
	assert.False(t, IsRetryableError(NewConnectionError("bad config", false, nil)))
	assert.True(t, IsRetryableError(errors.New("read: connection reset")))
	assert.False(t, IsRetryableError(errors.New("invalid DN syntax")))
	assert.False(t, IsRetryableError(&LDAPError{Category: ErrorCategoryProtocol, Cause: ErrPoolClosed}))
}

func TestGetErrorCategoryUnclassified(t *testing.T) {
	assert.Equal(t, ErrorCategoryProtocol, GetErrorCategory(errors.New("boom")))
	assert.Empty(t, Reason(errors.New("boom")))
}
