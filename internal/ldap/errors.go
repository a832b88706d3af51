package ldap

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Sentinel errors for the outcomes a directory operation can have. Every
// error returned by Client matches exactly one of ErrInvalidCredentials,
// ErrNotFound or ErrProtocol under errors.Is; pool acquisition failures
// additionally match ErrPoolExhausted or ErrConnectTimeout.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotFound           = errors.New("entry not found")
	ErrAmbiguous          = fmt.Errorf("%w: more than one entry matched", ErrNotFound)
	ErrProtocol           = errors.New("directory protocol error")
	ErrPoolExhausted      = errors.New("connection pool exhausted")
	ErrConnectTimeout     = errors.New("connect timeout")
	ErrPoolClosed         = errors.New("connection pool is closed")
)

// ErrorCategory represents the outcome class of a failed directory operation.
type ErrorCategory string

const (
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryProtocol       ErrorCategory = "protocol"
)

// LDAPError provides enhanced error information for LDAP operations.
type LDAPError struct {
	Operation string        // The operation that failed
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // LDAP result code
	Reason    string        // Active Directory sub-reason, for logs only
	Message   string        // Human-readable message
	ServerMsg string        // Server-provided message
	DN        string        // DN involved in the operation (if applicable)
	Retryable bool          // Whether the error is retryable
	Cause     error         // Underlying error
}

func (e *LDAPError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Operation))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, fmt.Sprintf("server: %s", e.ServerMsg))
	}

	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) IsRetryable() bool {
	return e.Retryable
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// Is matches the category sentinel.
func (e *LDAPError) Is(target error) bool {
	switch target {
	case ErrInvalidCredentials:
		return e.Category == ErrorCategoryAuthentication
	case ErrNotFound:
		return e.Category == ErrorCategoryNotFound
	case ErrProtocol:
		return e.Category == ErrorCategoryProtocol
	}
	return false
}

// classifyBindError maps a bind failure into the authentication or protocol
// category. Anything the directory says about the end user's identity is an
// authentication failure; transport and server faults are protocol errors.
func classifyBindError(dn string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	e := newLDAPError("bind", err)
	e.DN = dn

	if e.LDAPCode != 0 {
		switch e.LDAPCode {
		case ldap.LDAPResultInvalidCredentials,
			ldap.LDAPResultInappropriateAuthentication,
			ldap.LDAPResultInsufficientAccessRights,
			ldap.LDAPResultUnwillingToPerform,
			ldap.LDAPResultNoSuchObject,
			ldap.LDAPResultConstraintViolation,
			ldap.ErrorEmptyPassword:
			e.Category = ErrorCategoryAuthentication
			e.Retryable = false
			e.Reason = adBindReason(e.ServerMsg)
		}
	}

	return e
}

// classifySearchError maps a search failure into the not-found or protocol
// category.
func classifySearchError(baseDN string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	e := newLDAPError("search", err)
	e.DN = baseDN

	if e.LDAPCode == ldap.LDAPResultNoSuchObject {
		e.Category = ErrorCategoryNotFound
		e.Retryable = false
	}

	return e
}

// newLDAPError builds a protocol-category error; callers refine the category.
func newLDAPError(operation string, err error) *LDAPError {
	ldapErr := &LDAPError{
		Operation: operation,
		Category:  ErrorCategoryProtocol,
		Cause:     err,
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		ldapErr.LDAPCode = resultErr.ResultCode
		if resultErr.Err != nil {
			ldapErr.ServerMsg = resultErr.Err.Error()
		}
		ldapErr.Retryable = isLDAPCodeRetryable(resultErr.ResultCode)
		ldapErr.Message = resultMessage(resultErr.ResultCode)
		return ldapErr
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ldapErr.Message = "operation timed out"
		ldapErr.Retryable = true
	case errors.Is(err, context.Canceled):
		ldapErr.Message = "operation canceled"
	default:
		ldapErr.Message = err.Error()
		ldapErr.Retryable = isGenericErrorRetryable(err)
	}

	return ldapErr
}

var adDataCode = regexp.MustCompile(`(?i)\bdata ([0-9a-f]{3,4})\b`)

// adBindReasons maps the "data NNN" sub-code Active Directory embeds in
// invalidCredentials diagnostics.
var adBindReasons = map[string]string{
	"525": "user_not_found",
	"52e": "invalid_password",
	"530": "logon_hours_restricted",
	"531": "workstation_restricted",
	"532": "password_expired",
	"533": "account_disabled",
	"568": "too_many_sids",
	"701": "account_expired",
	"773": "password_must_change",
	"775": "account_locked",
}

func adBindReason(serverMsg string) string {
	m := adDataCode.FindStringSubmatch(serverMsg)
	if m == nil {
		return ""
	}
	if reason, ok := adBindReasons[strings.ToLower(m[1])]; ok {
		return reason
	}
	return "ad_" + strings.ToLower(m[1])
}

// retryableCodes are result codes that describe a transient server or
// transport condition.
var retryableCodes = map[uint16]bool{
	ldap.LDAPResultBusy:              true,
	ldap.LDAPResultUnavailable:       true,
	ldap.LDAPResultServerDown:        true,
	ldap.LDAPResultTimeLimitExceeded: true,
	ldap.LDAPResultConnectError:      true,
	ldap.LDAPResultTimeout:           true,
	ldap.LDAPResultOther:             true,
	ldap.ErrorNetwork:                true,
}

func isLDAPCodeRetryable(code uint16) bool {
	return retryableCodes[code]
}

var transientPatterns = []string{
	"connection",
	"timeout",
	"timed out",
	"network",
	"broken pipe",
	"eof",
	"temporary failure",
}

// isGenericErrorRetryable guesses from the message of an error that carries
// no result code.
func isGenericErrorRetryable(err error) bool {
	msg := strings.ToLower(err.Error())
	return slices.ContainsFunc(transientPatterns, func(p string) bool {
		return strings.Contains(msg, p)
	})
}

// resultMessage names code using the go-ldap result code table.
func resultMessage(code uint16) string {
	if msg, ok := ldap.LDAPResultCodeMap[code]; ok {
		return msg
	}
	return fmt.Sprintf("unknown result code %d", code)
}

// IsRetryableError checks if an error is retryable.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var retryable RetryableError
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	return isGenericErrorRetryable(err)
}

// GetErrorCategory returns the category of an error, treating anything
// unclassified as a protocol error.
func GetErrorCategory(err error) ErrorCategory {
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Category
	}
	return ErrorCategoryProtocol
}

// Reason returns the Active Directory sub-reason carried by err, if any.
func Reason(err error) string {
	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Reason
	}
	return ""
}
