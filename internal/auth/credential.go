package auth

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/isometry/ad-sso-gateway/internal/secret"
)

// MaxUsernameLength bounds the accepted username in bytes.
const MaxUsernameLength = 256

// Credential is a username and password pair presented for a single
// authentication attempt.
type Credential struct {
	Username string
	Password secret.String
}

// NormalizeUsername trims name and, when stripDomain is set, reduces the
// down-level (DOMAIN\user) and UPN (user@domain) forms to the bare account
// name.
func NormalizeUsername(name string, stripDomain bool) string {
	name = strings.TrimSpace(name)
	if !stripDomain {
		return name
	}
	if i := strings.LastIndexByte(name, '\\'); i >= 0 {
		return name[i+1:]
	}
	if i := strings.IndexByte(name, '@'); i >= 0 {
		return name[:i]
	}
	return name
}

// inputError is a rejected input. It matches ErrInvalidInput.
type inputError struct {
	reason string
	msg    string
}

func (e *inputError) Error() string {
	return ErrInvalidInput.Error() + ": " + e.msg
}

func (e *inputError) Is(target error) bool {
	return target == ErrInvalidInput
}

// validateUsername checks a normalised username.
func validateUsername(name string) error {
	switch {
	case name == "":
		return &inputError{reason: "empty_username", msg: "username is required"}
	case len(name) > MaxUsernameLength:
		return &inputError{reason: "username_too_long", msg: fmt.Sprintf("username exceeds %d bytes", MaxUsernameLength)}
	case strings.IndexFunc(name, unicode.IsControl) >= 0:
		return &inputError{reason: "malformed_username", msg: "username contains control characters"}
	}
	return nil
}

func inputReason(err error) string {
	var ie *inputError
	if errors.As(err, &ie) {
		return ie.reason
	}
	return "invalid_input"
}
