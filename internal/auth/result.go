package auth

import "time"

// Outcome is the result class of an authentication attempt.
type Outcome int

const (
	OutcomeAuthenticated Outcome = iota + 1
	OutcomeInvalidInput
	OutcomeInvalidCredentials
	OutcomeDirectoryUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAuthenticated:
		return "authenticated"
	case OutcomeInvalidInput:
		return "invalid_input"
	case OutcomeInvalidCredentials:
		return "invalid_credentials"
	case OutcomeDirectoryUnavailable:
		return "directory_unavailable"
	default:
		return "unknown"
	}
}

// Identity is an authenticated principal.
type Identity struct {
	Username string
	DN       string
}

// Result is the immutable outcome of Authenticate. The zero value is not a
// valid result.
type Result struct {
	outcome    Outcome
	identity   Identity
	retryAfter time.Duration
	reason     string
}

func authenticated(id Identity) Result {
	return Result{outcome: OutcomeAuthenticated, identity: id}
}

func invalidInput(reason string) Result {
	return Result{outcome: OutcomeInvalidInput, reason: reason}
}

func invalidCredentials(reason string) Result {
	return Result{outcome: OutcomeInvalidCredentials, reason: reason}
}

func directoryUnavailable(retryAfter time.Duration, reason string) Result {
	return Result{outcome: OutcomeDirectoryUnavailable, retryAfter: retryAfter, reason: reason}
}

// Outcome returns the result class.
func (r Result) Outcome() Outcome {
	return r.outcome
}

// Authenticated reports whether the credential was accepted.
func (r Result) Authenticated() bool {
	return r.outcome == OutcomeAuthenticated
}

// Rejected reports whether the credential was refused, either because it
// was malformed or because the directory did not accept it.
func (r Result) Rejected() bool {
	return r.outcome == OutcomeInvalidInput || r.outcome == OutcomeInvalidCredentials
}

// Identity returns the principal of an authenticated result.
func (r Result) Identity() (Identity, bool) {
	return r.identity, r.Authenticated()
}

// RetryAfter is the back-off hint of a DirectoryUnavailable result.
func (r Result) RetryAfter() time.Duration {
	return r.retryAfter
}

// Reason is a short machine-readable detail for logs. It must not be shown
// to clients.
func (r Result) Reason() string {
	return r.reason
}
