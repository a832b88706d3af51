package auth

import (
	"time"

	"github.com/isometry/ad-sso-gateway/internal/metrics"
)

const (
	defaultAttemptTimeout = 15 * time.Second
	defaultRetryAfter     = 5 * time.Second
)

// Config tunes the Authentication Service and the User Lookup Service.
type Config struct {
	// StripDomain reduces DOMAIN\user and user@domain to user.
	StripDomain bool

	// UserBindTemplate, when set, derives the bind identity from the
	// username instead of searching for it, e.g. "{username}@example.com"
	// or "uid={username},ou=people,dc=example,dc=com".
	UserBindTemplate string

	// RejectDisabled refuses accounts whose userAccountControl carries
	// ACCOUNTDISABLE. It applies to search mode only.
	RejectDisabled bool

	// ConnectTimeout and RequestTimeout add up to the bound of one attempt.
	ConnectTimeout time.Duration
	RequestTimeout time.Duration

	// RetryAfter is the hint returned with DirectoryUnavailable.
	RetryAfter time.Duration
}

func (c Config) attemptTimeout() time.Duration {
	if t := c.ConnectTimeout + c.RequestTimeout; t > 0 {
		return t
	}
	return defaultAttemptTimeout
}

func (c Config) retryAfter() time.Duration {
	if c.RetryAfter > 0 {
		return c.RetryAfter
	}
	return defaultRetryAfter
}

// Option configures a Service or Lookup.
type Option func(*options)

type options struct {
	recorder metrics.Recorder
}

// WithRecorder sets the metrics recorder. The default discards metrics.
func WithRecorder(r metrics.Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{recorder: metrics.NewNoopMetrics()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
