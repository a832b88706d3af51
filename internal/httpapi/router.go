// Package httpapi exposes the Authentication Service and the User Lookup
// Service over HTTP.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/isometry/ad-sso-gateway/internal/auth"
	"github.com/isometry/ad-sso-gateway/internal/ldap"
	"github.com/isometry/ad-sso-gateway/internal/metrics"
)

// Authenticator checks end-user credentials.
type Authenticator interface {
	Authenticate(ctx context.Context, cred auth.Credential) auth.Result
}

// UserLookup resolves usernames into directory records.
type UserLookup interface {
	LookupUser(ctx context.Context, username string) (*ldap.UserRecord, error)
}

// Directory is the part of the directory client the readiness probe needs.
type Directory interface {
	Ping(ctx context.Context) error
	Stats() ldap.ClientStats
}

// Deps are the collaborators of the router.
type Deps struct {
	Auth      Authenticator
	Lookup    UserLookup
	Directory Directory
	Logger    hclog.Logger

	// Recorder records HTTP metrics; nil disables them.
	Recorder metrics.Recorder

	// Gatherer, when set, is served on Options.MetricsPath.
	Gatherer prometheus.Gatherer
}

// Options shape the HTTP surface.
type Options struct {
	Realm            string
	RateLimit        string
	RateLimitEnabled bool
	TrustedProxies   []string
	MaxBodyBytes     int64
	MetricsPath      string
	RetryAfter       time.Duration
	ReadyTimeout     time.Duration
}

const (
	defaultRealm        = "AD SSO Gateway"
	defaultMaxBodyBytes = 64 << 10
	defaultRetryAfter   = 5 * time.Second
	defaultReadyTimeout = 5 * time.Second
)

func (o Options) withDefaults() Options {
	if o.Realm == "" {
		o.Realm = defaultRealm
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
	if o.MetricsPath == "" {
		o.MetricsPath = "/metrics"
	}
	if o.RetryAfter <= 0 {
		o.RetryAfter = defaultRetryAfter
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = defaultReadyTimeout
	}
	return o
}

// NewRouter builds the gin engine serving the gateway API.
func NewRouter(d Deps, o Options) (*gin.Engine, error) {
	o = o.withDefaults()
	if d.Logger == nil {
		d.Logger = hclog.NewNullLogger()
	}
	if d.Recorder == nil {
		d.Recorder = metrics.NewNoopMetrics()
	}

	r := gin.New()
	if err := r.SetTrustedProxies(o.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	r.Use(RequestID(d.Logger))
	r.Use(AccessLog())
	r.Use(HTTPMetrics(d.Recorder, o.MetricsPath))
	r.Use(Recovery())

	h := &handlers{
		auth:      d.Auth,
		lookup:    d.Lookup,
		directory: d.Directory,
		opts:      o,
	}

	r.GET("/healthz", h.healthz)
	r.GET("/readyz", h.readyz)
	if d.Gatherer != nil {
		r.GET(o.MetricsPath, gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api", BodyLimit(o.MaxBodyBytes))
	if o.RateLimitEnabled {
		limit, err := NewLoginRateLimiter(o.RateLimit)
		if err != nil {
			return nil, err
		}
		api.Use(limit)
	}
	api.POST("/auth/login", h.login)
	api.GET("/user/:username", h.user)

	r.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "not_found", "No such resource.")
	})

	return r, nil
}
