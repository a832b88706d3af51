package config

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/ulule/limiter/v3"

	adldap "github.com/isometry/ad-sso-gateway/internal/ldap"
)

const usernamePlaceholder = "{username}"

// ConfigError lists every problem found in a configuration.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

// Validate checks c and returns a *ConfigError describing all problems.
func (c *Config) Validate() error {
	e := &ConfigError{}

	c.Directory.validate(e)
	c.Pool.validate(e)

	if t := c.Auth.BindTemplate; t != "" && !strings.Contains(t, usernamePlaceholder) {
		e.add("auth.bind_template must contain %s", usernamePlaceholder)
	}
	if c.Auth.RetryAfter < 0 {
		e.add("auth.retry_after must not be negative")
	}

	if c.HTTP.Addr == "" {
		e.add("http.addr is required")
	}
	if c.HTTP.RateLimitEnabled {
		if _, err := limiter.NewRateFromFormatted(c.HTTP.RateLimit); err != nil {
			e.add("http.rate_limit %q is not a valid rate (e.g. 10-M): %v", c.HTTP.RateLimit, err)
		}
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		e.add("http.max_body_bytes must be positive")
	}

	if hclog.LevelFromString(c.Log.Level) == hclog.NoLevel {
		e.add("log.level %q is not one of trace, debug, info, warn, error", c.Log.Level)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		e.add("metrics.path must start with /")
	}

	if len(e.Problems) > 0 {
		return e
	}
	return nil
}

func (d *DirectoryConfig) validate(e *ConfigError) {
	if len(d.LDAPURLs) == 0 && d.Domain == "" {
		e.add("one of ldap_url or domain is required")
	}
	for _, u := range d.LDAPURLs {
		if _, err := adldap.ParseLDAPURL(u); err != nil {
			e.add("ldap_url %q: %v", u, err)
		}
	}

	if d.BaseDN == "" {
		e.add("base_dn is required")
	} else if _, err := ldap.ParseDN(d.BaseDN); err != nil {
		e.add("base_dn %q is not a valid DN: %v", d.BaseDN, err)
	}

	hasKeytab := d.KerberosRealm != "" && d.KerberosKeytab != ""
	switch {
	case d.BindDN == "":
		e.add("bind_dn is required")
	case d.BindPassword.IsEmpty() && !hasKeytab:
		e.add("bind_password or kerberos_realm with kerberos_keytab is required")
	}

	if (d.ClientCertFile == "") != (d.ClientKeyFile == "") {
		e.add("tls_client_cert and tls_client_key must be set together")
	}

	if !strings.Contains(d.UserFilter, usernamePlaceholder) {
		e.add("user_filter must contain %s", usernamePlaceholder)
	} else if _, err := ldap.CompileFilter(strings.ReplaceAll(d.UserFilter, usernamePlaceholder, "x")); err != nil {
		e.add("user_filter %q: %v", d.UserFilter, err)
	}
}

func (p *PoolConfig) validate(e *ConfigError) {
	switch {
	case p.MaxConnections <= 0:
		e.add("pool.max_connections must be positive")
	case p.MaxConnections > adldap.MaxConnectionPoolLimit:
		e.add("pool.max_connections must not exceed %d", adldap.MaxConnectionPoolLimit)
	}
	if p.ConnectTimeout <= 0 {
		e.add("pool.connect_timeout must be positive")
	}
	if p.RequestTimeout <= 0 {
		e.add("pool.request_timeout must be positive")
	}
	if p.IdleTTL <= 0 {
		e.add("pool.idle_ttl must be positive")
	}
	if p.HealthCheck < 0 {
		e.add("pool.health_check_interval must not be negative")
	}
	if p.MaxRetries < 0 {
		e.add("pool.max_retries must not be negative")
	}
}
