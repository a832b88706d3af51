// Package config loads the gateway configuration from flags, the
// environment (AD_ prefix), an optional .env file and struct defaults, in
// that order of precedence.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/isometry/ad-sso-gateway/internal/auth"
	"github.com/isometry/ad-sso-gateway/internal/ldap"
	"github.com/isometry/ad-sso-gateway/internal/secret"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "AD"

// Config is the complete gateway configuration.
type Config struct {
	Directory DirectoryConfig `mapstructure:",squash"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Auth      AuthConfig      `mapstructure:"auth"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// DirectoryConfig locates the directory and the service account.
type DirectoryConfig struct {
	LDAPURLs     []string      `mapstructure:"ldap_url"`
	Domain       string        `mapstructure:"domain"`
	BaseDN       string        `mapstructure:"base_dn"`
	BindDN       string        `mapstructure:"bind_dn"`
	BindPassword secret.String `mapstructure:"bind_password"`

	KerberosRealm  string `mapstructure:"kerberos_realm"`
	KerberosKeytab string `mapstructure:"kerberos_keytab"`
	KerberosConfig string `mapstructure:"kerberos_config"`
	KerberosSPN    string `mapstructure:"kerberos_spn"`

	StartTLS           bool   `mapstructure:"start_tls" default:"true"`
	SkipTLS            bool   `mapstructure:"skip_tls"`
	InsecureSkipVerify bool   `mapstructure:"tls_insecure_skip_verify"`
	CAFile             string `mapstructure:"tls_ca_file"`
	ClientCertFile     string `mapstructure:"tls_client_cert"`
	ClientKeyFile      string `mapstructure:"tls_client_key"`
	TLSServerName      string `mapstructure:"tls_server_name"`

	UserFilter      string          `mapstructure:"user_filter" default:"(sAMAccountName={username})"`
	Attributes      AttributeConfig `mapstructure:"attributes"`
	ExtraAttributes []string        `mapstructure:"extra_attributes"`
}

// AttributeConfig names the attributes a user record is built from.
type AttributeConfig struct {
	Username    string `mapstructure:"username" default:"sAMAccountName"`
	DisplayName string `mapstructure:"display_name" default:"displayName"`
	Department  string `mapstructure:"department" default:"department"`
	Email       string `mapstructure:"email" default:"mail"`
	Groups      string `mapstructure:"groups" default:"memberOf"`
}

// PoolConfig bounds the connection pools.
type PoolConfig struct {
	MaxConnections int           `mapstructure:"max_connections" default:"10"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" default:"5s"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" default:"10s"`
	IdleTTL        time.Duration `mapstructure:"idle_ttl" default:"5m"`
	HealthCheck    time.Duration `mapstructure:"health_check_interval" default:"30s"`
	MaxRetries     int           `mapstructure:"max_retries" default:"2"`
}

// AuthConfig tunes credential handling.
type AuthConfig struct {
	StripDomain    bool          `mapstructure:"strip_domain" default:"true"`
	BindTemplate   string        `mapstructure:"bind_template"`
	RejectDisabled bool          `mapstructure:"reject_disabled" default:"true"`
	RetryAfter     time.Duration `mapstructure:"retry_after" default:"5s"`
}

// HTTPConfig configures the listener and the API surface.
type HTTPConfig struct {
	Addr             string        `mapstructure:"addr" default:":8080"`
	Realm            string        `mapstructure:"realm" default:"AD SSO Gateway"`
	RateLimit        string        `mapstructure:"rate_limit" default:"10-M"`
	RateLimitEnabled bool          `mapstructure:"rate_limit_enabled" default:"true"`
	TrustedProxies   []string      `mapstructure:"trusted_proxies"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes" default:"65536"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout" default:"10s"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" default:"60s"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" default:"15s"`
}

// LogConfig configures the root logger.
type LogConfig struct {
	Level string `mapstructure:"level" default:"info"`
	JSON  bool   `mapstructure:"json"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" default:"true"`
	Path    string `mapstructure:"path" default:"/metrics"`
}

// Load reads the configuration into a validated Config. envFiles default to
// ".env"; missing files are ignored and variables already present in the
// environment are never overridden by them.
func Load(v *viper.Viper, envFiles ...string) (*Config, error) {
	if err := loadEnvFiles(envFiles...); err != nil {
		return nil, err
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvs(v, reflect.TypeFor[Config](), ""); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadEnvFiles(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// bindEnvs registers every mapstructure key of t so that AutomaticEnv values
// reach Unmarshal.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) error {
	for i := range t.NumField() {
		f := t.Field(i)
		name, opts, _ := strings.Cut(f.Tag.Get("mapstructure"), ",")

		if opts == "squash" {
			if err := bindEnvs(v, f.Type, prefix); err != nil {
				return err
			}
			continue
		}

		key := prefix + name
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeFor[time.Duration]() {
			if err := bindEnvs(v, f.Type, key+"."); err != nil {
				return err
			}
			continue
		}
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("binding %s: %w", key, err)
		}
	}
	return nil
}

// ConnectionConfig derives the directory connection settings.
func (c *Config) ConnectionConfig() (*ldap.ConnectionConfig, error) {
	d, p := c.Directory, c.Pool

	tlsConfig, err := d.tlsConfig()
	if err != nil {
		return nil, err
	}

	cc := ldap.DefaultConfig()
	cc.Domain = d.Domain
	cc.LDAPURLs = d.LDAPURLs
	cc.BaseDN = d.BaseDN
	cc.Username = d.BindDN
	cc.Password = d.BindPassword.Reveal()
	cc.KerberosRealm = d.KerberosRealm
	cc.KerberosKeytab = d.KerberosKeytab
	cc.KerberosConfig = d.KerberosConfig
	cc.KerberosSPN = d.KerberosSPN
	cc.TLSConfig = tlsConfig
	cc.UseTLS = d.StartTLS
	cc.SkipTLS = d.SkipTLS
	cc.TLSClientCertFile = d.ClientCertFile
	cc.TLSClientKeyFile = d.ClientKeyFile
	cc.MaxConnections = p.MaxConnections
	cc.ConnectTimeout = p.ConnectTimeout
	cc.RequestTimeout = p.RequestTimeout
	cc.MaxIdleTime = p.IdleTTL
	cc.HealthCheck = p.HealthCheck
	cc.MaxRetries = p.MaxRetries
	cc.UserFilter = d.UserFilter
	cc.Attributes = ldap.AttributeMap{
		Username:    d.Attributes.Username,
		DisplayName: d.Attributes.DisplayName,
		Department:  d.Attributes.Department,
		Email:       d.Attributes.Email,
		Groups:      d.Attributes.Groups,
	}
	cc.ExtraAttributes = d.ExtraAttributes

	return cc, nil
}

func (d DirectoryConfig) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         d.TLSServerName,
		InsecureSkipVerify: d.InsecureSkipVerify, //nolint:gosec // operator opt-in
	}

	if d.CAFile != "" {
		pem, err := os.ReadFile(d.CAFile)
		if err != nil {
			return nil, fmt.Errorf("reading CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", d.CAFile)
		}
		cfg.RootCAs = pool
	}

	if d.ClientCertFile != "" || d.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(d.ClientCertFile, d.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// ServiceConfig derives the Authentication Service and User Lookup settings.
func (c *Config) ServiceConfig() auth.Config {
	return auth.Config{
		StripDomain:      c.Auth.StripDomain,
		UserBindTemplate: c.Auth.BindTemplate,
		RejectDisabled:   c.Auth.RejectDisabled,
		ConnectTimeout:   c.Pool.ConnectTimeout,
		RequestTimeout:   c.Pool.RequestTimeout,
		RetryAfter:       c.Auth.RetryAfter,
	}
}
