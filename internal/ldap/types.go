package ldap

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ConnectionConfig holds configuration for LDAP connections.
type ConnectionConfig struct {
	// Connection settings
	Domain         string        // Domain for SRV discovery
	LDAPURLs       []string      // Direct LDAP URLs (overrides domain)
	BaseDN         string        // Base DN for searches
	ConnectTimeout time.Duration // Bound on acquiring, dialing and binding a connection
	RequestTimeout time.Duration // Bound on a single bind or search round-trip

	// Service account settings
	Username       string // Service account (DN, UPN, or SAM format)
	Password       string // Password for simple bind authentication
	KerberosRealm  string // Kerberos realm for GSSAPI authentication
	KerberosKeytab string // Path to Kerberos keytab file
	KerberosConfig string // Path to Kerberos config file (krb5.conf)
	KerberosSPN    string // Explicit service principal, overrides ldap/<host>

	// TLS settings
	TLSConfig         *tls.Config // Custom TLS configuration
	UseTLS            bool        // StartTLS on ldap:// URLs
	SkipTLS           bool        // Skip TLS entirely (not recommended)
	TLSClientCertFile string      // Client certificate, enables EXTERNAL bind
	TLSClientKeyFile  string      // Client private key

	// Pool settings
	MaxConnections int           // Maximum connections in pool
	MaxIdleTime    time.Duration // Maximum idle time before connection cleanup
	HealthCheck    time.Duration // Health check interval, zero disables

	// Dial retry settings, bounded by ConnectTimeout
	MaxRetries     int           // Maximum retry attempts
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	BackoffFactor  float64       // Backoff multiplication factor

	// Directory schema
	UserFilter      string       // Filter template, {username} is replaced by the escaped username
	Attributes      AttributeMap // Attribute names projected into UserRecord
	ExtraAttributes []string     // Additional attributes copied into UserRecord.Attributes
}

// AttributeMap names the directory attributes a UserRecord is built from.
type AttributeMap struct {
	Username    string
	DisplayName string
	Department  string
	Email       string
	Groups      string
}

// DefaultAttributeMap returns the Active Directory attribute names.
func DefaultAttributeMap() AttributeMap {
	return AttributeMap{
		Username:    "sAMAccountName",
		DisplayName: "displayName",
		Department:  "department",
		Email:       "mail",
		Groups:      "memberOf",
	}
}

// DefaultUserFilter matches an account by its pre-Windows 2000 logon name.
const DefaultUserFilter = "(sAMAccountName={username})"

// DefaultConfig returns a secure default configuration.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 10 * time.Second,
		UseTLS:         true,
		MaxConnections: 10,
		MaxIdleTime:    5 * time.Minute,
		HealthCheck:    30 * time.Second,
		MaxRetries:     2,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		BackoffFactor:  2.0,
		UserFilter:     DefaultUserFilter,
		Attributes:     DefaultAttributeMap(),
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// withoutServiceAccount returns a copy of c that opens unauthenticated
// connections. The copy backs the pool used for end-user binds.
func (c *ConnectionConfig) withoutServiceAccount() *ConnectionConfig {
	cp := *c
	cp.Username = ""
	cp.Password = ""
	cp.KerberosRealm = ""
	cp.KerberosKeytab = ""
	cp.TLSClientCertFile = ""
	cp.TLSClientKeyFile = ""
	if c.TLSConfig != nil {
		cp.TLSConfig = c.TLSConfig.Clone()
		cp.TLSConfig.Certificates = nil
		cp.TLSConfig.GetClientCertificate = nil
	}
	return &cp
}

// PooledConnection represents a connection in the pool. It is owned by
// exactly one goroutine at a time: the pool while idle, the borrower while
// checked out.
type PooledConnection struct {
	id            int64
	conn          ldap.Client
	created       time.Time
	lastUsed      time.Time
	healthy       bool
	authenticated bool
	authTime      time.Time
	inUse         bool
	serverInfo    *ServerInfo
	pool          *connectionPool
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int
	Weight   int
	Source   string // "srv", "config", "fallback"
}

// ConnectionPool manages a bounded pool of LDAP connections.
type ConnectionPool interface {
	// Get retrieves a connection, reusing an idle one when possible.
	// It blocks up to ConnectTimeout when every slot is checked out.
	Get(ctx context.Context) (*PooledConnection, error)

	// GetNew retrieves a newly dialed connection, bypassing idle ones.
	GetNew(ctx context.Context) (*PooledConnection, error)

	// Release hands a connection back. Unhealthy connections are closed.
	Release(conn *PooledConnection, healthy bool)

	// Close closes all connections and shuts down the pool
	Close() error

	// Stats returns pool statistics
	Stats() PoolStats

	// HealthCheck verifies that a connection can be acquired and used
	HealthCheck(ctx context.Context) error
}

// PoolStats provides statistics about the connection pool.
type PoolStats struct {
	Name     string        // Pool name ("service" or "bind")
	Max      int           // Configured maximum connections
	Total    int64         // Open connections (active + idle)
	Active   int64         // Active (in-use) connections
	Idle     int           // Idle connections
	Created  int64         // Total connections created
	Errors   int64         // Total connection errors
	Waits    int64         // Acquisitions that had to wait for a slot
	Timeouts int64         // Acquisitions that gave up waiting
	Uptime   time.Duration // Pool uptime
}

// ClientStats groups the statistics of both pools behind a Client.
type ClientStats struct {
	Service PoolStats
	Bind    PoolStats
}

// Client provides the directory operations used by the gateway.
type Client interface {
	// Bind checks an end-user credential on a connection that is never
	// used for searches.
	Bind(ctx context.Context, dn, password string, opts ...OperationOption) error

	// Search runs a search as the service account.
	Search(ctx context.Context, req *SearchRequest, opts ...OperationOption) (*SearchResult, error)

	// FindUser resolves a username into a UserRecord as the service account.
	FindUser(ctx context.Context, username string, opts ...OperationOption) (*UserRecord, error)

	// Ping tests the service connection.
	Ping(ctx context.Context) error

	Stats() ClientStats
	Close() error
}

// OperationOption tunes a single Client call.
type OperationOption func(*operationOptions)

type operationOptions struct {
	fresh bool
}

// WithFreshConnection makes the operation run on a newly dialed connection.
func WithFreshConnection() OperationOption {
	return func(o *operationOptions) {
		o.fresh = true
	}
}

func applyOptions(opts []OperationOption) operationOptions {
	var o operationOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SearchRequest encapsulates LDAP search parameters.
type SearchRequest struct {
	BaseDN       string
	Scope        SearchScope
	Filter       string
	Attributes   []string
	SizeLimit    int
	TimeLimit    time.Duration
	DerefAliases DerefAliases
}

// SearchResult contains search results and metadata.
type SearchResult struct {
	Entries []*ldap.Entry
	Total   int
	HasMore bool
}

// SearchScope defines LDAP search scope.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

func (s SearchScope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return "unknown"
	}
}

// DerefAliases defines alias dereferencing behavior.
type DerefAliases int

const (
	NeverDerefAliases DerefAliases = iota
	DerefInSearching
	DerefFindingBaseObj
	DerefAlways
)

// AuthMethod defines authentication method types.
type AuthMethod int

const (
	AuthMethodNone       AuthMethod = iota // Unauthenticated connection
	AuthMethodSimpleBind                   // Username/password authentication
	AuthMethodKerberos                     // GSSAPI/Kerberos authentication
	AuthMethodExternal                     // External/certificate authentication
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodNone:
		return "none"
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	case AuthMethodExternal:
		return "external"
	default:
		return "unknown"
	}
}

// GetAuthMethod determines the service account authentication method.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	// Kerberos authentication takes precedence
	if c.KerberosRealm != "" && (c.KerberosKeytab != "" || c.Username != "") {
		return AuthMethodKerberos
	}

	if c.Username != "" && c.Password != "" {
		return AuthMethodSimpleBind
	}

	if c.TLSClientCertFile != "" && c.TLSClientKeyFile != "" {
		return AuthMethodExternal
	}

	if c.Username != "" {
		return AuthMethodSimpleBind
	}

	return AuthMethodNone
}

// HasAuthentication checks if any authentication method is configured.
func (c *ConnectionConfig) HasAuthentication() bool {
	return c.GetAuthMethod() != AuthMethodNone
}

// RetryableError indicates an error that can be retried.
type RetryableError interface {
	error
	IsRetryable() bool
}

// ConnectionError represents connection-related errors.
type ConnectionError struct {
	message   string
	retryable bool
	cause     error
}

func (e *ConnectionError) Error() string {
	if e.cause != nil {
		return e.message + ": " + e.cause.Error()
	}
	return e.message
}

func (e *ConnectionError) IsRetryable() bool {
	return e.retryable
}

func (e *ConnectionError) Unwrap() error {
	return e.cause
}

// NewConnectionError creates a new connection error.
func NewConnectionError(message string, retryable bool, cause error) *ConnectionError {
	return &ConnectionError{
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}
