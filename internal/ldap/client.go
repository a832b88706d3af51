package ldap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/ad-sso-gateway/internal/logging"
)

// client implements the Client interface on top of two pools: service
// connections bound as the service account for searches, and unauthenticated
// connections that only ever carry end-user binds.
type client struct {
	ctx     context.Context // Logging context
	config  *ConnectionConfig
	service ConnectionPool
	bind    ConnectionPool
}

// ClientOption configures NewClient.
type ClientOption func(*clientOptions)

type clientOptions struct {
	poolOpts []PoolOption
	service  ConnectionPool
	bind     ConnectionPool
}

// WithPoolOptions applies opts to both pools.
func WithPoolOptions(opts ...PoolOption) ClientOption {
	return func(o *clientOptions) {
		o.poolOpts = append(o.poolOpts, opts...)
	}
}

// WithPools uses the given pools instead of building them. The client takes
// ownership and closes them on Close.
func WithPools(service, bind ConnectionPool) ClientOption {
	return func(o *clientOptions) {
		o.service = service
		o.bind = bind
	}
}

// NewClient creates a directory client for config.
func NewClient(ctx context.Context, config *ConnectionConfig, opts ...ClientOption) (Client, error) {
	if config == nil {
		config = DefaultConfig()
	}

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	subsystemDebug(ctx, logging.SubsystemLDAP, "Creating new LDAP client", map[string]any{
		"domain":          config.Domain,
		"ldap_urls_count": len(config.LDAPURLs),
		"auth_method":     config.GetAuthMethod().String(),
		"use_tls":         config.UseTLS,
		"max_connections": config.MaxConnections,
	})

	c := &client{ctx: ctx, config: config, service: o.service, bind: o.bind}

	var servers []*ServerInfo
	if c.service == nil {
		pool, err := newConnectionPool(ctx, config, append([]PoolOption{WithPoolName("service")}, o.poolOpts...)...)
		if err != nil {
			subsystemError(ctx, logging.SubsystemLDAP, "Failed to create connection pool", map[string]any{
				"pool":  "service",
				"error": err.Error(),
			})
			return nil, fmt.Errorf("failed to create service connection pool: %w", err)
		}
		c.service = pool
		servers = pool.servers
	}

	if c.bind == nil {
		bindOpts := []PoolOption{WithPoolName("bind")}
		if len(servers) > 0 {
			bindOpts = append(bindOpts, WithServers(servers...))
		}
		pool, err := newConnectionPool(ctx, config.withoutServiceAccount(), append(bindOpts, o.poolOpts...)...)
		if err != nil {
			_ = c.service.Close()
			subsystemError(ctx, logging.SubsystemLDAP, "Failed to create connection pool", map[string]any{
				"pool":  "bind",
				"error": err.Error(),
			})
			return nil, fmt.Errorf("failed to create bind connection pool: %w", err)
		}
		c.bind = pool
	}

	subsystemInfo(ctx, logging.SubsystemLDAP, "LDAP client created successfully", map[string]any{
		"duration_ms": time.Since(start).Milliseconds(),
		"pool_size":   config.MaxConnections,
		"auth_method": config.GetAuthMethod().String(),
	})

	return c, nil
}

// Bind checks dn/password on a bind-pool connection.
func (c *client) Bind(ctx context.Context, dn, password string, opts ...OperationOption) error {
	fields := map[string]any{"dn": dn}

	if dn == "" || password == "" {
		// An empty password is an unauthenticated bind, which directories accept.
		err := classifyBindError(dn, ldap.NewError(ldap.ErrorEmptyPassword, errors.New("empty DN or password")))
		LogLDAPError(ctx, logging.SubsystemLDAP, "bind", err, fields)
		return err
	}

	return LogOperation(ctx, logging.SubsystemLDAP, "bind", fields, func() error {
		err := c.withConn(ctx, c.bind, "bind", applyOptions(opts), func(conn ldap.Client) error {
			return conn.Bind(dn, password)
		}, func(err error) *LDAPError {
			return classifyBindError(dn, err)
		})
		if err != nil {
			LogLDAPError(ctx, logging.SubsystemLDAP, "bind", err, map[string]any{"dn": dn})
		}
		return err
	})
}

// Search runs req on a service-pool connection.
func (c *client) Search(ctx context.Context, req *SearchRequest, opts ...OperationOption) (*SearchResult, error) {
	if req == nil {
		return nil, newLDAPError("search", errors.New("search request cannot be nil"))
	}

	fields := map[string]any{
		"base_dn":    req.BaseDN,
		"scope":      req.Scope.String(),
		"filter":     req.Filter,
		"size_limit": req.SizeLimit,
	}

	ldapReq := ldap.NewSearchRequest(
		req.BaseDN,
		int(req.Scope),
		int(req.DerefAliases),
		req.SizeLimit,
		int(req.TimeLimit.Seconds()),
		false,
		req.Filter,
		req.Attributes,
		nil,
	)

	result := &SearchResult{}
	err := LogOperation(ctx, logging.SubsystemLDAP, "search", fields, func() error {
		return c.withConn(ctx, c.service, "search", applyOptions(opts), func(conn ldap.Client) error {
			res, err := conn.Search(ldapReq)
			if err != nil && ldap.IsErrorWithCode(err, ldap.LDAPResultSizeLimitExceeded) && res != nil && len(res.Entries) > 0 {
				result.HasMore = true
				err = nil
			}
			if err != nil {
				return err
			}
			result.Entries = res.Entries
			return nil
		}, func(err error) *LDAPError {
			return classifySearchError(req.BaseDN, err)
		})
	})
	if err != nil {
		LogLDAPError(ctx, logging.SubsystemLDAP, "search", err, fields)
		return nil, err
	}

	result.Total = len(result.Entries)
	if req.SizeLimit > 0 && result.Total >= req.SizeLimit {
		result.HasMore = true
	}
	return result, nil
}

// FindUser resolves username through the configured user filter.
func (c *client) FindUser(ctx context.Context, username string, opts ...OperationOption) (*UserRecord, error) {
	if username == "" {
		return nil, &LDAPError{Operation: "find_user", Category: ErrorCategoryNotFound, Message: "username cannot be empty"}
	}

	filter := c.config.UserFilter
	if filter == "" {
		filter = DefaultUserFilter
	}

	result, err := c.Search(ctx, &SearchRequest{
		BaseDN:     c.config.BaseDN,
		Scope:      ScopeWholeSubtree,
		Filter:     strings.ReplaceAll(filter, "{username}", ldap.EscapeFilter(username)),
		Attributes: userAttributes(c.config),
		SizeLimit:  2,
		TimeLimit:  c.config.RequestTimeout,
	}, opts...)
	if err != nil {
		return nil, err
	}

	switch len(result.Entries) {
	case 0:
		return nil, &LDAPError{
			Operation: "find_user",
			Category:  ErrorCategoryNotFound,
			Message:   "user not found",
			DN:        c.config.BaseDN,
			Cause:     ErrNotFound,
		}
	case 1:
		return newUserRecord(result.Entries[0], c.config), nil
	default:
		subsystemWarn(ctx, logging.SubsystemLDAP, "User filter matched more than one entry", map[string]any{
			"username": username,
			"entries":  len(result.Entries),
		})
		return nil, &LDAPError{
			Operation: "find_user",
			Category:  ErrorCategoryNotFound,
			Message:   "user filter is ambiguous",
			DN:        c.config.BaseDN,
			Cause:     ErrAmbiguous,
		}
	}
}

// Ping probes the root DSE over a service connection.
func (c *client) Ping(ctx context.Context) error {
	return c.withConn(ctx, c.service, "ping", operationOptions{}, func(conn ldap.Client) error {
		_, err := conn.Search(rootDSERequest())
		return err
	}, func(err error) *LDAPError {
		return newLDAPError("ping", err)
	})
}

func (c *client) Stats() ClientStats {
	return ClientStats{
		Service: c.service.Stats(),
		Bind:    c.bind.Stats(),
	}
}

// Close closes both pools.
func (c *client) Close() error {
	return errors.Join(c.service.Close(), c.bind.Close())
}

// withConn borrows a connection from pool, runs fn on it under ctx and
// releases it. Failures that say nothing about the connection keep it
// pooled; protocol failures and aborted requests discard it.
func (c *client) withConn(ctx context.Context, pool ConnectionPool, op string, o operationOptions,
	fn func(conn ldap.Client) error, classify func(error) *LDAPError,
) error {
	acquire := pool.Get
	if o.fresh {
		acquire = pool.GetNew
	}

	pc, err := acquire(ctx)
	if err != nil {
		return &LDAPError{
			Operation: op,
			Category:  ErrorCategoryProtocol,
			Message:   "no directory connection available",
			Retryable: !errors.Is(err, ErrPoolClosed),
			Cause:     err,
		}
	}

	conn := pc.Conn()
	err = runWithContext(ctx, conn, func() error {
		return fn(conn)
	})
	if err == nil {
		pc.Close()
		return nil
	}

	ldapErr := classify(err)
	if ldapErr.Category == ErrorCategoryProtocol || ctx.Err() != nil {
		pc.MarkUnhealthy()
		fields := map[string]any{
			"pool":      pc.pool.name,
			"conn_id":   pc.ID(),
			"operation": op,
		}
		if server := pc.ServerInfo(); server != nil {
			fields["server"] = server.Host
		}
		LogPoolEvent(ctx, "connection_discarded", fields)
	}
	pc.Close()
	return ldapErr
}

func rootDSERequest() *ldap.SearchRequest {
	return ldap.NewSearchRequest(
		"",
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		1, 0, false,
		"(objectClass=*)",
		[]string{"defaultNamingContext"},
		nil,
	)
}
