package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/isometry/ad-sso-gateway/internal/logging"
)

// Connection pool limits.
const (
	// MaxConnectionPoolLimit is the maximum allowed connections in a pool.
	MaxConnectionPoolLimit = 100

	// maxAuthAge is how long a service bind is trusted before a reused
	// connection is bound again.
	maxAuthAge = 5 * time.Minute
)

// DialFunc opens a raw connection to server. The returned connection must
// already honour cfg.RequestTimeout.
type DialFunc func(ctx context.Context, server *ServerInfo, cfg *ConnectionConfig) (ldap.Client, error)

type externalBinder interface {
	ExternalBind() error
}

// PoolOption configures NewConnectionPool.
type PoolOption func(*connectionPool)

// WithDialer replaces the network dialer.
func WithDialer(dial DialFunc) PoolOption {
	return func(p *connectionPool) {
		p.dial = dial
	}
}

// WithPoolName sets the name reported in logs and statistics.
func WithPoolName(name string) PoolOption {
	return func(p *connectionPool) {
		p.name = name
	}
}

// WithServers skips discovery and uses servers as given.
func WithServers(servers ...*ServerInfo) PoolOption {
	return func(p *connectionPool) {
		p.servers = servers
	}
}

// connectionPool implements ConnectionPool.
//
// Capacity is enforced by slots: a goroutine must put a token into slots
// before it may hold a connection and removes it on Release. Idle
// connections live in the idle channel, so handing one over is a channel
// receive and no two goroutines can observe the same connection as free.
// A connection is dialed only while its slot is held and only when no idle
// connection is left, so held slots plus idle connections bound the number
// of open connections by MaxConnections.
type connectionPool struct {
	ctx       context.Context // Logging context
	name      string
	config    *ConnectionConfig
	servers   []*ServerInfo
	dial      DialFunc
	discovery *SRVDiscovery

	slots chan struct{}
	idle  chan *PooledConnection
	done  chan struct{}

	mu     sync.RWMutex
	closed bool

	// Statistics
	activeConns   int64
	openConns     int64
	totalCreated  int64
	totalErrors   int64
	totalWaits    int64
	totalTimeouts int64
	startTime     time.Time

	// Health checking
	healthTicker *time.Ticker
	healthWg     sync.WaitGroup
}

// NewConnectionPool creates a new connection pool.
func NewConnectionPool(ctx context.Context, config *ConnectionConfig, opts ...PoolOption) (ConnectionPool, error) {
	return newConnectionPool(ctx, config, opts...)
}

func newConnectionPool(ctx context.Context, config *ConnectionConfig, opts ...PoolOption) (*connectionPool, error) {
	start := time.Now()

	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	pool := &connectionPool{
		ctx:       ctx,
		name:      "service",
		config:    config,
		dial:      dialServer,
		discovery: NewSRVDiscovery(ctx),
		slots:     make(chan struct{}, config.MaxConnections),
		idle:      make(chan *PooledConnection, config.MaxConnections),
		done:      make(chan struct{}),
		startTime: time.Now(),
	}

	for _, opt := range opts {
		opt(pool)
	}

	if len(pool.servers) == 0 {
		if err := pool.discoverServers(); err != nil {
			return nil, fmt.Errorf("server discovery failed: %w", err)
		}
	}

	if config.HealthCheck > 0 {
		pool.startHealthChecker()
	}

	LogPoolEvent(ctx, "pool_initialized", map[string]any{
		"pool":            pool.name,
		"max_connections": config.MaxConnections,
		"server_count":    len(pool.servers),
		"auth_method":     config.GetAuthMethod().String(),
		"duration":        time.Since(start).String(),
	})
	return pool, nil
}

// discoverServers discovers available servers.
func (p *connectionPool) discoverServers() error {
	var servers []*ServerInfo

	switch {
	case len(p.config.LDAPURLs) > 0:
		subsystemDebug(p.ctx, logging.SubsystemLDAP, "Using configured LDAP URLs", map[string]any{
			"urls": p.config.LDAPURLs,
		})
		for _, url := range p.config.LDAPURLs {
			server, err := ParseLDAPURL(url)
			if err != nil {
				return fmt.Errorf("invalid LDAP URL %s: %w", url, err)
			}
			servers = append(servers, server)
		}
	case p.config.Domain != "":
		ctx, cancel := context.WithTimeout(context.Background(), p.config.ConnectTimeout)
		defer cancel()

		discovered, err := p.discovery.DiscoverServers(ctx, p.config.Domain)
		if err != nil {
			return fmt.Errorf("SRV discovery failed: %w", err)
		}
		servers = discovered
	default:
		return errors.New("either domain or LDAP URLs must be specified")
	}

	if len(servers) == 0 {
		return errors.New("no servers discovered")
	}

	p.servers = servers
	return nil
}

// Get retrieves a connection from the pool.
func (p *connectionPool) Get(ctx context.Context) (*PooledConnection, error) {
	return p.acquire(ctx, true)
}

// GetNew retrieves a newly dialed connection.
func (p *connectionPool) GetNew(ctx context.Context) (*PooledConnection, error) {
	return p.acquire(ctx, false)
}

func (p *connectionPool) acquire(ctx context.Context, reuse bool) (*PooledConnection, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.ConnectTimeout)
	defer cancel()

	if err := p.acquireSlot(ctx); err != nil {
		return nil, err
	}

	if reuse {
		if conn := p.takeIdle(ctx); conn != nil {
			return p.checkout(conn), nil
		}
	} else {
		p.evictIdle()
	}

	conn, err := p.createConnection(ctx)
	if err != nil {
		p.releaseSlot()
		return nil, err
	}
	return p.checkout(conn), nil
}

// acquireSlot reserves capacity for one connection, waiting until a slot is
// released, ctx expires or the pool closes.
func (p *connectionPool) acquireSlot(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	default:
	}

	atomic.AddInt64(&p.totalWaits, 1)
	LogPoolEvent(p.ctx, "pool_wait", map[string]any{
		"pool":   p.name,
		"active": atomic.LoadInt64(&p.activeConns),
	})

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-p.done:
		return ErrPoolClosed
	case <-ctx.Done():
		atomic.AddInt64(&p.totalTimeouts, 1)
		LogPoolEvent(p.ctx, "pool_exhausted", map[string]any{
			"pool":            p.name,
			"max_connections": p.config.MaxConnections,
			"waited":          p.config.ConnectTimeout.String(),
		})
		return fmt.Errorf("%w: no connection became available: %w", ErrPoolExhausted, ctx.Err())
	}
}

func (p *connectionPool) releaseSlot() {
	select {
	case <-p.slots:
	default:
	}
}

// takeIdle returns a usable idle connection, closing stale ones on the way,
// or nil when none is left.
func (p *connectionPool) takeIdle(ctx context.Context) *PooledConnection {
	for {
		select {
		case conn := <-p.idle:
			if !p.isConnectionHealthy(conn) {
				p.closeConnection(conn)
				continue
			}
			if p.config.HasAuthentication() && p.needsReAuthentication(conn) {
				if err := p.authenticateConnection(ctx, conn); err != nil {
					p.closeConnection(conn)
					continue
				}
			}
			LogPoolEvent(p.ctx, "connection_reused", map[string]any{"pool": p.name, "conn_id": conn.id})
			return conn
		default:
			return nil
		}
	}
}

// evictIdle closes one idle connection, if any, to make room for a fresh
// dial. Held slots plus idle connections never exceed MaxConnections.
func (p *connectionPool) evictIdle() {
	select {
	case conn := <-p.idle:
		LogPoolEvent(p.ctx, "connection_evicted", map[string]any{"pool": p.name, "conn_id": conn.id})
		p.closeConnection(conn)
	default:
	}
}

func (p *connectionPool) checkout(conn *PooledConnection) *PooledConnection {
	conn.inUse = true
	conn.lastUsed = time.Now()
	atomic.AddInt64(&p.activeConns, 1)
	return conn
}

// createConnection dials the known servers in priority order, retrying with
// backoff until ctx expires.
func (p *connectionPool) createConnection(ctx context.Context) (*PooledConnection, error) {
	var lastErr error
	backoff := p.config.InitialBackoff

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		for _, server := range p.servers {
			conn, err := p.createSingleConnection(ctx, server)
			if err != nil {
				lastErr = err
				atomic.AddInt64(&p.totalErrors, 1)
				LogPoolEvent(p.ctx, "connection_failed", map[string]any{
					"pool":    p.name,
					"server":  ServerInfoToURL(server),
					"attempt": attempt + 1,
					"error":   err.Error(),
				})
				if ctx.Err() != nil {
					return nil, fmt.Errorf("%w: %w", ErrConnectTimeout, lastErr)
				}
				continue
			}

			conn.id = atomic.AddInt64(&p.totalCreated, 1)
			atomic.AddInt64(&p.openConns, 1)
			LogConnectionEvent(p.ctx, "connection_established", map[string]any{
				"pool":    p.name,
				"server":  ServerInfoToURL(server),
				"conn_id": conn.id,
			})
			return conn, nil
		}

		if attempt < p.config.MaxRetries {
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", ErrConnectTimeout, lastErr)
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*p.config.BackoffFactor), p.config.MaxBackoff)
			}
		}
	}

	LogPoolEvent(p.ctx, "all_connections_failed", map[string]any{
		"pool":         p.name,
		"server_count": len(p.servers),
	})
	return nil, NewConnectionError("failed to create connection after retries", true, lastErr)
}

// createSingleConnection creates a connection to a specific server.
func (p *connectionPool) createSingleConnection(ctx context.Context, server *ServerInfo) (*PooledConnection, error) {
	conn, err := p.dial(ctx, server, p.config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", ServerInfoToURL(server), err)
	}

	now := time.Now()
	pooledConn := &PooledConnection{
		conn:       conn,
		created:    now,
		lastUsed:   now,
		healthy:    true,
		serverInfo: server,
		pool:       p,
	}

	if p.config.HasAuthentication() {
		if err := p.authenticateConnection(ctx, pooledConn); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to authenticate connection to %s: %w", ServerInfoToURL(server), err)
		}
	}

	return pooledConn, nil
}

// dialServer is the default DialFunc.
func dialServer(ctx context.Context, server *ServerInfo, cfg *ConnectionConfig) (ldap.Client, error) {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	opts := []ldap.DialOpt{ldap.DialWithDialer(dialer)}
	if server.UseTLS {
		opts = append(opts, ldap.DialWithTLSConfig(tlsConfigFor(cfg, server)))
	}

	conn, err := ldap.DialURL(ServerInfoToURL(server), opts...)
	if err != nil {
		return nil, err
	}

	conn.SetTimeout(cfg.RequestTimeout)

	if !server.UseTLS && cfg.UseTLS && !cfg.SkipTLS {
		if err := runWithContext(ctx, conn, func() error {
			return conn.StartTLS(tlsConfigFor(cfg, server))
		}); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("StartTLS failed: %w", err)
		}
	}

	return conn, nil
}

// tlsConfigFor returns the TLS configuration used against server.
func tlsConfigFor(cfg *ConnectionConfig, server *ServerInfo) *tls.Config {
	var tc *tls.Config
	if cfg.TLSConfig != nil {
		tc = cfg.TLSConfig.Clone()
	} else {
		tc = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if tc.ServerName == "" {
		tc.ServerName = server.Host
	}
	return tc
}

// authenticateConnection binds a pooled connection as the service account.
func (p *connectionPool) authenticateConnection(ctx context.Context, pooledConn *PooledConnection) error {
	if pooledConn == nil || pooledConn.conn == nil {
		return errors.New("connection is nil")
	}

	authMethod := p.config.GetAuthMethod()
	err := runWithContext(ctx, pooledConn.conn, func() error {
		switch authMethod {
		case AuthMethodSimpleBind:
			return pooledConn.conn.Bind(p.config.Username, p.config.Password)
		case AuthMethodKerberos:
			return performKerberosAuth(ctx, pooledConn.conn, p.config, pooledConn.serverInfo)
		case AuthMethodExternal:
			binder, ok := pooledConn.conn.(externalBinder)
			if !ok {
				return errors.New("connection does not support EXTERNAL bind")
			}
			return binder.ExternalBind()
		default:
			return fmt.Errorf("unsupported authentication method: %s", authMethod.String())
		}
	})

	if err != nil {
		pooledConn.authenticated = false
		pooledConn.authTime = time.Time{}
		LogConnectionEvent(p.ctx, "authentication_failed", map[string]any{
			"pool":        p.name,
			"auth_method": authMethod.String(),
			"error":       err.Error(),
		})
		return err
	}

	pooledConn.authenticated = true
	pooledConn.authTime = time.Now()
	return nil
}

// needsReAuthentication determines if a connection needs to be re-authenticated.
func (p *connectionPool) needsReAuthentication(conn *PooledConnection) bool {
	if conn == nil || !conn.authenticated {
		return true
	}
	return time.Since(conn.authTime) > maxAuthAge
}

// Release returns a connection to the pool.
func (p *connectionPool) Release(conn *PooledConnection, healthy bool) {
	if conn == nil || !conn.inUse {
		return
	}
	conn.inUse = false
	if !healthy {
		conn.healthy = false
	}

	atomic.AddInt64(&p.activeConns, -1)
	conn.lastUsed = time.Now()

	p.mu.RLock()
	if p.closed || !p.isConnectionHealthy(conn) {
		p.closeConnection(conn)
	} else {
		select {
		case p.idle <- conn:
		default:
			p.closeConnection(conn)
		}
	}
	p.mu.RUnlock()

	p.releaseSlot()
}

// isConnectionHealthy checks if a connection is healthy.
func (p *connectionPool) isConnectionHealthy(conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil || !conn.healthy {
		return false
	}

	if conn.conn.IsClosing() {
		return false
	}

	if time.Since(conn.lastUsed) > p.config.MaxIdleTime {
		return false
	}

	if p.config.HasAuthentication() && !conn.authenticated {
		return false
	}

	return true
}

// closeConnection closes a pooled connection.
func (p *connectionPool) closeConnection(conn *PooledConnection) {
	if conn == nil || conn.conn == nil {
		return
	}
	_ = conn.conn.Close()
	atomic.AddInt64(&p.openConns, -1)
	conn.conn = nil
	conn.healthy = false
	conn.authenticated = false
	conn.authTime = time.Time{}
	LogPoolEvent(p.ctx, "connection_closed", map[string]any{"pool": p.name, "conn_id": conn.id})
}

func (p *connectionPool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close closes all connections and shuts down the pool. Connections still
// checked out are closed when they are released.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	if p.healthTicker != nil {
		p.healthWg.Wait()
		p.healthTicker.Stop()
	}

	for {
		select {
		case conn := <-p.idle:
			p.closeConnection(conn)
		default:
			LogPoolEvent(p.ctx, "pool_closed", map[string]any{"pool": p.name})
			return nil
		}
	}
}

// Stats returns pool statistics.
func (p *connectionPool) Stats() PoolStats {
	return PoolStats{
		Name:     p.name,
		Max:      p.config.MaxConnections,
		Total:    atomic.LoadInt64(&p.openConns),
		Active:   atomic.LoadInt64(&p.activeConns),
		Idle:     len(p.idle),
		Created:  atomic.LoadInt64(&p.totalCreated),
		Errors:   atomic.LoadInt64(&p.totalErrors),
		Waits:    atomic.LoadInt64(&p.totalWaits),
		Timeouts: atomic.LoadInt64(&p.totalTimeouts),
		Uptime:   time.Since(p.startTime),
	}
}

// HealthCheck acquires a connection and probes it with a root DSE search.
func (p *connectionPool) HealthCheck(ctx context.Context) error {
	conn, err := p.Get(ctx)
	if err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.config.RequestTimeout)
	defer cancel()

	err = probe(probeCtx, conn.conn)
	p.Release(conn, err == nil)
	if err != nil {
		LogPoolEvent(p.ctx, "health_check_failed", map[string]any{"pool": p.name, "error": err.Error()})
	}
	return err
}

// startHealthChecker starts the periodic health checker.
func (p *connectionPool) startHealthChecker() {
	p.healthTicker = time.NewTicker(p.config.HealthCheck)

	p.healthWg.Go(func() {
		for {
			select {
			case <-p.healthTicker.C:
				p.performHealthCheck()
			case <-p.done:
				return
			}
		}
	})
}

// performHealthCheck probes every connection idle at the time of the call
// and closes those that fail or have outlived MaxIdleTime.
func (p *connectionPool) performHealthCheck() {
	for range len(p.idle) {
		// A connection under test holds a slot, so a concurrent Get that
		// finds the idle queue empty cannot dial past MaxConnections.
		select {
		case p.slots <- struct{}{}:
		default:
			return
		}

		var conn *PooledConnection
		select {
		case conn = <-p.idle:
		default:
			p.releaseSlot()
			return
		}

		if !p.isConnectionHealthy(conn) || !p.testConnection(conn) {
			p.closeConnection(conn)
			p.releaseSlot()
			continue
		}

		p.mu.RLock()
		if p.closed {
			p.closeConnection(conn)
		} else {
			select {
			case p.idle <- conn:
			default:
				p.closeConnection(conn)
			}
		}
		p.mu.RUnlock()
		p.releaseSlot()
	}
}

// testConnection tests if an idle connection still answers.
func (p *connectionPool) testConnection(conn *PooledConnection) bool {
	ctx, cancel := context.WithTimeout(p.ctx, p.config.RequestTimeout)
	defer cancel()

	if p.config.HasAuthentication() && p.needsReAuthentication(conn) {
		if err := p.authenticateConnection(ctx, conn); err != nil {
			return false
		}
	}

	if err := probe(ctx, conn.conn); err != nil {
		conn.authenticated = false
		conn.authTime = time.Time{}
		return false
	}

	return true
}

// probe performs a minimal root DSE search.
func probe(ctx context.Context, conn ldap.Client) error {
	return runWithContext(ctx, conn, func() error {
		_, err := conn.Search(rootDSERequest())
		return err
	})
}

// runWithContext runs op on conn and aborts it when ctx ends by closing
// the connection. After an abort the connection is unusable.
func runWithContext(ctx context.Context, conn ldap.Client, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- op()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = conn.Close()
		<-done
		return ctx.Err()
	}
}

// validateConfig validates the connection configuration.
func validateConfig(config *ConnectionConfig) error {
	if config.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	}

	if config.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	}

	if config.MaxIdleTime <= 0 {
		return errors.New("MaxIdleTime must be positive")
	}

	if config.ConnectTimeout <= 0 {
		return errors.New("ConnectTimeout must be positive")
	}

	if config.RequestTimeout <= 0 {
		return errors.New("RequestTimeout must be positive")
	}

	if config.MaxRetries < 0 {
		return errors.New("MaxRetries cannot be negative")
	}

	if config.BackoffFactor <= 1.0 {
		return errors.New("BackoffFactor must be greater than 1.0")
	}

	return nil
}

// Methods for PooledConnection.

// Close releases the connection back to its pool.
func (pc *PooledConnection) Close() {
	if pc.pool != nil {
		pc.pool.Release(pc, pc.healthy)
	}
}

// MarkUnhealthy flags the connection so that Release closes it.
func (pc *PooledConnection) MarkUnhealthy() {
	pc.healthy = false
}

func (pc *PooledConnection) Conn() ldap.Client {
	return pc.conn
}

func (pc *PooledConnection) ID() int64 {
	return pc.id
}

func (pc *PooledConnection) ServerInfo() *ServerInfo {
	return pc.serverInfo
}
