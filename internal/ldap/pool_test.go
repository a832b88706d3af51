package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.True(t, config.UseTLS, "default config should use TLS")
	assert.False(t, config.SkipTLS)
	require.NotNil(t, config.TLSConfig)
	assert.False(t, config.TLSConfig.InsecureSkipVerify)
	assert.Equal(t, uint16(tls.VersionTLS12), config.TLSConfig.MinVersion)
	assert.Equal(t, 10, config.MaxConnections)
	assert.Equal(t, 5*time.Second, config.ConnectTimeout)
	assert.Equal(t, 10*time.Second, config.RequestTimeout)
	assert.Equal(t, DefaultUserFilter, config.UserFilter)
	assert.Equal(t, "sAMAccountName", config.Attributes.Username)
}

func TestConnectionConfig_WithoutServiceAccount(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Username = "svc-gateway"
	cfg.Password = "ServicePass1"
	cfg.KerberosRealm = "EXAMPLE.COM"
	cfg.KerberosKeytab = "/etc/gateway.keytab"
	cfg.TLSClientCertFile = "/etc/gateway/client.crt"
	cfg.TLSClientKeyFile = "/etc/gateway/client.key"
	cfg.TLSConfig.ServerName = "dc1.example.com"
	cfg.TLSConfig.Certificates = []tls.Certificate{{Certificate: [][]byte{{0x30}}}}

	bind := cfg.withoutServiceAccount()

	assert.Equal(t, AuthMethodNone, bind.GetAuthMethod())
	assert.Empty(t, bind.Password)
	assert.Empty(t, bind.TLSConfig.Certificates)
	assert.Nil(t, bind.TLSConfig.GetClientCertificate)
	assert.Equal(t, "dc1.example.com", bind.TLSConfig.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS12), bind.TLSConfig.MinVersion)

	assert.NotSame(t, cfg.TLSConfig, bind.TLSConfig)
	assert.Len(t, cfg.TLSConfig.Certificates, 1, "service configuration keeps its client certificate")
	assert.Equal(t, AuthMethodKerberos, cfg.GetAuthMethod())
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ConnectionConfig)
		errMsg string
	}{
		{name: "valid config", mutate: func(*ConnectionConfig) {}},
		{name: "zero max connections", mutate: func(c *ConnectionConfig) { c.MaxConnections = 0 }, errMsg: "MaxConnections must be positive"},
		{name: "too many max connections", mutate: func(c *ConnectionConfig) { c.MaxConnections = 200 }, errMsg: "MaxConnections too high"},
		{name: "zero max idle time", mutate: func(c *ConnectionConfig) { c.MaxIdleTime = 0 }, errMsg: "MaxIdleTime"},
		{name: "zero connect timeout", mutate: func(c *ConnectionConfig) { c.ConnectTimeout = 0 }, errMsg: "ConnectTimeout"},
		{name: "negative request timeout", mutate: func(c *ConnectionConfig) { c.RequestTimeout = -time.Second }, errMsg: "RequestTimeout"},
		{name: "negative max retries", mutate: func(c *ConnectionConfig) { c.MaxRetries = -1 }, errMsg: "MaxRetries"},
		{name: "invalid backoff factor", mutate: func(c *ConnectionConfig) { c.BackoffFactor = 1.0 }, errMsg: "BackoffFactor"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := validateConfig(cfg)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConnectionPool_CreateWithURLs(t *testing.T) {
	cfg := testConfig()
	cfg.LDAPURLs = []string{"ldaps://dc1.example.com", "ldap://dc2.example.com:3268"}

	p, err := newConnectionPool(testContext(), cfg, WithDialer((&fakeDialer{}).dial))
	require.NoError(t, err)
	defer p.Close()

	require.Len(t, p.servers, 2)
	assert.Equal(t, "ldaps://dc1.example.com:636", ServerInfoToURL(p.servers[0]))
	assert.Equal(t, "ldap://dc2.example.com:3268", ServerInfoToURL(p.servers[1]))
}

func TestConnectionPool_CreateWithInvalidURL(t *testing.T) {
	cfg := testConfig()
	cfg.LDAPURLs = []string{"http://dc1.example.com"}

	_, err := NewConnectionPool(testContext(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func TestConnectionPool_CreateWithoutServers(t *testing.T) {
	_, err := NewConnectionPool(testContext(), testConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "either domain or LDAP URLs must be specified")
}

func TestConnectionPool_ReusesIdleConnection(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, testConfig(), d)
	ctx := testContext()

	first, err := p.Get(ctx)
	require.NoError(t, err)
	p.Release(first, true)

	second, err := p.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID(), second.ID())
	p.Release(second, true)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Created)
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, "service", stats.Name)
}

func TestConnectionPool_UnhealthyReleaseCloses(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, testConfig(), d)
	ctx := testContext()

	first, err := p.Get(ctx)
	require.NoError(t, err)
	p.Release(first, false)

	conns := d.all()
	require.Len(t, conns, 1)
	assert.True(t, conns[0].isClosed())
	assert.Equal(t, 0, p.Stats().Idle)

	second, err := p.Get(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID(), "closed connection must be replaced lazily by a new one")
	second.Close()
}

func TestConnectionPool_GetNewSkipsIdle(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, testConfig(), d)
	ctx := testContext()

	first, err := p.Get(ctx)
	require.NoError(t, err)
	p.Release(first, true)

	fresh, err := p.GetNew(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), fresh.ID())
	p.Release(fresh, true)

	assert.Equal(t, int64(2), d.dials.Load())
}

func TestConnectionPool_GetNewStaysWithinMaxConnections(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 2
	d := &fakeDialer{}
	p := newTestPool(t, cfg, d)
	ctx := testContext()

	a, err := p.Get(ctx)
	require.NoError(t, err)
	b, err := p.Get(ctx)
	require.NoError(t, err)
	p.Release(a, true)
	p.Release(b, true)
	require.Equal(t, 2, p.Stats().Idle)

	fresh1, err := p.GetNew(ctx)
	require.NoError(t, err)
	fresh2, err := p.GetNew(ctx)
	require.NoError(t, err)

	stats := p.Stats()
	assert.LessOrEqual(t, stats.Total, int64(cfg.MaxConnections))
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, int64(2), stats.Active)
	assert.Equal(t, int64(4), d.dials.Load())

	open := 0
	for _, c := range d.all() {
		if !c.isClosed() {
			open++
		}
	}
	assert.Equal(t, 2, open)

	p.Release(fresh1, true)
	p.Release(fresh2, true)
	assert.LessOrEqual(t, p.Stats().Total, int64(cfg.MaxConnections))
}

func TestConnectionPool_DoubleReleaseIsIgnored(t *testing.T) {
	p := newTestPool(t, testConfig(), &fakeDialer{})

	conn, err := p.Get(testContext())
	require.NoError(t, err)
	p.Release(conn, true)
	p.Release(conn, true)

	stats := p.Stats()
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, 1, stats.Idle)
}

func TestConnectionPool_BlocksAtCapacity(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 2
	cfg.ConnectTimeout = 5 * time.Second
	p := newTestPool(t, cfg, &fakeDialer{})
	ctx := testContext()

	a, err := p.Get(ctx)
	require.NoError(t, err)
	b, err := p.Get(ctx)
	require.NoError(t, err)

	got := make(chan *PooledConnection, 1)
	go func() {
		c, err := p.Get(ctx)
		if err == nil {
			got <- c
		}
		close(got)
	}()

	select {
	case <-got:
		t.Fatal("Get returned while every slot was held")
	case <-time.After(100 * time.Millisecond):
	}

	p.Release(a, true)

	select {
	case c, ok := <-got:
		require.True(t, ok, "waiting Get failed")
		assert.Equal(t, a.ID(), c.ID(), "waiter should receive the released connection")
		p.Release(c, true)
	case <-time.After(2 * time.Second):
		t.Fatal("waiting Get did not return after Release")
	}

	p.Release(b, true)
	assert.GreaterOrEqual(t, p.Stats().Waits, int64(1))
}

func TestConnectionPool_Exhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	cfg.ConnectTimeout = 100 * time.Millisecond
	p := newTestPool(t, cfg, &fakeDialer{})
	ctx := testContext()

	held, err := p.Get(ctx)
	require.NoError(t, err)
	defer p.Release(held, true)

	start := time.Now()
	_, err = p.Get(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int64(1), p.Stats().Timeouts)
}

func TestConnectionPool_ConcurrentHoldersNeverShare(t *testing.T) {
	const (
		maxConns = 3
		workers  = 24
	)

	cfg := testConfig()
	cfg.MaxConnections = maxConns
	cfg.ConnectTimeout = 10 * time.Second
	p := newTestPool(t, cfg, &fakeDialer{})
	ctx := testContext()

	var (
		mu        sync.Mutex
		holders   = make(map[*PooledConnection]bool)
		shared    atomic.Bool
		active    atomic.Int64
		maxActive atomic.Int64
		wg        sync.WaitGroup
	)

	for range workers {
		wg.Go(func() {
			conn, err := p.Get(ctx)
			if err != nil {
				t.Errorf("Get() error = %v", err)
				return
			}

			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}

			mu.Lock()
			if holders[conn] {
				shared.Store(true)
			}
			holders[conn] = true
			mu.Unlock()

			time.Sleep(5 * time.Millisecond)

			mu.Lock()
			delete(holders, conn)
			mu.Unlock()

			active.Add(-1)
			p.Release(conn, true)
		})
	}
	wg.Wait()

	assert.False(t, shared.Load(), "a connection was held by two goroutines")
	assert.LessOrEqual(t, maxActive.Load(), int64(maxConns))
	assert.LessOrEqual(t, p.Stats().Created, int64(maxConns))
}

func TestConnectionPool_DialTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond
	d := &fakeDialer{dialFn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	p := newTestPool(t, cfg, d)

	_, err := p.Get(testContext())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectTimeout)

	stats := p.Stats()
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, int64(1), stats.Errors)
}

func TestConnectionPool_ServiceBindTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectTimeout = 100 * time.Millisecond
	cfg.Username = "CN=svc,DC=example,DC=com"
	cfg.Password = "secret"
	d := &fakeDialer{newConn: func() *fakeConn {
		c := newFakeConn()
		c.block = true
		return c
	}}
	p := newTestPool(t, cfg, d)

	_, err := p.Get(testContext())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectTimeout)
	for _, c := range d.all() {
		assert.True(t, c.isClosed())
	}
}

func TestConnectionPool_ServiceBindFailure(t *testing.T) {
	cfg := testConfig()
	cfg.Username = "CN=svc,DC=example,DC=com"
	cfg.Password = "wrong"
	d := &fakeDialer{newConn: func() *fakeConn {
		c := newFakeConn()
		c.bindFn = func(string, string) error {
			return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password"))
		}
		return c
	}}
	p := newTestPool(t, cfg, d)

	_, err := p.Get(testContext())
	require.Error(t, err)

	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.IsRetryable())
	assert.NotContains(t, err.Error(), "wrong")
	assert.Equal(t, int64(0), p.Stats().Active)
}

func TestConnectionPool_ReauthenticatesStaleBind(t *testing.T) {
	cfg := testConfig()
	cfg.Username = "CN=svc,DC=example,DC=com"
	cfg.Password = "secret"
	d := &fakeDialer{}
	p := newTestPool(t, cfg, d)
	ctx := testContext()

	conn, err := p.Get(ctx)
	require.NoError(t, err)
	conn.authTime = time.Now().Add(-2 * maxAuthAge)
	p.Release(conn, true)

	again, err := p.Get(ctx)
	require.NoError(t, err)
	defer p.Release(again, true)

	assert.Equal(t, conn.ID(), again.ID())
	assert.Equal(t, int64(2), d.all()[0].binds.Load())
}

func TestConnectionPool_IdleExpiry(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIdleTime = 20 * time.Millisecond
	d := &fakeDialer{}
	p := newTestPool(t, cfg, d)
	ctx := testContext()

	first, err := p.Get(ctx)
	require.NoError(t, err)
	p.Release(first, true)

	time.Sleep(50 * time.Millisecond)

	second, err := p.Get(ctx)
	require.NoError(t, err)
	defer p.Release(second, true)

	assert.NotEqual(t, first.ID(), second.ID())
	assert.True(t, d.all()[0].isClosed())
}

func TestConnectionPool_HealthCheckerClosesBrokenIdle(t *testing.T) {
	cfg := testConfig()
	cfg.HealthCheck = 20 * time.Millisecond
	var fail atomic.Bool
	d := &fakeDialer{newConn: func() *fakeConn {
		c := newFakeConn()
		c.searchFn = func(*ldap.SearchRequest) (*ldap.SearchResult, error) {
			if fail.Load() {
				return nil, ldap.NewError(ldap.LDAPResultUnavailable, errors.New("unavailable"))
			}
			return &ldap.SearchResult{}, nil
		}
		return c
	}}
	p := newTestPool(t, cfg, d)

	conn, err := p.Get(testContext())
	require.NoError(t, err)
	p.Release(conn, true)

	fail.Store(true)
	assert.Eventually(t, func() bool {
		return d.all()[0].isClosed() && p.Stats().Idle == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConnectionPool_HealthCheck(t *testing.T) {
	p := newTestPool(t, testConfig(), &fakeDialer{})

	require.NoError(t, p.HealthCheck(testContext()))
	assert.Equal(t, 1, p.Stats().Idle)
}

func TestConnectionPool_Close(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, testConfig(), d)
	ctx := testContext()

	idle, err := p.Get(ctx)
	require.NoError(t, err)
	held, err := p.Get(ctx)
	require.NoError(t, err)
	p.Release(idle, true)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "second Close should be a no-op")

	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)

	p.Release(held, true)
	for _, c := range d.all() {
		assert.True(t, c.isClosed())
	}
	assert.Equal(t, int64(0), p.Stats().Total)
}

func TestConnectionPool_CloseWakesWaiters(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConnections = 1
	cfg.ConnectTimeout = 5 * time.Second
	p := newTestPool(t, cfg, &fakeDialer{})
	ctx := testContext()

	held, err := p.Get(ctx)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Get(ctx)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, p.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released by Close")
	}
	p.Release(held, true)
}

func TestPooledConnection_CloseReleases(t *testing.T) {
	p := newTestPool(t, testConfig(), &fakeDialer{})

	conn, err := p.Get(testContext())
	require.NoError(t, err)
	assert.Equal(t, testServer, conn.ServerInfo())

	conn.MarkUnhealthy()
	conn.Close()

	assert.Equal(t, 0, p.Stats().Idle)
	assert.Equal(t, int64(0), p.Stats().Active)
}

func TestRunWithContextAbortsByClosing(t *testing.T) {
	conn := newFakeConn()
	conn.block = true

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := runWithContext(ctx, conn, func() error {
		_, err := conn.Search(rootDSERequest())
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, conn.isClosed())
}

func TestTLSConfigFor(t *testing.T) {
	cfg := DefaultConfig()
	server := &ServerInfo{Host: "dc1.example.com", Port: 636, UseTLS: true}

	tc := tlsConfigFor(cfg, server)
	assert.Equal(t, "dc1.example.com", tc.ServerName)
	assert.Empty(t, cfg.TLSConfig.ServerName, "base TLS config must not be mutated")

	cfg.TLSConfig.ServerName = "ldap.example.com"
	assert.Equal(t, "ldap.example.com", tlsConfigFor(cfg, server).ServerName)

	cfg.TLSConfig = nil
	assert.Equal(t, uint16(tls.VersionTLS12), tlsConfigFor(cfg, server).MinVersion)
}

func TestConnectionError(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := NewConnectionError("failed to connect", true, cause)

	assert.Equal(t, "failed to connect: dial tcp: connection refused", err.Error())
	assert.True(t, err.IsRetryable())
	assert.ErrorIs(t, err, cause)
}

func BenchmarkConnectionPool_GetRelease(b *testing.B) {
	d := &fakeDialer{}
	p, err := newConnectionPool(testContext(), testConfig(), WithDialer(d.dial), WithServers(testServer))
	if err != nil {
		b.Fatal(err)
	}
	defer p.Close()

	ctx := testContext()
	for b.Loop() {
		conn, err := p.Get(ctx)
		if err != nil {
			b.Fatal(err)
		}
		p.Release(conn, true)
	}
}
