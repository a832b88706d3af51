package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ad-sso-gateway/internal/auth"
	"github.com/isometry/ad-sso-gateway/internal/ldap"
	"github.com/isometry/ad-sso-gateway/internal/ldaptest"
	"github.com/isometry/ad-sso-gateway/internal/logging"
	"github.com/isometry/ad-sso-gateway/internal/metrics"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

const testRetryAfter = 7 * time.Second

// gateway is a router wired to a fixture directory.
type gateway struct {
	srv     *ldaptest.Server
	client  ldap.Client
	metrics *metrics.Metrics
	logs    *syncBuffer
	router  *gin.Engine
}

type gatewayOption func(*Deps, *Options)

func withLookup(l UserLookup) gatewayOption {
	return func(d *Deps, _ *Options) { d.Lookup = l }
}

func withDirectory(dir Directory) gatewayOption {
	return func(d *Deps, _ *Options) { d.Directory = dir }
}

func withOptions(fn func(*Options)) gatewayOption {
	return func(_ *Deps, o *Options) { fn(o) }
}

func newGateway(t *testing.T, opts ...gatewayOption) *gateway {
	t.Helper()

	srv := ldaptest.NewServer(t)
	logs := &syncBuffer{}
	logger := logging.New(logging.Options{Level: "trace", Output: logs})

	cfg := ldap.DefaultConfig()
	cfg.LDAPURLs = []string{srv.URL()}
	cfg.BaseDN = ldaptest.BaseDN
	cfg.Username = ldaptest.ServiceDN
	cfg.Password = ldaptest.ServicePassword
	cfg.UseTLS = false
	cfg.ConnectTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	cfg.HealthCheck = 0
	cfg.MaxRetries = 0

	client, err := ldap.NewClient(logging.WithLogger(context.Background(), logger), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = client.Close()
	})

	m := metrics.New()
	svcConfig := auth.Config{
		StripDomain:    true,
		RejectDisabled: true,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
		RetryAfter:     testRetryAfter,
	}

	deps := Deps{
		Auth:      auth.NewService(client, svcConfig, auth.WithRecorder(m)),
		Lookup:    auth.NewLookup(client, svcConfig, auth.WithRecorder(m)),
		Directory: client,
		Logger:    logger,
		Recorder:  m,
		Gatherer:  m.Registry(),
	}
	options := Options{
		Realm:       "Example SSO",
		RetryAfter:  testRetryAfter,
		MetricsPath: "/metrics",
	}
	for _, opt := range opts {
		opt(&deps, &options)
	}

	router, err := NewRouter(deps, options)
	require.NoError(t, err)

	return &gateway{srv: srv, client: client, metrics: m, logs: logs, router: router}
}

func (g *gateway) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	g.router.ServeHTTP(w, req)
	return w
}

func (g *gateway) loginJSON(username, password string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return g.do(req)
}

func (g *gateway) loginForm(username, password string) *httptest.ResponseRecorder {
	form := url.Values{"username": {username}, "password": {password}}
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return g.do(req)
}

func (g *gateway) getUser(path, username, password string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/user/"+path, nil)
	if username != "" || password != "" {
		req.SetBasicAuth(username, password)
	}
	return g.do(req)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

// stubLookup returns a fixed answer.
type stubLookup struct {
	user *ldap.UserRecord
	err  error
}

func (s stubLookup) LookupUser(context.Context, string) (*ldap.UserRecord, error) {
	return s.user, s.err
}

type panicLookup struct{}

func (panicLookup) LookupUser(context.Context, string) (*ldap.UserRecord, error) {
	panic("lookup exploded")
}

type stubDirectory struct {
	err   error
	stats ldap.ClientStats
}

func (s stubDirectory) Ping(context.Context) error { return s.err }

func (s stubDirectory) Stats() ldap.ClientStats { return s.stats }
