package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/appleboy/graceful"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"github.com/isometry/ad-sso-gateway/internal/auth"
	"github.com/isometry/ad-sso-gateway/internal/config"
	"github.com/isometry/ad-sso-gateway/internal/httpapi"
	"github.com/isometry/ad-sso-gateway/internal/ldap"
	"github.com/isometry/ad-sso-gateway/internal/logging"
	"github.com/isometry/ad-sso-gateway/internal/metrics"
	"github.com/isometry/ad-sso-gateway/internal/version"
)

var serveFlagKeys = mergeKeys(directoryFlagKeys, map[string]string{
	"addr":               "http.addr",
	"realm":              "http.realm",
	"rate-limit":         "http.rate_limit",
	"rate-limit-enabled": "http.rate_limit_enabled",
	"trusted-proxies":    "http.trusted_proxies",
	"metrics":            "metrics.enabled",
	"metrics-path":       "metrics.path",
})

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		Long: `Run the HTTP gateway. It serves:
  POST /api/auth/login       credential check (JSON or form body)
  GET  /api/user/:username   user record (HTTP Basic authentication)
  GET  /healthz, /readyz     liveness and directory readiness
  GET  /metrics              Prometheus metrics

SIGINT or SIGTERM drains in-flight requests before exiting.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	f := cmd.Flags()
	addDirectoryFlags(f)
	f.String("addr", ":8080", "Listen address")
	f.String("realm", "", "HTTP Basic realm")
	f.String("rate-limit", "", "Per-IP API rate, e.g. 10-M")
	f.Bool("rate-limit-enabled", true, "Rate limit the API routes")
	f.StringSlice("trusted-proxies", nil, "Proxies trusted for X-Forwarded-For")
	f.Bool("metrics", true, "Serve Prometheus metrics")
	f.String("metrics-path", "/metrics", "Path of the metrics endpoint")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, serveFlagKeys)
	if err != nil {
		return err
	}

	logger := newLogger(cfg, cmd)
	ctx := logging.WithLogger(context.Background(), logger)

	cc, err := cfg.ConnectionConfig()
	if err != nil {
		return err
	}
	client, err := ldap.NewClient(ctx, cc)
	if err != nil {
		return fmt.Errorf("creating directory client: %w", err)
	}

	recorder := metrics.Init(cfg.Metrics.Enabled)
	deps := httpapi.Deps{
		Directory: client,
		Logger:    logger,
		Recorder:  recorder,
	}
	if m, ok := recorder.(*metrics.Metrics); ok {
		m.MustRegister(metrics.NewPoolCollector(client.Stats))
		deps.Gatherer = m.Registry()
	}

	svcConfig := cfg.ServiceConfig()
	deps.Auth = auth.NewService(client, svcConfig, auth.WithRecorder(recorder))
	deps.Lookup = auth.NewLookup(client, svcConfig, auth.WithRecorder(recorder))

	gin.SetMode(gin.ReleaseMode)
	router, err := httpapi.NewRouter(deps, httpapi.Options{
		Realm:            cfg.HTTP.Realm,
		RateLimit:        cfg.HTTP.RateLimit,
		RateLimitEnabled: cfg.HTTP.RateLimitEnabled,
		TrustedProxies:   cfg.HTTP.TrustedProxies,
		MaxBodyBytes:     cfg.HTTP.MaxBodyBytes,
		MetricsPath:      cfg.Metrics.Path,
		RetryAfter:       cfg.Auth.RetryAfter,
		ReadyTimeout:     cfg.Pool.ConnectTimeout + cfg.Pool.RequestTimeout,
	})
	if err != nil {
		_ = client.Close()
		return err
	}

	ln, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("listening on %s: %w", cfg.HTTP.Addr, err)
	}

	srv := &http.Server{
		Handler:           router,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}

	pingDirectory(ctx, logger, client, cfg)
	logger.Info("gateway listening",
		"addr", ln.Addr().String(),
		"version", version.Short(),
		"metrics", cfg.Metrics.Enabled,
		"rate_limit", rateLimitSummary(cfg),
	)

	m := graceful.NewManager()
	addServerRunningJob(m, logger, srv, ln)
	addServerShutdownJob(m, logger, srv, cfg.HTTP.ShutdownTimeout)
	addDirectoryShutdownJob(m, logger, client)

	<-m.Done()
	return nil
}

// pingDirectory reports an unreachable directory at startup without
// refusing to start; /readyz keeps reporting it.
func pingDirectory(ctx context.Context, logger hclog.Logger, client ldap.Client, cfg *config.Config) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Pool.ConnectTimeout+cfg.Pool.RequestTimeout)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		logger.Warn("directory not reachable at startup", "error", err.Error())
		return
	}
	logger.Info("directory reachable")
}

func rateLimitSummary(cfg *config.Config) string {
	if !cfg.HTTP.RateLimitEnabled {
		return "disabled"
	}
	return cfg.HTTP.RateLimit
}

func addServerRunningJob(m *graceful.Manager, logger hclog.Logger, srv *http.Server, ln net.Listener) {
	m.AddRunningJob(func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Serve(ln)
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			logger.Error("server stopped", "error", err.Error())
			return err
		}
	})
}

func addServerShutdownJob(m *graceful.Manager, logger hclog.Logger, srv *http.Server, timeout time.Duration) {
	m.AddShutdownJob(func() error {
		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("server forced to shut down", "error", err.Error())
			return err
		}
		logger.Info("server exited")
		return nil
	})
}

func addDirectoryShutdownJob(m *graceful.Manager, logger hclog.Logger, client ldap.Client) {
	m.AddShutdownJob(func() error {
		if err := client.Close(); err != nil {
			logger.Error("closing directory client", "error", err.Error())
			return err
		}
		logger.Info("directory connections closed")
		return nil
	})
}
