//go:build integration

package ldaptest_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/isometry/ad-sso-gateway/internal/ldap"
	"github.com/isometry/ad-sso-gateway/internal/logging"
)

const (
	openldapImage = "osixia/openldap:1.5.0"
	adminDN       = "cn=admin,dc=example,dc=org"
	adminPassword = "admin"
)

func startOpenLDAP(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        openldapImage,
		ExposedPorts: []string{"389/tcp"},
		Env: map[string]string{
			"LDAP_ORGANISATION":   "Example",
			"LDAP_DOMAIN":         "example.org",
			"LDAP_ADMIN_PASSWORD": adminPassword,
			"LDAP_TLS":            "false",
		},
		WaitingFor: wait.ForLog("slapd starting").WithStartupTimeout(2 * time.Minute),
	}

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := c.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate container: %v", err)
		}
	})

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "389/tcp")
	require.NoError(t, err)

	return fmt.Sprintf("ldap://%s:%s", host, port.Port())
}

func TestOpenLDAP(t *testing.T) {
	url := startOpenLDAP(t)
	ctx := logging.WithLogger(context.Background(), hclog.NewNullLogger())

	cfg := ldap.DefaultConfig()
	cfg.LDAPURLs = []string{url}
	cfg.BaseDN = "dc=example,dc=org"
	cfg.Username = adminDN
	cfg.Password = adminPassword
	cfg.UseTLS = false
	cfg.HealthCheck = 0
	cfg.UserFilter = "(cn={username})"
	cfg.Attributes = ldap.AttributeMap{Username: "cn", DisplayName: "cn", Email: "mail"}

	client, err := ldap.NewClient(ctx, cfg)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool {
		return client.Ping(ctx) == nil
	}, 30*time.Second, 500*time.Millisecond)

	t.Run("bind", func(t *testing.T) {
		assert.NoError(t, client.Bind(ctx, adminDN, adminPassword))

		err := client.Bind(ctx, adminDN, "wrong")
		assert.ErrorIs(t, err, ldap.ErrInvalidCredentials)
	})

	t.Run("find user", func(t *testing.T) {
		user, err := client.FindUser(ctx, "admin")
		require.NoError(t, err)
		assert.Equal(t, adminDN, user.DN)
		assert.Equal(t, "admin", user.Username)
		assert.True(t, user.Enabled)

		_, err = client.FindUser(ctx, "nobody")
		assert.ErrorIs(t, err, ldap.ErrNotFound)
	})
}
