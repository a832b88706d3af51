package cmd

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/ad-sso-gateway/internal/config"
	"github.com/isometry/ad-sso-gateway/internal/ldaptest"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	root := NewRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		require.NoError(t, os.Unsetenv(k))
	}
}

func TestBindChangedFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addDirectoryFlags(fs)
	fs.String("addr", ":8080", "")
	fs.Bool("metrics", true, "")
	fs.String("unmapped", "", "")

	require.NoError(t, fs.Parse([]string{
		"--addr", ":9090",
		"--ldap-url", "ldap://dc1.example.com,ldaps://dc2.example.com",
		"--connect-timeout", "3s",
		"--start-tls=false",
		"--unmapped", "x",
	}))

	v := viper.New()
	bindChangedFlags(fs, v, serveFlagKeys)

	assert.Equal(t, ":9090", v.GetString("http.addr"))
	assert.Equal(t, []string{"ldap://dc1.example.com", "ldaps://dc2.example.com"}, v.GetStringSlice("ldap_url"))
	assert.Equal(t, "3s", v.GetString("pool.connect_timeout"))
	assert.False(t, v.GetBool("start_tls"))
	assert.False(t, v.IsSet("metrics.enabled"), "unset flags must not shadow the environment")
	assert.False(t, v.IsSet("unmapped"))
}

func TestCheck(t *testing.T) {
	srv := ldaptest.NewServer(t)
	t.Setenv("AD_LDAP_URL", srv.URL())
	t.Setenv("AD_BASE_DN", ldaptest.BaseDN)
	t.Setenv("AD_BIND_DN", ldaptest.ServiceDN)
	t.Setenv("AD_BIND_PASSWORD", ldaptest.ServicePassword)
	t.Setenv("AD_START_TLS", "true")
	t.Setenv("AD_POOL_HEALTH_CHECK_INTERVAL", "0s")

	// The fixture speaks plain LDAP only, so the flag must win over the
	// environment for the ping to succeed.
	stdout, stderr, err := run(t, "check",
		"--env-file", filepath.Join(t.TempDir(), "absent.env"),
		"--start-tls=false",
		"--log-level", "error",
	)
	require.NoError(t, err, stderr)
	assert.Contains(t, stdout, "configuration valid, directory reachable")
	assert.Contains(t, stdout, "pool service")
	assert.NotContains(t, stdout+stderr, ldaptest.ServicePassword)
}

func TestCheckConfigError(t *testing.T) {
	clearEnv(t, "AD_LDAP_URL", "AD_DOMAIN", "AD_BASE_DN", "AD_BIND_DN", "AD_BIND_PASSWORD")

	_, _, err := run(t, "check", "--env-file", filepath.Join(t.TempDir(), "absent.env"))
	require.Error(t, err)

	var cfgErr *config.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Contains(t, cfgErr.Problems, "base_dn is required")
}

func TestCheckUnreachableDirectory(t *testing.T) {
	t.Setenv("AD_BASE_DN", ldaptest.BaseDN)
	t.Setenv("AD_BIND_DN", ldaptest.ServiceDN)
	t.Setenv("AD_BIND_PASSWORD", ldaptest.ServicePassword)
	t.Setenv("AD_POOL_HEALTH_CHECK_INTERVAL", "0s")

	_, _, err := run(t, "check",
		"--env-file", filepath.Join(t.TempDir(), "absent.env"),
		"--ldap-url", ldaptest.NewHangingServer(t),
		"--start-tls=false",
		"--connect-timeout", "100ms",
		"--request-timeout", "100ms",
		"--log-level", "error",
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory unreachable")
	assert.NotContains(t, err.Error(), ldaptest.ServicePassword)
}

func TestVersion(t *testing.T) {
	stdout, _, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "ad-sso-gateway version dev")

	stdout, _, err = run(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "ad-sso-gateway dev\n", stdout)
}
