package ldap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"

	"github.com/isometry/ad-sso-gateway/internal/logging"
)

const defaultKrb5Conf = "/etc/krb5.conf"

type gssapiBinder interface {
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
}

// performKerberosAuth binds conn as the service account using GSSAPI.
func performKerberosAuth(ctx context.Context, conn ldap.Client, cfg *ConnectionConfig, serverInfo *ServerInfo) error {
	binder, ok := conn.(gssapiBinder)
	if !ok {
		return errors.New("connection does not support GSSAPI bind")
	}

	principal, realm, err := kerberosPrincipal(cfg)
	if err != nil {
		return fmt.Errorf("kerberos configuration error: %w", err)
	}

	gssapiClient, err := createGSSAPIClient(cfg, principal, realm)
	if err != nil {
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg, serverInfo)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	subsystemDebug(ctx, logging.SubsystemKerberos, "Performing GSSAPI bind", map[string]any{
		"principal": principal,
		"realm":     realm,
		"spn":       spn,
	})

	if err := binder.GSSAPIBind(gssapiClient, spn, ""); err != nil {
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	return nil
}

// kerberosPrincipal splits user@REALM when no realm is configured.
func kerberosPrincipal(cfg *ConnectionConfig) (string, string, error) {
	principal := cfg.Username
	realm := cfg.KerberosRealm

	if at := strings.LastIndex(principal, "@"); at != -1 {
		if realm == "" {
			realm = principal[at+1:]
		}
		principal = principal[:at]
	}

	if realm == "" {
		return "", "", errors.New("kerberos realm is required (set kerberos realm or include realm in username)")
	}

	if principal == "" {
		return "", "", errors.New("username (principal) is required for Kerberos authentication")
	}

	return principal, strings.ToUpper(realm), nil
}

// createGSSAPIClient creates a GSSAPI client, preferring a keytab over a
// password.
func createGSSAPIClient(cfg *ConnectionConfig, principal, realm string) (*gssapi.Client, error) {
	krb5confPath := cfg.KerberosConfig
	if krb5confPath == "" {
		krb5confPath = defaultKrb5Conf
	}

	if !fileExists(krb5confPath) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s", krb5confPath)
	}

	if cfg.KerberosKeytab != "" {
		if !fileExists(cfg.KerberosKeytab) {
			return nil, fmt.Errorf("kerberos keytab not readable at %s", cfg.KerberosKeytab)
		}
		return gssapi.NewClientWithKeytab(principal, realm, cfg.KerberosKeytab, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	if cfg.Password != "" {
		return gssapi.NewClientWithPassword(principal, realm, cfg.Password, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	return nil, errors.New("no suitable credentials found for Kerberos authentication")
}

// buildServicePrincipal constructs the LDAP service principal name from server info.
// If cfg.KerberosSPN is set, it overrides the automatic SPN construction.
func buildServicePrincipal(cfg *ConnectionConfig, serverInfo *ServerInfo) (string, error) {
	if cfg == nil {
		return "", errors.New("configuration is required for service principal")
	}

	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if serverInfo == nil {
		return "", errors.New("server info is required for service principal")
	}

	hostname := serverInfo.Host
	if hostname == "" {
		return "", errors.New("hostname is required for service principal")
	}

	if colonPos := strings.Index(hostname, ":"); colonPos != -1 {
		hostname = hostname[:colonPos]
	}

	return "ldap/" + hostname, nil
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}
