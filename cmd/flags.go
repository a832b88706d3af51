package cmd

import (
	"maps"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// bindChangedFlags copies every flag the user explicitly set into v under
// its configuration key. Unset flags are left out so that the environment,
// the .env file and struct defaults keep their precedence.
func bindChangedFlags(fs *pflag.FlagSet, v *viper.Viper, keys map[string]string) {
	fs.Visit(func(f *pflag.Flag) {
		key, ok := keys[f.Name]
		if !ok {
			return
		}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			v.Set(key, sv.GetSlice())
			return
		}
		v.Set(key, f.Value.String())
	})
}

// directoryFlagKeys are shared by every command that talks to the directory.
var directoryFlagKeys = map[string]string{
	"ldap-url":             "ldap_url",
	"domain":               "domain",
	"base-dn":              "base_dn",
	"bind-dn":              "bind_dn",
	"user-filter":          "user_filter",
	"start-tls":            "start_tls",
	"tls-ca-file":          "tls_ca_file",
	"tls-server-name":      "tls_server_name",
	"kerberos-realm":       "kerberos_realm",
	"kerberos-keytab":      "kerberos_keytab",
	"pool-max-connections": "pool.max_connections",
	"connect-timeout":      "pool.connect_timeout",
	"request-timeout":      "pool.request_timeout",
}

func addDirectoryFlags(fs *pflag.FlagSet) {
	fs.StringSlice("ldap-url", nil, "Directory URLs (ldap:// or ldaps://); overrides AD_LDAP_URL")
	fs.String("domain", "", "AD domain for SRV discovery when no URL is given")
	fs.String("base-dn", "", "Search base DN")
	fs.String("bind-dn", "", "Service account DN or UPN")
	fs.String("user-filter", "", "User search filter containing {username}")
	fs.Bool("start-tls", true, "Upgrade ldap:// connections with StartTLS")
	fs.String("tls-ca-file", "", "PEM bundle of trusted CAs")
	fs.String("tls-server-name", "", "Expected server name in the directory certificate")
	fs.String("kerberos-realm", "", "Kerberos realm for the service bind")
	fs.String("kerberos-keytab", "", "Keytab for the service bind")
	fs.Int("pool-max-connections", 0, "Connections per pool")
	fs.Duration("connect-timeout", 0, "Bound on acquiring and establishing a connection")
	fs.Duration("request-timeout", 0, "Bound on a single directory request")
}

func mergeKeys(ms ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, m := range ms {
		maps.Copy(out, m)
	}
	return out
}
