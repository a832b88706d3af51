/*
Package ldap provides the Active Directory access layer of the gateway.

# Connection Management

ConnectionPool bounds the number of open directory sessions:

  - SRV-based domain controller discovery, or explicit ldap:// and ldaps:// URLs
  - A slot semaphore caps concurrent holders at MaxConnections
  - Idle reuse with lazy replacement of closed connections
  - Background health checks against the root DSE
  - Simple, Kerberos (GSSAPI) and EXTERNAL service binds

# Directory Client

Client combines two pools. The service pool is bound as the service account
and runs searches; the bind pool holds unauthenticated connections that only
ever carry end-user binds, so a user credential never shares a session with
service-account traffic.

# Error Handling

Every Client error is an *LDAPError whose category matches exactly one of
ErrInvalidCredentials, ErrNotFound or ErrProtocol under errors.Is. Active
Directory "data NNN" diagnostics are decoded into LDAPError.Reason.

# Example Usage

	cfg := ldap.DefaultConfig()
	cfg.LDAPURLs = []string{"ldaps://dc1.example.com"}
	cfg.BaseDN = "DC=example,DC=com"
	cfg.Username = "CN=svc-gateway,OU=Service,DC=example,DC=com"
	cfg.Password = os.Getenv("AD_BIND_PASSWORD")

	client, err := ldap.NewClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer client.Close()

	user, err := client.FindUser(ctx, "jdoe")
	if err != nil {
		return err
	}
	err = client.Bind(ctx, user.DN, password)
*/
package ldap
