// Package ldaptest runs an in-process Active Directory look-alike for tests.
package ldaptest

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jimlambrt/gldap"
)

// Fixture directory contents.
const (
	BaseDN          = "DC=example,DC=com"
	Domain          = "example.com"
	ServiceDN       = "CN=svc-gateway,OU=Service,DC=example,DC=com"
	ServicePassword = "ServicePass1"

	JohnDoeUsername = "jdoe"
	JohnDoeDN       = "CN=John Doe,OU=Users,DC=example,DC=com"
	JohnDoePassword = "CorrectPass1"

	DisabledUsername = "jsmith"
	DisabledDN       = "CN=Jane Smith,OU=Users,DC=example,DC=com"
	DisabledPassword = "DisabledPass1"
)

// Diagnostic messages as Active Directory phrases them.
const (
	diagBadPassword = "80090308: LdapErr: DSID-0C09044E, comment: AcceptSecurityContext error, data 52e, v4563"
	diagNoSuchUser  = "80090308: LdapErr: DSID-0C09044E, comment: AcceptSecurityContext error, data 525, v4563"
	diagDisabled    = "80090308: LdapErr: DSID-0C09044E, comment: AcceptSecurityContext error, data 533, v4563"
)

// Entry is a directory object with an optional password.
type Entry struct {
	DN         string
	Password   string
	Attributes map[string][]string
}

func (e *Entry) value(name string) string {
	for k, v := range e.Attributes {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func (e *Entry) disabled() bool {
	uac, err := strconv.ParseInt(e.value("userAccountControl"), 10, 64)
	return err == nil && uac&0x2 != 0
}

// Server is a gldap-backed directory holding the fixture entries.
type Server struct {
	t      testing.TB
	srv    *gldap.Server
	addr   string
	logger hclog.Logger

	mu      sync.Mutex
	entries []*Entry
	bound   map[int]string

	failBinds    atomic.Int64
	failSearches atomic.Int64
	binds        atomic.Int64
	searches     atomic.Int64
}

// NewServer starts a directory on a free loopback port. It is stopped when
// the test finishes.
func NewServer(t testing.TB) *Server {
	t.Helper()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "ldaptest",
		Level:  hclog.Error,
		Output: testWriter{t},
	})

	s := &Server{
		t:      t,
		addr:   freeAddr(t),
		logger: logger,
		bound:  make(map[int]string),
	}
	s.entries = defaultEntries()

	srv, err := gldap.NewServer(gldap.WithLogger(logger), gldap.WithDisablePanicRecovery())
	if err != nil {
		t.Fatalf("unable to create server: %s", err)
	}

	mux, err := gldap.NewMux()
	if err != nil {
		t.Fatalf("unable to create router: %s", err)
	}
	if err := mux.Bind(s.handleBind); err != nil {
		t.Fatalf("unable to add bind route: %s", err)
	}
	if err := mux.Search(s.handleSearch, gldap.WithLabel("All Searches")); err != nil {
		t.Fatalf("unable to add search route: %s", err)
	}
	if err := srv.Router(mux); err != nil {
		t.Fatalf("unable to set router: %s", err)
	}
	s.srv = srv

	go func() {
		_ = srv.Run(s.addr)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !srv.Ready() {
		if time.Now().After(deadline) {
			t.Fatalf("directory did not become ready on %s", s.addr)
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Cleanup(func() {
		_ = srv.Stop()
	})

	return s
}

// URL is the ldap:// URL of the server.
func (s *Server) URL() string {
	return "ldap://" + s.addr
}

// AddEntry adds e to the directory.
func (s *Server) AddEntry(e *Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

// FailBinds makes the next n binds answer unavailable (52).
func (s *Server) FailBinds(n int) {
	s.failBinds.Store(int64(n))
}

// FailSearches makes the next n non-root searches answer unavailable (52).
func (s *Server) FailSearches(n int) {
	s.failSearches.Store(int64(n))
}

// BindCount is the number of bind requests received.
func (s *Server) BindCount() int64 {
	return s.binds.Load()
}

// SearchCount is the number of search requests received.
func (s *Server) SearchCount() int64 {
	return s.searches.Load()
}

func (s *Server) handleBind(w *gldap.ResponseWriter, r *gldap.Request) {
	s.binds.Add(1)

	resp := r.NewBindResponse(gldap.WithResponseCode(gldap.ResultInvalidCredentials))
	defer func() {
		_ = w.Write(resp)
	}()

	if s.failBinds.Load() > 0 {
		s.failBinds.Add(-1)
		resp.SetResultCode(gldap.ResultUnavailable)
		return
	}

	m, err := r.GetSimpleBindMessage()
	if err != nil {
		s.logger.Error("not a simple bind message", "error", err)
		return
	}

	dn, password := m.UserName, string(m.Password)
	if strings.EqualFold(dn, ServiceDN) {
		if password == ServicePassword {
			s.markBound(r.ConnectionID(), ServiceDN)
			resp.SetResultCode(gldap.ResultSuccess)
		} else {
			resp.SetDiagnosticMessage(diagBadPassword)
		}
		return
	}

	e := s.findForBind(dn)
	switch {
	case e == nil:
		resp.SetDiagnosticMessage(diagNoSuchUser)
	case e.disabled():
		resp.SetDiagnosticMessage(diagDisabled)
	case e.Password == "" || password != e.Password:
		resp.SetDiagnosticMessage(diagBadPassword)
	default:
		s.markBound(r.ConnectionID(), e.DN)
		resp.SetResultCode(gldap.ResultSuccess)
	}
}

var filterValue = regexp.MustCompile(`\(([A-Za-z][A-Za-z0-9-]*)=([^()*]*)\)`)

func (s *Server) handleSearch(w *gldap.ResponseWriter, r *gldap.Request) {
	s.searches.Add(1)

	resp := r.NewSearchDoneResponse(gldap.WithResponseCode(gldap.ResultNoSuchObject))
	defer func() {
		_ = w.Write(resp)
	}()

	m, err := r.GetSearchMessage()
	if err != nil {
		s.logger.Error("not a search message", "error", err)
		return
	}

	if m.BaseDN == "" {
		entry := r.NewSearchResponseEntry("", gldap.WithAttributes(map[string][]string{
			"defaultNamingContext": {BaseDN},
		}))
		_ = w.Write(entry)
		resp.SetResultCode(gldap.ResultSuccess)
		return
	}

	if !s.isBound(r.ConnectionID()) {
		resp.SetResultCode(gldap.ResultAuthorizationDenied)
		return
	}

	if s.failSearches.Load() > 0 {
		s.failSearches.Add(-1)
		resp.SetResultCode(gldap.ResultUnavailable)
		return
	}

	if !strings.HasSuffix(strings.ToLower(m.BaseDN), strings.ToLower(BaseDN)) {
		return
	}

	for _, e := range s.match(m.Filter) {
		_ = w.Write(r.NewSearchResponseEntry(e.DN, gldap.WithAttributes(e.Attributes)))
	}
	resp.SetResultCode(gldap.ResultSuccess)
}

// match returns entries whose attributes equal every (attr=value) of filter.
func (s *Server) match(filter string) []*Entry {
	terms := filterValue.FindAllStringSubmatch(filter, -1)

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Entry
	for _, e := range s.entries {
		ok := len(terms) > 0
		for _, term := range terms {
			if strings.EqualFold(term[1], "objectClass") {
				continue
			}
			if !strings.EqualFold(e.value(term[1]), unescapeFilter(term[2])) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, e)
		}
	}
	return out
}

func (s *Server) findForBind(name string) *Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if strings.EqualFold(e.DN, name) || (strings.Contains(name, "@") && strings.EqualFold(e.value("userPrincipalName"), name)) {
			return e
		}
	}
	return nil
}

func (s *Server) markBound(id int, dn string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bound[id] = dn
}

func (s *Server) isBound(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound[id] != ""
}

func unescapeFilter(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+2 < len(v) {
			if n, err := strconv.ParseUint(v[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		b.WriteByte(v[i])
	}
	return b.String()
}

func defaultEntries() []*Entry {
	return []*Entry{
		{
			DN:       JohnDoeDN,
			Password: JohnDoePassword,
			Attributes: map[string][]string{
				"objectClass":        {"top", "person", "organizationalPerson", "user"},
				"cn":                 {"John Doe"},
				"sAMAccountName":     {JohnDoeUsername},
				"userPrincipalName":  {JohnDoeUsername + "@" + Domain},
				"displayName":        {"John Doe"},
				"department":         {"IT"},
				"mail":               {"john.doe@example.com"},
				"title":              {"Engineer"},
				"memberOf":           {"CN=Engineering,OU=Groups,DC=example,DC=com", "CN=VPN Users,OU=Groups,DC=example,DC=com"},
				"userAccountControl": {"512"},
				"objectGUID":         {"6f9619ff-8b86-d011-b42d-00c04fc964ff"},
				"objectSid":          {"S-1-5-21-3623811015-3361044348-30300820-1013"},
			},
		},
		{
			DN:       DisabledDN,
			Password: DisabledPassword,
			Attributes: map[string][]string{
				"objectClass":        {"top", "person", "organizationalPerson", "user"},
				"cn":                 {"Jane Smith"},
				"sAMAccountName":     {DisabledUsername},
				"userPrincipalName":  {DisabledUsername + "@" + Domain},
				"department":         {"Finance"},
				"userAccountControl": {"514"},
			},
		},
	}
}

// freeAddr reserves a loopback port and releases it for the server.
func freeAddr(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to reserve port: %s", err)
	}
	addr := l.Addr().String()
	_ = l.Close()
	return addr
}

type testWriter struct {
	t testing.TB
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// NewHangingServer accepts TCP connections and never answers, so every
// request against it runs into its deadline. It returns the ldap:// URL.
func NewHangingServer(t testing.TB) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unable to listen: %s", err)
	}

	var (
		mu    sync.Mutex
		conns []net.Conn
		wg    sync.WaitGroup
	)

	wg.Go(func() {
		for {
			c, err := l.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	})

	t.Cleanup(func() {
		_ = l.Close()
		wg.Wait()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})

	return fmt.Sprintf("ldap://%s", l.Addr().String())
}
