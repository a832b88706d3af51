package ldap

import (
	"slices"
	"strconv"

	"github.com/go-ldap/ldap/v3"
)

// userAccountControl flags consulted by the gateway.
const (
	UACAccountDisabled      int64 = 0x00000002
	UACLockout              int64 = 0x00000010
	UACNormalAccount        int64 = 0x00000200
	UACPasswordNeverExpires int64 = 0x00010000
	UACPasswordExpired      int64 = 0x00800000
)

// UserRecord is the projection of a directory user entry.
type UserRecord struct {
	DN          string            `json:"-"`
	Username    string            `json:"username"`
	DisplayName string            `json:"displayName"`
	Department  string            `json:"department"`
	Email       string            `json:"email"`
	Groups      []string          `json:"groups"`
	SID         string            `json:"sid,omitempty"`
	GUID        string            `json:"guid,omitempty"`
	Enabled     bool              `json:"-"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// userAttributes lists the attributes requested for a user search.
func userAttributes(cfg *ConnectionConfig) []string {
	m := cfg.Attributes
	attrs := []string{
		m.Username, m.DisplayName, m.Department, m.Email, m.Groups,
		"cn", "objectSid", "objectGUID", "userAccountControl",
	}
	for _, a := range cfg.ExtraAttributes {
		if !slices.Contains(attrs, a) {
			attrs = append(attrs, a)
		}
	}
	return slices.DeleteFunc(attrs, func(s string) bool { return s == "" })
}

// newUserRecord projects entry through the attribute map. Missing attributes
// leave the corresponding field empty.
func newUserRecord(entry *ldap.Entry, cfg *ConnectionConfig) *UserRecord {
	m := cfg.Attributes
	rec := &UserRecord{
		DN:          entry.DN,
		Username:    attr(entry, m.Username),
		DisplayName: attr(entry, m.DisplayName),
		Department:  attr(entry, m.Department),
		Email:       attr(entry, m.Email),
		Groups:      []string{},
		SID:         entrySID(entry),
		GUID:        entryGUID(entry),
		Enabled:     accountEnabled(entry),
	}

	if rec.DisplayName == "" {
		rec.DisplayName = entry.GetAttributeValue("cn")
	}
	if m.Groups != "" {
		if groups := entry.GetAttributeValues(m.Groups); len(groups) > 0 {
			rec.Groups = groups
		}
	}

	for _, name := range cfg.ExtraAttributes {
		if v := entry.GetAttributeValue(name); v != "" {
			if rec.Attributes == nil {
				rec.Attributes = make(map[string]string, len(cfg.ExtraAttributes))
			}
			rec.Attributes[name] = v
		}
	}

	return rec
}

func attr(entry *ldap.Entry, name string) string {
	if name == "" {
		return ""
	}
	return entry.GetAttributeValue(name)
}

// accountEnabled reports whether the ACCOUNTDISABLE bit is clear. Entries
// without userAccountControl (non-AD directories) count as enabled.
func accountEnabled(entry *ldap.Entry) bool {
	raw := entry.GetAttributeValue("userAccountControl")
	if raw == "" {
		return true
	}
	uac, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true
	}
	return uac&UACAccountDisabled == 0
}
