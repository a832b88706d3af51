package ldap

import (
	"fmt"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
)

// GUIDBytesLength is the size of a binary objectGUID.
const GUIDBytesLength = 16

// DecodeGUID converts a binary objectGUID into its textual form. Active
// Directory stores the first three groups little-endian.
func DecodeGUID(raw []byte) (string, error) {
	if len(raw) != GUIDBytesLength {
		return "", fmt.Errorf("invalid GUID byte length: expected %d, got %d", GUIDBytesLength, len(raw))
	}

	var b [GUIDBytesLength]byte
	b[0], b[1], b[2], b[3] = raw[3], raw[2], raw[1], raw[0]
	b[4], b[5] = raw[5], raw[4]
	b[6], b[7] = raw[7], raw[6]
	copy(b[8:], raw[8:])

	return uuid.UUID(b).String(), nil
}

// entryGUID returns the textual objectGUID of entry, or "" when absent.
// A value that is already textual is normalized and passed through.
func entryGUID(entry *ldap.Entry) string {
	raw := entry.GetRawAttributeValue("objectGUID")
	switch len(raw) {
	case 0:
		return ""
	case GUIDBytesLength:
		guid, _ := DecodeGUID(raw)
		return guid
	}
	if u, err := uuid.ParseBytes(raw); err == nil {
		return u.String()
	}
	return ""
}
