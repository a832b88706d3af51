package ldap

import (
	"errors"
	"strings"

	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
)

// minSIDLength is the size of a binary SID with no sub-authorities.
const minSIDLength = 8

// DecodeSID converts a binary objectSid into its S-1-5-21-... form.
func DecodeSID(binarySID []byte) (string, error) {
	if len(binarySID) < minSIDLength {
		return "", errors.New("binary SID too short")
	}
	if int(binarySID[1])*4+minSIDLength != len(binarySID) {
		return "", errors.New("binary SID length does not match sub-authority count")
	}
	return objectsid.Decode(binarySID).String(), nil
}

// entrySID returns the string SID of entry, or "" when absent or malformed.
// Directories that already return the textual form are passed through.
func entrySID(entry *ldap.Entry) string {
	raw := entry.GetRawAttributeValue("objectSid")
	if len(raw) == 0 {
		return ""
	}
	if strings.HasPrefix(string(raw), "S-") {
		return string(raw)
	}
	sid, err := DecodeSID(raw)
	if err != nil {
		return ""
	}
	return sid
}
