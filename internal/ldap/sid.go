package ldap

import (
	"github.com/bwmarrin/go-objectsid"
	"github.com/go-ldap/ldap/v3"
)

// ObjectSIDAttribute holds the Active Directory security identifier of an entry.
const ObjectSIDAttribute = "objectSid"

// ExtractSID returns the objectSid of an entry in S-1-... form, or an empty
// string when the attribute was not loaded. Values that are already textual
// (as some test directories and proxies return them) are passed through.
func ExtractSID(entry *ldap.Entry) string {
	if entry == nil {
		return ""
	}

	raw := entry.GetRawAttributeValue(ObjectSIDAttribute)
	if len(raw) == 0 {
		return ""
	}
	if len(raw) > 2 && raw[0] == 'S' && raw[1] == '-' {
		return string(raw)
	}

	// A binary SID is at least revision, count and a 6 byte authority.
	if len(raw) < 8 {
		return ""
	}
	return objectsid.Decode(raw).String()
}
