package ldap

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// DirectoryEntry is an immutable reference to a user or group in the directory.
type DirectoryEntry struct {
	SimpleName        string // Short name (uid, cn, or the supplied username)
	DistinguishedName string // Full DN
	ReferralAddress   string // Referral URI the entry was found through, empty if local
	ObjectSID         string // Active Directory objectSid in S-1-... form, if loaded
}

// NewDirectoryEntry creates an entry without referral information.
func NewDirectoryEntry(simpleName, dn string) DirectoryEntry {
	return DirectoryEntry{SimpleName: simpleName, DistinguishedName: dn}
}

// Key returns the identity of the entry for set membership: its normalized DN.
func (e DirectoryEntry) Key() string {
	return NormalizeDN(e.DistinguishedName)
}

// Referred reports whether the entry lives on a referred directory.
func (e DirectoryEntry) Referred() bool {
	return e.ReferralAddress != ""
}

func (e DirectoryEntry) String() string {
	if e.ReferralAddress != "" {
		return e.SimpleName + " (" + e.DistinguishedName + " via " + e.ReferralAddress + ")"
	}
	return e.SimpleName + " (" + e.DistinguishedName + ")"
}

// NormalizeDN lowercases attribute types and values and strips insignificant
// whitespace so that equivalent DNs compare equal. Unparseable input is
// lowercased as is.
func NormalizeDN(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(dn))
	}

	rdns := make([]string, 0, len(parsed.RDNs))
	for _, rdn := range parsed.RDNs {
		attrs := make([]string, 0, len(rdn.Attributes))
		for _, atv := range rdn.Attributes {
			attrs = append(attrs, strings.ToLower(atv.Type)+"="+strings.ToLower(atv.Value))
		}
		rdns = append(rdns, strings.Join(attrs, "+"))
	}
	return strings.Join(rdns, ",")
}

// RDNValue returns the value of the named attribute in the leading RDN of dn.
// When attribute is empty the first value of the leading RDN is returned.
func RDNValue(dn, attribute string) (string, bool) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil || len(parsed.RDNs) == 0 {
		return "", false
	}

	for _, atv := range parsed.RDNs[0].Attributes {
		if attribute == "" || strings.EqualFold(atv.Type, attribute) {
			return atv.Value, true
		}
	}
	return "", false
}
