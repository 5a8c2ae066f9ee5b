package realm

import (
	"fmt"
	"slices"
	"strings"
)

// Mechanism is an authentication method a realm can serve.
type Mechanism string

const (
	MechanismLocal      Mechanism = "LOCAL"       // Same-process caller, no credential exchange
	MechanismKerberos   Mechanism = "KERBEROS"    // GSSAPI/SPNEGO ticket
	MechanismClientCert Mechanism = "CLIENT_CERT" // TLS client certificate
	MechanismKeycloak   Mechanism = "KEYCLOAK"    // External OIDC token
	MechanismDigest     Mechanism = "DIGEST"      // username:realm:password digest
	MechanismPlain      Mechanism = "PLAIN"       // Clear text username and password
)

// mechanismPriority ranks mechanisms for negotiation, lowest first.
var mechanismPriority = map[Mechanism]int{
	MechanismLocal:      0,
	MechanismKerberos:   1,
	MechanismClientCert: 2,
	MechanismKeycloak:   3,
	MechanismDigest:     4,
	MechanismPlain:      5,
}

// AllMechanisms lists every known mechanism in priority order.
func AllMechanisms() []Mechanism {
	all := make([]Mechanism, 0, len(mechanismPriority))
	for m := range mechanismPriority {
		all = append(all, m)
	}
	SortMechanisms(all)
	return all
}

// ParseMechanism parses a mechanism name case-insensitively.
func ParseMechanism(s string) (Mechanism, error) {
	m := Mechanism(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := mechanismPriority[m]; !ok {
		return "", fmt.Errorf("unknown authentication mechanism %q", s)
	}
	return m, nil
}

// Priority returns the negotiation rank of m. Unknown mechanisms rank last.
func (m Mechanism) Priority() int {
	if p, ok := mechanismPriority[m]; ok {
		return p
	}
	return len(mechanismPriority)
}

func (m Mechanism) String() string {
	return string(m)
}

// Challenge reports whether m needs credentials presented by a user.
func (m Mechanism) Challenge() bool {
	return m == MechanismPlain || m == MechanismDigest
}

// SortMechanisms orders mechanisms by priority, then by name.
func SortMechanisms(ms []Mechanism) {
	slices.SortFunc(ms, func(a, b Mechanism) int {
		if d := a.Priority() - b.Priority(); d != 0 {
			return d
		}
		return strings.Compare(string(a), string(b))
	})
}
