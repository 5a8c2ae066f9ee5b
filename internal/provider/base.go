// Package provider implements the identity and group providers a realm is
// composed from.
package provider

import (
	"maps"
	"slices"

	"github.com/isometry/security-realm/internal/realm"
)

// Configuration option keys exported to the authentication factories.
const (
	OptionPreDigested      = "digest.pre_digested"
	OptionLocalDefaultUser = "local-user.default-user"
)

// base carries the static metadata every provider declares.
type base struct {
	name          string
	preferred     realm.Mechanism
	supplementary []realm.Mechanism
	options       map[string]string
}

func (b *base) Name() string {
	return b.name
}

func (b *base) PreferredMechanism() realm.Mechanism {
	return b.preferred
}

func (b *base) SupplementaryMechanisms() []realm.Mechanism {
	return slices.Clone(b.supplementary)
}

func (b *base) ConfigurationOptions() map[string]string {
	if b.options == nil {
		return map[string]string{}
	}
	return maps.Clone(b.options)
}
