package provider

import (
	"context"
	"maps"

	"github.com/isometry/security-realm/internal/realm"
)

// Users serves DIGEST and PLAIN from a fixed, configured list of users and
// clear text passwords.
type Users struct {
	base
	hasher realm.DigestHasher
	users  map[string]string
}

var _ realm.IdentityProvider = (*Users)(nil)

// NewUsers creates a provider over username to password pairs.
func NewUsers(name, realmName string, users map[string]string) *Users {
	return &Users{
		base: base{
			name:          name,
			preferred:     realm.MechanismDigest,
			supplementary: []realm.Mechanism{realm.MechanismPlain},
		},
		hasher: realm.NewDigestHasher(realmName),
		users:  maps.Clone(users),
	}
}

func (u *Users) ReadyForHTTPChallenge() bool {
	return len(u.users) > 0
}

func (u *Users) Identity(_ context.Context, _ *realm.SharedState, principal string) (realm.Identity, error) {
	password, ok := u.users[principal]
	if !ok {
		return nil, notFound(u.name, principal)
	}
	return &passwordIdentity{principal: principal, password: password, hasher: u.hasher}, nil
}
