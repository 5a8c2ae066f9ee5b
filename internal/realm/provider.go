package realm

import (
	"context"
)

// Identity is a principal resolved by an IdentityProvider together with its
// verifiable credential material.
type Identity interface {
	// Principal is the name the identity was resolved under.
	Principal() string

	// VerifyEvidence checks a credential guess. A mismatch is (false, nil);
	// errors are reserved for directory or resource failures.
	VerifyEvidence(ctx context.Context, evidence Evidence) (bool, error)
}

// DigestIdentity is implemented by identities able to supply their stored
// digest hash, bound to the provider's realm name.
type DigestIdentity interface {
	Identity
	DigestHash(ctx context.Context) ([]byte, error)
}

// PasswordIdentity is implemented by identities holding a clear text password.
type PasswordIdentity interface {
	Identity
	Password(ctx context.Context) (string, error)
}

// IdentityProvider resolves principals for one preferred mechanism.
type IdentityProvider interface {
	// Name identifies the provider in logs and errors.
	Name() string

	PreferredMechanism() Mechanism
	SupplementaryMechanisms() []Mechanism

	// ConfigurationOptions are exported per mechanism to the authentication factories.
	ConfigurationOptions() map[string]string

	// ReadyForHTTPChallenge reports whether a challenge flow can currently
	// present credentials to a user.
	ReadyForHTTPChallenge() bool

	// Identity resolves principal. An unknown principal returns ErrNotFound.
	Identity(ctx context.Context, state *SharedState, principal string) (Identity, error)
}

// PrincipalResolver is implemented by providers whose mechanism establishes
// the principal from the evidence itself.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, state *SharedState, evidence Evidence) (string, error)
}

// Starter is implemented by providers with resources to acquire at realm start.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by providers with resources to release at realm stop.
type Stopper interface {
	Stop(ctx context.Context) error
}

// GroupProvider loads the groups of an authenticated principal.
type GroupProvider interface {
	Name() string

	// Groups returns the group names of principal. An unknown principal has no groups.
	Groups(ctx context.Context, state *SharedState, principal string) ([]string, error)
}
