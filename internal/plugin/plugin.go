// Package plugin defines the contracts of dynamically supplied
// authentication and authorization extensions and the loader that creates
// them by name.
package plugin

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned by LoadIdentity for unknown users.
	ErrNotFound = errors.New("plug-in identity not found")

	// ErrUnknownPlugIn means no factory is registered under the requested name.
	ErrUnknownPlugIn = errors.New("unknown plug-in")
)

// SharedState is the per-request state handed to a plug-in at Init.
type SharedState interface {
	Get(key string) (any, bool)
	Set(key string, value any)
}

// Credential is the stored credential of a plug-in identity.
type Credential interface {
	isCredential()
}

// PasswordCredential is a clear text password.
type PasswordCredential struct {
	Password string
}

// DigestCredential is MD5(username:realm:password).
type DigestCredential struct {
	Hash []byte
}

// ValidatePasswordCredential lets the plug-in verify a password itself.
type ValidatePasswordCredential struct {
	Validate func(password string) bool
}

func (PasswordCredential) isCredential()         {}
func (DigestCredential) isCredential()           {}
func (ValidatePasswordCredential) isCredential() {}

// Identity is a user loaded by an AuthenticationPlugIn.
type Identity struct {
	Username   string
	Credential Credential
}

// AuthenticationPlugIn loads identities from an external store.
type AuthenticationPlugIn interface {
	// Init prepares the plug-in for one identity lookup.
	Init(ctx context.Context, config map[string]string, state SharedState) error

	// LoadIdentity returns the identity for username, or ErrNotFound.
	LoadIdentity(ctx context.Context, username, realm string) (*Identity, error)
}

// AuthorizationPlugIn loads the roles of an authenticated user.
type AuthorizationPlugIn interface {
	Init(ctx context.Context, config map[string]string, state SharedState) error
	LoadRoles(ctx context.Context, username, realm string) ([]string, error)
}
