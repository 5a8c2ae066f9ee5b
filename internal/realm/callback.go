package realm

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
)

// Callback is one request of the legacy callback protocol.
type Callback interface {
	isCallback()
}

// NameCallback supplies the principal name. Default is used when Name is empty.
type NameCallback struct {
	Default string
	Name    string
}

// RealmCallback asks for the realm name. The handler fills Text.
type RealmCallback struct {
	Default string
	Text    string
}

// PasswordCallback asks for the stored clear text password. The handler fills Password.
type PasswordCallback struct {
	Password string
}

// VerifyPasswordCallback asks the handler to verify Password. The handler fills Verified.
type VerifyPasswordCallback struct {
	Password string
	Verified bool
}

// DigestHashCallback asks for the stored digest hash. The handler fills Hash and HexHash.
type DigestHashCallback struct {
	Hash    []byte
	HexHash string
}

// AuthorizeCallback asks whether AuthenticationID may act as AuthorizationID.
// The handler fills Authorized and AuthorizedID.
type AuthorizeCallback struct {
	AuthenticationID string
	AuthorizationID  string
	Authorized       bool
	AuthorizedID     string
}

func (*NameCallback) isCallback()           {}
func (*RealmCallback) isCallback()          {}
func (*PasswordCallback) isCallback()       {}
func (*VerifyPasswordCallback) isCallback() {}
func (*DigestHashCallback) isCallback()     {}
func (*AuthorizeCallback) isCallback()      {}

// CallbackHandler serves the legacy callback protocol from an IdentityProvider.
type CallbackHandler struct {
	provider  IdentityProvider
	realmName string
}

// NewCallbackHandler creates a handler for provider within realmName.
func NewCallbackHandler(realmName string, provider IdentityProvider) *CallbackHandler {
	return &CallbackHandler{provider: provider, realmName: realmName}
}

// Handle processes callbacks in order. The identity is looked up at most once,
// after the NameCallback. An unknown principal fails verification callbacks
// silently and credential callbacks with ErrNotFound.
func (h *CallbackHandler) Handle(ctx context.Context, state *SharedState, callbacks ...Callback) error {
	var (
		name     string
		identity Identity
		lookup   error
		looked   bool
	)

	resolve := func() (Identity, error) {
		if !looked {
			looked = true
			if name == "" {
				lookup = fmt.Errorf("no principal supplied: %w", ErrNotFound)
			} else {
				identity, lookup = h.provider.Identity(ctx, state, name)
			}
		}
		return identity, lookup
	}

	for _, cb := range callbacks {
		switch c := cb.(type) {
		case *NameCallback:
			name = c.Name
			if name == "" {
				name = c.Default
			}

		case *RealmCallback:
			c.Text = h.realmName

		case *PasswordCallback:
			id, err := resolve()
			if err != nil {
				return err
			}
			p, ok := id.(PasswordIdentity)
			if !ok {
				return fmt.Errorf("%w: %T from %s", ErrUnsupportedCallback, c, h.provider.Name())
			}
			password, err := p.Password(ctx)
			if err != nil {
				return err
			}
			c.Password = password

		case *VerifyPasswordCallback:
			id, err := resolve()
			if errors.Is(err, ErrNotFound) {
				c.Verified = false
				continue
			}
			if err != nil {
				return err
			}
			verified, err := id.VerifyEvidence(ctx, PasswordEvidence{Password: c.Password})
			if err != nil && !IsDenial(err) {
				return err
			}
			c.Verified = verified && err == nil

		case *DigestHashCallback:
			id, err := resolve()
			if err != nil {
				return err
			}
			d, ok := id.(DigestIdentity)
			if !ok {
				return fmt.Errorf("%w: %T from %s", ErrUnsupportedCallback, c, h.provider.Name())
			}
			hash, err := d.DigestHash(ctx)
			if err != nil {
				return err
			}
			c.Hash = hash
			c.HexHash = hex.EncodeToString(hash)

		case *AuthorizeCallback:
			c.Authorized = c.AuthenticationID == c.AuthorizationID
			if c.Authorized {
				c.AuthorizedID = c.AuthorizationID
			}

		default:
			return fmt.Errorf("%w: %T", ErrUnsupportedCallback, cb)
		}
	}
	return nil
}
