package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/isometry/security-realm/internal/realm"
)

// ControlFlag decides how a login module's outcome affects the chain.
type ControlFlag string

const (
	ControlRequired   ControlFlag = "required"   // Must succeed; the chain continues either way
	ControlRequisite  ControlFlag = "requisite"  // Must succeed; failure ends the chain
	ControlSufficient ControlFlag = "sufficient" // Success ends the chain unless a required module failed
	ControlOptional   ControlFlag = "optional"   // Outcome only matters if nothing else succeeds
)

// ParseControlFlag parses a control flag, ignoring case.
func ParseControlFlag(s string) (ControlFlag, error) {
	switch f := ControlFlag(strings.ToLower(strings.TrimSpace(s))); f {
	case ControlRequired, ControlRequisite, ControlSufficient, ControlOptional:
		return f, nil
	default:
		return "", fmt.Errorf("unknown control flag %q", s)
	}
}

// LoginModule checks a username and password.
type LoginModule interface {
	// Login returns nil on success, an error matching realm.IsDenial for a
	// rejected login, and any other error for a system failure.
	Login(ctx context.Context, state *realm.SharedState, username, password string) error
}

// LoginModuleFunc adapts a function to LoginModule.
type LoginModuleFunc func(ctx context.Context, state *realm.SharedState, username, password string) error

func (f LoginModuleFunc) Login(ctx context.Context, state *realm.SharedState, username, password string) error {
	return f(ctx, state, username, password)
}

// LoginModuleEntry is one configured step of a delegate chain.
type LoginModuleEntry struct {
	Name   string
	Flag   ControlFlag
	Module LoginModule
}

// Delegate verifies passwords through an ordered chain of login modules.
type Delegate struct {
	base
	modules []LoginModuleEntry
}

var _ realm.IdentityProvider = (*Delegate)(nil)

// NewDelegate creates a PLAIN provider over modules, run in order.
func NewDelegate(name string, modules ...LoginModuleEntry) (*Delegate, error) {
	if len(modules) == 0 {
		return nil, errors.New("at least one login module is required")
	}
	for _, m := range modules {
		if _, err := ParseControlFlag(string(m.Flag)); err != nil {
			return nil, fmt.Errorf("login module %q: %w", m.Name, err)
		}
		if m.Module == nil {
			return nil, fmt.Errorf("login module %q has no implementation", m.Name)
		}
	}
	return &Delegate{
		base: base{
			name:      name,
			preferred: realm.MechanismPlain,
		},
		modules: modules,
	}, nil
}

// ReadyForHTTPChallenge is always true: the chain can always be asked.
func (d *Delegate) ReadyForHTTPChallenge() bool {
	return true
}

// Identity defers all checks to VerifyEvidence; whether the user exists is
// only known to the login modules.
func (d *Delegate) Identity(_ context.Context, state *realm.SharedState, principal string) (realm.Identity, error) {
	if principal == "" {
		return nil, notFound(d.name, principal)
	}
	return &delegateIdentity{principal: principal, delegate: d, state: state}, nil
}

// login runs the chain and reports whether the overall login succeeded.
func (d *Delegate) login(ctx context.Context, state *realm.SharedState, username, password string) (bool, error) {
	var (
		requiredFailed    bool
		requiredSucceeded bool
		otherSucceeded    bool
	)

	for _, m := range d.modules {
		err := m.Module.Login(ctx, state, username, password)
		if err != nil && !realm.IsDenial(err) {
			return false, fmt.Errorf("%s: login module %q: %w", d.name, m.Name, err)
		}
		ok := err == nil

		logDebug(ctx, d.name, "Login module finished", map[string]any{
			"module":  m.Name,
			"flag":    string(m.Flag),
			"success": ok,
		})

		switch m.Flag {
		case ControlRequired:
			if ok {
				requiredSucceeded = true
			} else {
				requiredFailed = true
			}
		case ControlRequisite:
			if !ok {
				return false, nil
			}
			requiredSucceeded = true
		case ControlSufficient:
			if ok && !requiredFailed {
				return true, nil
			}
		case ControlOptional:
			if ok {
				otherSucceeded = true
			}
		}
	}

	if requiredFailed {
		return false, nil
	}
	return requiredSucceeded || otherSucceeded, nil
}

type delegateIdentity struct {
	principal string
	delegate  *Delegate
	state     *realm.SharedState
}

func (i *delegateIdentity) Principal() string {
	return i.principal
}

func (i *delegateIdentity) VerifyEvidence(ctx context.Context, evidence realm.Evidence) (bool, error) {
	e, ok := evidence.(realm.PasswordEvidence)
	if !ok {
		return false, nil
	}
	return i.delegate.login(ctx, i.state, i.principal, e.Password)
}

// IdentityLoginModule runs an IdentityProvider as a login module.
type IdentityLoginModule struct {
	Provider realm.IdentityProvider
}

func (m IdentityLoginModule) Login(ctx context.Context, state *realm.SharedState, username, password string) error {
	id, err := m.Provider.Identity(ctx, state, username)
	if err != nil {
		return err
	}
	ok, err := id.VerifyEvidence(ctx, realm.PasswordEvidence{Password: password})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", m.Provider.Name(), realm.ErrVerificationFailed)
	}
	return nil
}
