package provider

import (
	"context"
	"sync/atomic"

	"github.com/isometry/security-realm/internal/realm"
)

// ServerTokenVerifier checks the shared token a managed server presents.
type ServerTokenVerifier interface {
	VerifyServerToken(ctx context.Context, server, token string) (bool, error)
}

// ServerTokenVerifierFunc adapts a function to ServerTokenVerifier.
type ServerTokenVerifierFunc func(ctx context.Context, server, token string) (bool, error)

func (f ServerTokenVerifierFunc) VerifyServerToken(ctx context.Context, server, token string) (bool, error) {
	return f(ctx, server, token)
}

// DomainServer authenticates managed servers of a domain with the token the
// domain controller issued them. Until a delegate is installed no server can
// authenticate.
type DomainServer struct {
	base
	delegate atomic.Pointer[ServerTokenVerifier]
}

var _ realm.IdentityProvider = (*DomainServer)(nil)

// NewDomainServer creates a PLAIN provider for managed servers.
func NewDomainServer(name string) *DomainServer {
	return &DomainServer{
		base: base{
			name:      name,
			preferred: realm.MechanismPlain,
		},
	}
}

// SetDelegate installs the verifier once the domain controller is known.
// A nil verifier uninstalls it.
func (d *DomainServer) SetDelegate(v ServerTokenVerifier) {
	if v == nil {
		d.delegate.Store(nil)
		return
	}
	d.delegate.Store(&v)
}

// ReadyForHTTPChallenge is false: managed servers never answer a browser challenge.
func (d *DomainServer) ReadyForHTTPChallenge() bool {
	return false
}

func (d *DomainServer) Identity(_ context.Context, _ *realm.SharedState, principal string) (realm.Identity, error) {
	v := d.delegate.Load()
	if v == nil || principal == "" {
		return nil, notFound(d.name, principal)
	}
	return &serverIdentity{principal: principal, verifier: *v}, nil
}

type serverIdentity struct {
	principal string
	verifier  ServerTokenVerifier
}

func (i *serverIdentity) Principal() string {
	return i.principal
}

func (i *serverIdentity) VerifyEvidence(ctx context.Context, evidence realm.Evidence) (bool, error) {
	e, ok := evidence.(realm.PasswordEvidence)
	if !ok {
		return false, nil
	}
	return i.verifier.VerifyServerToken(ctx, i.principal, e.Password)
}
