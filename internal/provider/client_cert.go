package provider

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/isometry/security-realm/internal/realm"
)

// ClientCertConfig configures a client certificate identity provider.
type ClientCertConfig struct {
	Roots       *x509.CertPool   // Trusted issuers; nil means the system pool
	FullSubject bool             // Principal is the subject DN instead of its common name
	Now         func() time.Time // Verification time, defaults to time.Now
}

// ClientCert authenticates callers by a TLS client certificate chain.
type ClientCert struct {
	base
	config ClientCertConfig
}

var (
	_ realm.IdentityProvider  = (*ClientCert)(nil)
	_ realm.PrincipalResolver = (*ClientCert)(nil)
)

// NewClientCert creates a CLIENT_CERT provider.
func NewClientCert(name string, config ClientCertConfig) *ClientCert {
	if config.Now == nil {
		config.Now = time.Now
	}
	return &ClientCert{
		base: base{
			name:      name,
			preferred: realm.MechanismClientCert,
		},
		config: config,
	}
}

// ReadyForHTTPChallenge is false: certificates are presented during the TLS handshake.
func (c *ClientCert) ReadyForHTTPChallenge() bool {
	return false
}

// ResolvePrincipal verifies the chain and names its leaf.
func (c *ClientCert) ResolvePrincipal(ctx context.Context, _ *realm.SharedState, evidence realm.Evidence) (string, error) {
	e, ok := evidence.(realm.CertificateEvidence)
	if !ok {
		return "", fmt.Errorf("%s: %T is not certificate evidence: %w", c.name, evidence, realm.ErrVerificationFailed)
	}
	return c.verify(ctx, e.Chain)
}

func (c *ClientCert) verify(ctx context.Context, chain []*x509.Certificate) (string, error) {
	if len(chain) == 0 || chain[0] == nil {
		return "", fmt.Errorf("%s: empty certificate chain: %w", c.name, realm.ErrVerificationFailed)
	}

	leaf := chain[0]
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}

	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         c.config.Roots,
		Intermediates: intermediates,
		CurrentTime:   c.config.Now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		logDebug(ctx, c.name, "Client certificate rejected", map[string]any{
			"subject": leaf.Subject.String(),
			"error":   err.Error(),
		})
		return "", fmt.Errorf("%s: %w: %w", c.name, realm.ErrVerificationFailed, err)
	}

	if c.config.FullSubject {
		return leaf.Subject.String(), nil
	}
	if leaf.Subject.CommonName == "" {
		return "", fmt.Errorf("%s: certificate has no common name: %w", c.name, realm.ErrNotFound)
	}
	return leaf.Subject.CommonName, nil
}

// Identity returns an identity whose evidence must be a chain naming principal.
func (c *ClientCert) Identity(_ context.Context, _ *realm.SharedState, principal string) (realm.Identity, error) {
	if principal == "" {
		return nil, notFound(c.name, principal)
	}
	return &certIdentity{principal: principal, provider: c}, nil
}

type certIdentity struct {
	principal string
	provider  *ClientCert
}

func (i *certIdentity) Principal() string {
	return i.principal
}

func (i *certIdentity) VerifyEvidence(ctx context.Context, evidence realm.Evidence) (bool, error) {
	e, ok := evidence.(realm.CertificateEvidence)
	if !ok {
		return false, nil
	}
	principal, err := i.provider.verify(ctx, e.Chain)
	if err != nil {
		return false, err
	}
	return principal == i.principal, nil
}
