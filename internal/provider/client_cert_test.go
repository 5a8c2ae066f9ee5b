package provider

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/security-realm/internal/realm"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T, name string) *testCA {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) issue(t *testing.T, subject pkix.Name, usage x509.ExtKeyUsage) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func TestClientCert(t *testing.T) {
	ca := newTestCA(t, "Test CA")
	roots := x509.NewCertPool()
	roots.AddCert(ca.cert)

	alice := ca.issue(t, pkix.Name{CommonName: "alice", Organization: []string{"Example"}}, x509.ExtKeyUsageClientAuth)
	server := ca.issue(t, pkix.Name{CommonName: "www.example.com"}, x509.ExtKeyUsageServerAuth)
	stranger := newTestCA(t, "Other CA").issue(t, pkix.Name{CommonName: "mallory"}, x509.ExtKeyUsageClientAuth)

	r := realm.New("R", realm.WithIdentityProvider(NewClientCert("certs", ClientCertConfig{Roots: roots})))
	startRealm(t, r)
	ctx := context.Background()

	id, err := r.Authenticate(ctx, realm.MechanismClientCert, "", realm.CertificateEvidence{Chain: []*x509.Certificate{alice}})
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Principal)

	for name, cert := range map[string]*x509.Certificate{"server usage": server, "untrusted issuer": stranger} {
		t.Run(name, func(t *testing.T) {
			_, err := r.Authenticate(ctx, realm.MechanismClientCert, "", realm.CertificateEvidence{Chain: []*x509.Certificate{cert}})
			assert.ErrorIs(t, err, realm.ErrAuthenticationFailed)
		})
	}

	_, err = r.Authenticate(ctx, realm.MechanismClientCert, "", realm.CertificateEvidence{})
	assert.ErrorIs(t, err, realm.ErrAuthenticationFailed)

	_, err = r.Authenticate(ctx, realm.MechanismClientCert, "bob", realm.CertificateEvidence{Chain: []*x509.Certificate{alice}})
	assert.ErrorIs(t, err, realm.ErrAuthenticationFailed)
}

func TestClientCert_FullSubject(t *testing.T) {
	ca := newTestCA(t, "Test CA")
	roots := x509.NewCertPool()
	roots.AddCert(ca.cert)
	alice := ca.issue(t, pkix.Name{CommonName: "alice", Organization: []string{"Example"}}, x509.ExtKeyUsageClientAuth)

	c := NewClientCert("certs", ClientCertConfig{Roots: roots, FullSubject: true})
	principal, err := c.ResolvePrincipal(context.Background(), nil, realm.CertificateEvidence{Chain: []*x509.Certificate{alice}})
	require.NoError(t, err)
	assert.Equal(t, "CN=alice,O=Example", principal)

	expired := NewClientCert("certs", ClientCertConfig{
		Roots: roots,
		Now:   func() time.Time { return time.Now().Add(48 * time.Hour) },
	})
	_, err = expired.ResolvePrincipal(context.Background(), nil, realm.CertificateEvidence{Chain: []*x509.Certificate{alice}})
	assert.ErrorIs(t, err, realm.ErrVerificationFailed)
}
