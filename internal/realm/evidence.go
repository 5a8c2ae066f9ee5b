package realm

import (
	"crypto/x509"
)

// Evidence is a candidate credential to verify against an identity.
type Evidence interface {
	isEvidence()
}

// PasswordEvidence is a clear text password guess.
type PasswordEvidence struct {
	Password string
}

// DigestEvidence is a precomputed MD5(username:realm:password) supplied by
// the caller.
type DigestEvidence struct {
	Hash []byte
}

// CertificateEvidence is a verified or unverified client certificate chain,
// leaf first.
type CertificateEvidence struct {
	Chain []*x509.Certificate
}

// KerberosEvidence carries a SPNEGO or KRB5 GSS token, or a bare AP-REQ.
type KerberosEvidence struct {
	Token []byte
}

// LocalEvidence asserts the caller runs in the same process.
type LocalEvidence struct{}

func (PasswordEvidence) isEvidence()    {}
func (DigestEvidence) isEvidence()      {}
func (CertificateEvidence) isEvidence() {}
func (KerberosEvidence) isEvidence()    {}
func (LocalEvidence) isEvidence()       {}

func (PasswordEvidence) String() string {
	return "PasswordEvidence{****}"
}
