package provider

import (
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/isometry/security-realm/internal/realm"
)

var (
	_ realm.PasswordIdentity = (*passwordIdentity)(nil)
	_ realm.DigestIdentity   = (*passwordIdentity)(nil)
	_ realm.DigestIdentity   = (*digestIdentity)(nil)
)

// passwordIdentity holds a clear text password. It answers password and
// digest evidence alike.
type passwordIdentity struct {
	principal string
	password  string
	hasher    realm.DigestHasher
}

func (i *passwordIdentity) Principal() string {
	return i.principal
}

func (i *passwordIdentity) VerifyEvidence(_ context.Context, evidence realm.Evidence) (bool, error) {
	switch e := evidence.(type) {
	case realm.PasswordEvidence:
		return subtle.ConstantTimeCompare([]byte(i.password), []byte(e.Password)) == 1, nil
	case realm.DigestEvidence:
		return subtle.ConstantTimeCompare(i.hasher.Hash(i.principal, i.password), e.Hash) == 1, nil
	default:
		return false, nil
	}
}

func (i *passwordIdentity) Password(context.Context) (string, error) {
	return i.password, nil
}

func (i *passwordIdentity) DigestHash(context.Context) ([]byte, error) {
	return i.hasher.Hash(i.principal, i.password), nil
}

// digestIdentity holds only MD5(username:realm:password).
type digestIdentity struct {
	principal string
	hash      []byte
	hasher    realm.DigestHasher
}

func (i *digestIdentity) Principal() string {
	return i.principal
}

func (i *digestIdentity) VerifyEvidence(_ context.Context, evidence realm.Evidence) (bool, error) {
	switch e := evidence.(type) {
	case realm.PasswordEvidence:
		return i.hasher.Verify(i.principal, e.Password, i.hash), nil
	case realm.DigestEvidence:
		return subtle.ConstantTimeCompare(i.hash, e.Hash) == 1, nil
	default:
		return false, nil
	}
}

func (i *digestIdentity) DigestHash(context.Context) ([]byte, error) {
	return bytes.Clone(i.hash), nil
}

// notFound reports an unknown principal.
func notFound(provider, principal string) error {
	return fmt.Errorf("%s: %q: %w", provider, principal, realm.ErrNotFound)
}
