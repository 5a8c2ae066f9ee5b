package realm

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
)

// DigestHasher computes HTTP/SASL digest hashes for one realm name. The realm
// is fixed at construction so a caller cannot obtain a hash for another realm.
type DigestHasher struct {
	realm string
}

// NewDigestHasher creates a hasher bound to realmName.
func NewDigestHasher(realmName string) DigestHasher {
	return DigestHasher{realm: realmName}
}

// Realm returns the realm name the hasher is bound to.
func (h DigestHasher) Realm() string {
	return h.realm
}

// Hash returns MD5(username:realm:password).
func (h DigestHasher) Hash(username, password string) []byte {
	return DigestHash(username, h.realm, password)
}

// HexHash returns the lowercase hex encoding of Hash.
func (h DigestHasher) HexHash(username, password string) string {
	return hex.EncodeToString(h.Hash(username, password))
}

// Verify compares a caller-supplied digest in constant time.
func (h DigestHasher) Verify(username, password string, digest []byte) bool {
	return subtle.ConstantTimeCompare(h.Hash(username, password), digest) == 1
}

// DigestHash returns MD5(username:realm:password).
func DigestHash(username, realmName, password string) []byte {
	sum := md5.Sum([]byte(username + ":" + realmName + ":" + password))
	return sum[:]
}
