package ldap_test

import (
	"context"
	"testing"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/security-realm/internal/ldap"
	"github.com/isometry/security-realm/internal/ldap/ldaptest"
)

func TestConnectionHandler_LazyConnection(t *testing.T) {
	manager := ldaptest.NewManager("test", exampleDirectory())
	h := ldap.NewConnectionHandler(manager)

	assert.Equal(t, int64(0), manager.Gets())

	first, err := h.GetConnection(context.Background())
	require.NoError(t, err)
	second, err := h.GetConnection(context.Background())
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, int64(1), manager.Gets())

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	_, err = h.GetConnection(context.Background())
	assert.Error(t, err)
}

func TestConnectionHandler_SearchAppliesTimeLimit(t *testing.T) {
	dir := exampleDirectory()
	var seen int
	dir.OnSearch = func(req *goldap.SearchRequest) {
		seen = req.TimeLimit
	}

	manager := ldaptest.NewManager("test", dir)
	h := ldap.NewConnectionHandler(manager)
	defer h.Close()

	req := goldap.NewSearchRequest("ou=users,dc=example", goldap.ScopeSingleLevel, goldap.NeverDerefAliases, 0, 0, false, "(uid=alice)", nil, nil)
	result, err := h.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Len(t, result.Entries, 1)
	assert.Equal(t, int(ldap.DefaultSearchTimeLimit.Seconds()), seen)
}

func TestConnectionHandler_MissingBaseIsEmpty(t *testing.T) {
	h := newHandler(exampleDirectory())
	defer h.Close()

	req := goldap.NewSearchRequest("ou=missing,dc=example", goldap.ScopeBaseObject, goldap.NeverDerefAliases, 0, 0, false, "(objectClass=*)", nil, nil)
	result, err := h.Search(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, result.Entries)
}

func TestConnectionHandler_VerifyIdentity(t *testing.T) {
	manager := ldaptest.NewManager("test", exampleDirectory())
	h := ldap.NewConnectionHandler(manager)
	defer h.Close()

	ctx := context.Background()
	assert.NoError(t, h.VerifyIdentity(ctx, "uid=alice,ou=users,dc=example", "alicepass"))
	assert.ErrorIs(t, h.VerifyIdentity(ctx, "uid=alice,ou=users,dc=example", "wrong"), ldap.ErrAuthFailed)
	assert.ErrorIs(t, h.VerifyIdentity(ctx, "uid=alice,ou=users,dc=example", ""), ldap.ErrAuthFailed)
	assert.Equal(t, int64(0), manager.Gets(), "verification never uses the search connection")
}

func TestConnectionHandler_FindForReferral(t *testing.T) {
	const known = "ldap://east.example:389/dc=east"
	const unknown = "ldap://west.example:389/dc=west"

	manager := ldaptest.NewManager("local", exampleDirectory())
	manager.Referred[known] = ldaptest.NewManager("east", ldaptest.NewDirectory())

	h := ldap.NewConnectionHandler(manager)
	defer h.Close()
	ctx := context.Background()

	referred, err := h.FindForReferral(ctx, known)
	require.NoError(t, err)
	require.NotNil(t, referred)
	assert.Equal(t, "east", referred.Manager().Name())

	again, err := h.FindForReferral(ctx, known)
	require.NoError(t, err)
	assert.Same(t, referred, again)

	for range 3 {
		missing, err := h.FindForReferral(ctx, unknown)
		require.NoError(t, err)
		assert.Nil(t, missing)
	}
	assert.Equal(t, int64(2), manager.ReferralLookups(), "each URI is resolved once")
}

func TestConnectionHandler_VerifyEntryUnresolvableReferral(t *testing.T) {
	h := newHandler(exampleDirectory())
	defer h.Close()

	entry := ldap.DirectoryEntry{
		SimpleName:        "dave",
		DistinguishedName: "uid=dave,dc=west",
		ReferralAddress:   "ldap://west.example:389/dc=west",
	}
	err := h.VerifyEntry(context.Background(), entry, "davepass")
	assert.ErrorIs(t, err, ldap.ErrReferralUnresolvable)
}

func TestConnectionHandler_Release(t *testing.T) {
	dir := exampleDirectory()
	p, err := ldap.NewPool(context.Background(), poolConfig("main", "ldap://dc1.example"), ldap.WithDialer(dir.Dialer()))
	require.NoError(t, err)
	defer p.Close()

	h := ldap.NewConnectionHandler(p)
	ctx := context.Background()
	req := func() *goldap.SearchRequest {
		return goldap.NewSearchRequest("ou=users,dc=example", goldap.ScopeSingleLevel, goldap.NeverDerefAliases, 0, 0, false, "(uid=alice)", nil, nil)
	}

	_, err = h.Search(ctx, req())
	require.NoError(t, err)
	assert.Equal(t, int64(1), p.Stats().Active)

	h.Release()
	assert.Equal(t, int64(0), p.Stats().Active)

	result, err := h.Search(ctx, req())
	require.NoError(t, err)
	assert.Len(t, result.Entries, 1)
	assert.Equal(t, int64(1), p.Stats().Active)

	require.NoError(t, h.Close())
	assert.Equal(t, int64(0), p.Stats().Active)

	_, err = h.FindForReferral(ctx, "ldap://east.example:389/dc=east")
	assert.Error(t, err, "a closed handler resolves no referrals")
}
