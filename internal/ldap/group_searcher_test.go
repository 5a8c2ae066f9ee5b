package ldap_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/security-realm/internal/ldap"
	"github.com/isometry/security-realm/internal/ldap/ldaptest"
)

var alice = ldap.NewDirectoryEntry("alice", "uid=alice,ou=users,dc=example")

func names(entries []ldap.DirectoryEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.SimpleName)
	}
	return out
}

func TestGroupToPrincipalSearcher(t *testing.T) {
	dir := ldaptest.NewDirectory().
		Add("cn=Admins,ou=groups,dc=example", map[string][]string{
			"cn":     {"Admins"},
			"member": {"uid=alice,ou=users,dc=example", "uid=bob,ou=users,dc=example"},
		}).
		Add("cn=Auditors,ou=groups,dc=example", map[string][]string{
			"cn":     {"Auditors"},
			"member": {"UID=Alice,OU=Users,DC=Example"},
		}).
		Add("cn=Others,ou=groups,dc=example", map[string][]string{
			"cn":     {"Others"},
			"member": {"uid=bob,ou=users,dc=example"},
		})

	tests := []struct {
		name      string
		config    ldap.GroupToPrincipalConfig
		principal ldap.DirectoryEntry
		want      []string
	}{
		{
			name:      "by distinguished name",
			config:    ldap.GroupToPrincipalConfig{BaseDN: "ou=groups,dc=example", GroupNameAttribute: "cn"},
			principal: alice,
			want:      []string{"Admins", "Auditors"},
		},
		{
			name:      "case sensitive comparison",
			config:    ldap.GroupToPrincipalConfig{BaseDN: "ou=groups,dc=example", GroupNameAttribute: "cn", CaseSensitive: true},
			principal: alice,
			want:      []string{"Admins"},
		},
		{
			name:      "name from RDN",
			config:    ldap.GroupToPrincipalConfig{BaseDN: "ou=groups,dc=example"},
			principal: ldap.NewDirectoryEntry("bob", "uid=bob,ou=users,dc=example"),
			want:      []string{"Admins", "Others"},
		},
		{
			name:      "no memberships",
			config:    ldap.GroupToPrincipalConfig{BaseDN: "ou=groups,dc=example"},
			principal: ldap.NewDirectoryEntry("carol", "uid=carol,ou=users,dc=example"),
			want:      []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			searcher, err := ldap.NewGroupToPrincipalSearcher(tt.config)
			require.NoError(t, err)

			h := newHandler(dir)
			defer h.Close()

			groups, err := searcher.Search(context.Background(), h, tt.principal)
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.want, names(groups))
		})
	}
}

func TestGroupToPrincipalSearcher_SearchBySimpleName(t *testing.T) {
	dir := ldaptest.NewDirectory().
		Add("cn=wheel,ou=groups,dc=example", map[string][]string{"memberUid": {"alice"}})

	searcher, err := ldap.NewGroupToPrincipalSearcher(ldap.GroupToPrincipalConfig{
		BaseDN:             "ou=groups,dc=example",
		PrincipalAttribute: "memberUid",
		SearchBy:           ldap.SearchBySimple,
	})
	require.NoError(t, err)
	assert.Equal(t, "(memberUid=alice)", searcher.Filter(alice))

	h := newHandler(dir)
	defer h.Close()

	groups, err := searcher.Search(context.Background(), h, alice)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "wheel", groups[0].SimpleName)
	assert.Equal(t, "cn=wheel,ou=groups,dc=example", groups[0].DistinguishedName)
}

func principalToGroupDirectory() *ldaptest.Directory {
	return ldaptest.NewDirectory().
		Add("uid=alice,ou=users,dc=example", map[string][]string{
			"uid":      {"alice"},
			"memberOf": {"cn=admins,ou=groups,dc=example", "cn=ghost,ou=groups,dc=example"},
		}).
		Add("cn=admins,ou=groups,dc=example", map[string][]string{
			"cn":       {"Administrators"},
			"memberOf": {"cn=operators,ou=groups,dc=example"},
		}).
		Add("cn=operators,ou=groups,dc=example", map[string][]string{
			"cn": {"Operators"},
		})
}

func TestPrincipalToGroupSearcher(t *testing.T) {
	t.Run("missing group fails", func(t *testing.T) {
		searcher, err := ldap.NewPrincipalToGroupSearcher(ldap.PrincipalToGroupConfig{GroupNameAttribute: "cn"})
		require.NoError(t, err)

		h := newHandler(principalToGroupDirectory())
		defer h.Close()

		_, err = searcher.Search(context.Background(), h, alice)
		assert.ErrorIs(t, err, ldap.ErrNotFound)
	})

	t.Run("missing group skipped", func(t *testing.T) {
		searcher, err := ldap.NewPrincipalToGroupSearcher(ldap.PrincipalToGroupConfig{
			GroupNameAttribute: "cn",
			SkipMissingGroups:  true,
		})
		require.NoError(t, err)

		h := newHandler(principalToGroupDirectory())
		defer h.Close()

		groups, err := searcher.Search(context.Background(), h, alice)
		require.NoError(t, err)
		assert.Equal(t, []string{"Administrators"}, names(groups))
	})

	t.Run("names parsed from DN", func(t *testing.T) {
		dir := principalToGroupDirectory()
		searcher, err := ldap.NewPrincipalToGroupSearcher(ldap.PrincipalToGroupConfig{
			GroupNameAttribute:   "cn",
			ParseGroupNameFromDN: true,
		})
		require.NoError(t, err)

		h := newHandler(dir)
		defer h.Close()

		groups, err := searcher.Search(context.Background(), h, alice)
		require.NoError(t, err)
		assert.Equal(t, []string{"admins", "ghost"}, names(groups))
		assert.Equal(t, int64(1), dir.Searches(), "only the principal entry is read")
	})

	t.Run("unknown principal", func(t *testing.T) {
		searcher, err := ldap.NewPrincipalToGroupSearcher(ldap.PrincipalToGroupConfig{})
		require.NoError(t, err)

		h := newHandler(principalToGroupDirectory())
		defer h.Close()

		_, err = searcher.Search(context.Background(), h, ldap.NewDirectoryEntry("carol", "uid=carol,ou=users,dc=example"))
		assert.ErrorIs(t, err, ldap.ErrNotFound)
	})
}

func TestIterativeGroupSearcher_Cycle(t *testing.T) {
	dir := ldaptest.NewDirectory().
		Add("cn=A,ou=groups,dc=example", map[string][]string{
			"member": {"uid=alice,ou=users,dc=example", "cn=B,ou=groups,dc=example"},
		}).
		Add("cn=B,ou=groups,dc=example", map[string][]string{
			"member": {"cn=A,ou=groups,dc=example"},
		})

	inner, err := ldap.NewGroupToPrincipalSearcher(ldap.GroupToPrincipalConfig{BaseDN: "ou=groups,dc=example"})
	require.NoError(t, err)
	searcher := ldap.NewIterativeGroupSearcher(inner)

	h := newHandler(dir)
	defer h.Close()

	groups, err := searcher.Search(context.Background(), h, alice)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B"}, names(groups))
	assert.Equal(t, int64(3), dir.Searches(), "alice, A and B are each searched once")
}

func TestIterativeGroupSearcher_Nested(t *testing.T) {
	inner, err := ldap.NewPrincipalToGroupSearcher(ldap.PrincipalToGroupConfig{
		GroupNameAttribute: "cn",
		SkipMissingGroups:  true,
	})
	require.NoError(t, err)
	searcher := ldap.NewIterativeGroupSearcher(inner)

	h := newHandler(principalToGroupDirectory())
	defer h.Close()

	groups, err := searcher.Search(context.Background(), h, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"Administrators", "Operators"}, names(groups))
}

func TestIterativeGroupSearcher_SelfLoop(t *testing.T) {
	var calls atomic.Int32
	inner := ldap.SearcherFunc[[]ldap.DirectoryEntry, ldap.DirectoryEntry](
		func(_ context.Context, _ *ldap.ConnectionHandler, key ldap.DirectoryEntry) ([]ldap.DirectoryEntry, error) {
			calls.Add(1)
			// Every group is a member of itself and of the principal's group.
			return []ldap.DirectoryEntry{key, ldap.NewDirectoryEntry("g", "cn=G,dc=example")}, nil
		})

	groups, err := ldap.NewIterativeGroupSearcher(inner).Search(context.Background(), nil, alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"g"}, names(groups))
	assert.Equal(t, int32(2), calls.Load())
}

func TestIterativeGroupSearcher_PropagatesUnavailable(t *testing.T) {
	inner := ldap.SearcherFunc[[]ldap.DirectoryEntry, ldap.DirectoryEntry](
		func(context.Context, *ldap.ConnectionHandler, ldap.DirectoryEntry) ([]ldap.DirectoryEntry, error) {
			return nil, ldap.ErrDirectoryUnavailable
		})

	_, err := ldap.NewIterativeGroupSearcher(inner).Search(context.Background(), nil, alice)
	assert.ErrorIs(t, err, ldap.ErrDirectoryUnavailable)
}
