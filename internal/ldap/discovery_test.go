package ldap

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	records map[string][]*net.SRV
	lookups []string
}

func (r *fakeResolver) LookupSRV(_ context.Context, _, _, name string) (string, []*net.SRV, error) {
	r.lookups = append(r.lookups, name)
	records, ok := r.records[name]
	if !ok {
		return "", nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return name, records, nil
}

func TestSRVDiscovery_DiscoverServers(t *testing.T) {
	ctx := context.Background()

	t.Run("empty domain", func(t *testing.T) {
		_, err := NewSRVDiscovery(&fakeResolver{}).DiscoverServers(ctx, "")
		assert.Error(t, err)
	})

	t.Run("ldaps records end the search", func(t *testing.T) {
		r := &fakeResolver{records: map[string][]*net.SRV{
			"_ldaps._tcp.example.com": {
				{Target: "dc2.example.com.", Port: 636, Priority: 10, Weight: 50},
				{Target: "dc1.example.com.", Port: 636, Priority: 0, Weight: 100},
			},
			"_ldap._tcp.example.com": {{Target: "dc3.example.com.", Port: 389}},
		}}

		servers, err := NewSRVDiscovery(r).DiscoverServers(ctx, "example.com")
		require.NoError(t, err)
		require.Len(t, servers, 2)
		assert.Equal(t, "dc1.example.com", servers[0].Host)
		assert.Equal(t, "dc2.example.com", servers[1].Host)
		assert.True(t, servers[0].UseTLS)
		assert.Equal(t, "srv", servers[0].Source)
		assert.Equal(t, []string{"_ldaps._tcp.example.com"}, r.lookups)
	})

	t.Run("ldap and gc records are merged", func(t *testing.T) {
		r := &fakeResolver{records: map[string][]*net.SRV{
			"_ldap._tcp.example.com": {{Target: "dc1.example.com.", Port: 389, Priority: 5, Weight: 10}},
			"_gc._tcp.example.com":   {{Target: "gc.example.com.", Port: 3268, Priority: 5, Weight: 90}},
		}}

		servers, err := NewSRVDiscovery(r).DiscoverServers(ctx, "example.com")
		require.NoError(t, err)
		require.Len(t, servers, 2)
		assert.Equal(t, "gc.example.com", servers[0].Host, "higher weight first within a priority")
		assert.Equal(t, 3268, servers[0].Port)
		assert.False(t, servers[1].UseTLS)
	})

	t.Run("fallback without records", func(t *testing.T) {
		servers, err := NewSRVDiscovery(&fakeResolver{}).DiscoverServers(ctx, "example.com")
		require.NoError(t, err)
		require.Len(t, servers, 2)
		assert.Equal(t, "ldaps://example.com:636", ServerInfoToURL(servers[0]))
		assert.Equal(t, "ldap://example.com:389", ServerInfoToURL(servers[1]))
		assert.Equal(t, "fallback", servers[0].Source)
	})
}

func TestValidateServerInfo(t *testing.T) {
	assert.NoError(t, ValidateServerInfo(&ServerInfo{Host: "dc1", Port: 389}))
	assert.Error(t, ValidateServerInfo(nil))
	assert.Error(t, ValidateServerInfo(&ServerInfo{Port: 389}))
	assert.Error(t, ValidateServerInfo(&ServerInfo{Host: "dc1", Port: 0}))
	assert.Error(t, ValidateServerInfo(&ServerInfo{Host: "dc1", Port: 389, Priority: -1}))
	assert.Error(t, ValidateServerInfo(&ServerInfo{Host: "dc1", Port: 389, Weight: -1}))
}

func TestNewPool_DiscoversDomain(t *testing.T) {
	r := &fakeResolver{records: map[string][]*net.SRV{
		"_ldap._tcp.example.com": {{Target: "dc1.example.com.", Port: 389}},
	}}

	c := DefaultConfig()
	c.Domain = "example.com"

	var dialed []string
	dial := func(_ context.Context, server *ServerInfo, _ *ConnectionConfig) (Conn, error) {
		dialed = append(dialed, ServerInfoToURL(server))
		return nil, errors.New("unreachable")
	}

	p, err := NewPool(context.Background(), c, WithResolver(r), WithDialer(dial))
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Get(context.Background())
	require.ErrorIs(t, err, ErrDirectoryUnavailable)
	assert.Equal(t, []string{"ldap://dc1.example.com:389"}, dialed)
}
