package ldap_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/security-realm/internal/ldap"
)

func poolConfig(name string, urls ...string) *ldap.ConnectionConfig {
	c := ldap.DefaultConfig()
	c.Name = name
	c.LDAPURLs = urls
	c.BindDN = "uid=alice,ou=users,dc=example"
	c.BindPassword = "alicepass"
	return c
}

func TestPool_ManagerBindAndReuse(t *testing.T) {
	dir := exampleDirectory()
	p, err := ldap.NewPool(context.Background(), poolConfig("main", "ldap://dc1.example"), ldap.WithDialer(dir.Dialer()))
	require.NoError(t, err)
	defer p.Close()

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), dir.Binds(), "manager bind on creation")
	assert.Equal(t, int64(1), p.Stats().Active)
	conn.Close()

	conn, err = p.Get(context.Background())
	require.NoError(t, err)
	conn.Close()

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Created, "idle connection reused")
	assert.Equal(t, int64(0), stats.Active)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, int64(1), dir.Binds())
}

func TestPool_ManagerBindFailure(t *testing.T) {
	dir := exampleDirectory()
	cfg := poolConfig("main", "ldap://dc1.example", "ldap://dc2.example")
	cfg.BindPassword = "wrong"

	p, err := ldap.NewPool(context.Background(), cfg, ldap.WithDialer(dir.Dialer()))
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Get(context.Background())
	assert.ErrorIs(t, err, ldap.ErrDirectoryUnavailable)
	assert.Equal(t, int64(2), p.Stats().Errors, "every server tried")
}

func TestPool_Verify(t *testing.T) {
	dir := exampleDirectory()
	p, err := ldap.NewPool(context.Background(), poolConfig("main", "ldap://dc1.example"), ldap.WithDialer(dir.Dialer()))
	require.NoError(t, err)
	defer p.Close()

	ctx := context.Background()
	assert.NoError(t, p.Verify(ctx, "uid=bob,ou=users,dc=example", "bobpass"))
	assert.ErrorIs(t, p.Verify(ctx, "uid=bob,ou=users,dc=example", "wrong"), ldap.ErrAuthFailed)

	binds := dir.Binds()
	assert.ErrorIs(t, p.Verify(ctx, "uid=bob,ou=users,dc=example", ""), ldap.ErrAuthFailed)
	assert.Equal(t, binds, dir.Binds(), "empty passwords never reach the directory")

	assert.Equal(t, int64(0), p.Stats().Created, "verification does not use pooled connections")
}

func TestPool_VerifyUnavailable(t *testing.T) {
	dir := exampleDirectory()
	dir.Fail = assert.AnError

	p, err := ldap.NewPool(context.Background(), poolConfig("main", "ldap://dc1.example"), ldap.WithDialer(dir.Dialer()))
	require.NoError(t, err)
	defer p.Close()

	err = p.Verify(context.Background(), "uid=bob,ou=users,dc=example", "bobpass")
	assert.ErrorIs(t, err, ldap.ErrDirectoryUnavailable)
	assert.NotErrorIs(t, err, ldap.ErrAuthFailed)
}

func TestPool_ForReferral(t *testing.T) {
	const uri = "ldap://east.example:389/ou=east,dc=example"
	dir := exampleDirectory()
	ctx := context.Background()

	t.Run("follow creates one manager per server", func(t *testing.T) {
		cfg := poolConfig("main", "ldap://dc1.example")
		cfg.Referrals = ldap.ReferralFollow
		p, err := ldap.NewPool(ctx, cfg, ldap.WithDialer(dir.Dialer()))
		require.NoError(t, err)
		defer p.Close()

		m, err := p.ForReferral(ctx, uri)
		require.NoError(t, err)
		require.NotNil(t, m)
		assert.Contains(t, m.Name(), "ldap://east.example:389")

		again, err := p.ForReferral(ctx, "ldap://EAST.example/ou=other,dc=example")
		require.NoError(t, err)
		assert.Same(t, m, again)

		require.NoError(t, m.Verify(ctx, "uid=bob,ou=users,dc=example", "bobpass"), "same dialer and credentials")
	})

	t.Run("ignore yields nil", func(t *testing.T) {
		cfg := poolConfig("main", "ldap://dc1.example")
		cfg.Referrals = ldap.ReferralIgnore
		p, err := ldap.NewPool(ctx, cfg, ldap.WithDialer(dir.Dialer()))
		require.NoError(t, err)
		defer p.Close()

		m, err := p.ForReferral(ctx, uri)
		require.NoError(t, err)
		assert.Nil(t, m)
	})

	t.Run("throw fails", func(t *testing.T) {
		cfg := poolConfig("main", "ldap://dc1.example")
		cfg.Referrals = ldap.ReferralThrow
		p, err := ldap.NewPool(ctx, cfg, ldap.WithDialer(dir.Dialer()))
		require.NoError(t, err)
		defer p.Close()

		_, err = p.ForReferral(ctx, uri)
		assert.ErrorIs(t, err, ldap.ErrReferralUnresolvable)
	})
}

func TestRegistry_ResolvesDeclaredReferrals(t *testing.T) {
	const uri = "ldap://east.example:389/ou=east,dc=example"
	dir := exampleDirectory()
	ctx := context.Background()

	registry := ldap.NewRegistry()
	defer registry.Close()

	mainCfg := poolConfig("main", "ldap://dc1.example")
	mainCfg.Referrals = ldap.ReferralThrow
	mainPool, err := registry.Add(ctx, mainCfg, ldap.WithDialer(dir.Dialer()))
	require.NoError(t, err)

	east := poolConfig("east", "ldap://east.example")
	east.HandlesReferralsFor = []string{"ldap://east.example"}
	eastPool, err := registry.Add(ctx, east, ldap.WithDialer(dir.Dialer()))
	require.NoError(t, err)

	m, err := mainPool.ForReferral(ctx, uri)
	require.NoError(t, err)
	assert.Same(t, eastPool, m)

	_, err = mainPool.ForReferral(ctx, "ldap://west.example/dc=example")
	assert.ErrorIs(t, err, ldap.ErrReferralUnresolvable)

	_, err = registry.Add(ctx, poolConfig("east", "ldap://east.example"))
	assert.Error(t, err, "duplicate name")

	got, ok := registry.Get("main")
	require.True(t, ok)
	assert.Same(t, mainPool, got)
}
