package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/security-realm/internal/ldap"
	"github.com/isometry/security-realm/internal/ldap/ldaptest"
	"github.com/isometry/security-realm/internal/provider"
	"github.com/isometry/security-realm/internal/realm"
)

func exampleDirectory() *ldaptest.Directory {
	return ldaptest.NewDirectory().
		Add("dc=example", map[string][]string{"dc": {"example"}}).
		AddUser("cn=admin,dc=example", "secret", map[string][]string{"cn": {"admin"}}).
		Add("ou=users,dc=example", map[string][]string{"ou": {"users"}}).
		AddUser("uid=alice,ou=users,dc=example", "alicepass", map[string][]string{"uid": {"alice"}}).
		Add("ou=groups,dc=example", map[string][]string{"ou": {"groups"}}).
		Add("cn=Admins,ou=groups,dc=example", map[string][]string{
			"cn":     {"Admins"},
			"member": {"uid=alice,ou=users,dc=example"},
		}).
		Add("cn=Operators,ou=groups,dc=example", map[string][]string{
			"cn":     {"Operators"},
			"member": {"cn=Admins,ou=groups,dc=example"},
		})
}

func serverConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		ConnectionManagers: []ConnectionManagerConfig{{
			Name:           "corp",
			URLs:           []string{"ldap://ldap.example.com"},
			BindDN:         "cn=admin,dc=example",
			BindPassword:   "stale",
			BindCredential: "CORP_BIND_PASSWORD",
		}},
		Realms: []RealmConfig{
			{
				Name: "ApplicationRealm",
				LDAP: &LDAPConfig{
					ConnectionManager: "corp",
					BaseDN:            "ou=users,dc=example",
					UsernameAttribute: "uid",
					ShareConnection:   true,
					Cache:             CacheConfig{Policy: "by-access-time"},
				},
				Authorization: &AuthorizationConfig{LDAP: &LDAPGroupsConfig{
					ConnectionManager: "corp",
					Iterative:         true,
					GroupToPrincipal: &GroupToPrincipalConfig{
						BaseDN:             "ou=groups,dc=example",
						GroupNameAttribute: "cn",
					},
				}},
			},
			{
				Name: "DirectRealm",
				LDAP: &LDAPConfig{
					ConnectionManager: "corp",
					UsernameIsDN:      true,
				},
			},
			{
				Name:  "ManagementRealm",
				Users: map[string]string{"admin": "adminpass"},
				Local: &LocalConfig{DefaultUser: "$local"},
			},
			{
				Name:         "DomainRealm",
				DomainServer: &DomainServerConfig{Enabled: true},
			},
			{
				Name: "DelegateRealm",
				Delegate: &DelegateConfig{Modules: []LoginModuleConfig{
					{Name: "static", Flag: "Sufficient"},
				}},
			},
		},
	}
	require.NoError(t, ApplyDefaults(cfg))
	require.NoError(t, Validate(cfg))
	return cfg
}

func TestBuild(t *testing.T) {
	ctx := context.Background()
	dir := exampleDirectory()
	registry := prometheus.NewRegistry()

	static := provider.LoginModuleFunc(func(_ context.Context, _ *realm.SharedState, username, password string) error {
		if username == "svc" && password == "token" {
			return nil
		}
		return realm.ErrVerificationFailed
	})

	srv, err := Build(ctx, serverConfig(t),
		WithPoolOptions(ldap.WithDialer(dir.Dialer())),
		WithCredentialSource(CredentialSourceFunc(func(_ context.Context, name string) (string, error) {
			require.Equal(t, "CORP_BIND_PASSWORD", name)
			return "secret", nil
		})),
		WithLoginModule("static", static),
		WithMetrics(registry),
	)
	require.NoError(t, err)
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { assert.NoError(t, srv.Stop(ctx)) })

	assert.Equal(t, []string{"ApplicationRealm", "DirectRealm", "ManagementRealm", "DomainRealm", "DelegateRealm"}, srv.Realms())

	t.Run("ldap", func(t *testing.T) {
		app, ok := srv.Realm("ApplicationRealm")
		require.True(t, ok)

		id, err := app.Authenticate(ctx, realm.MechanismPlain, "alice", realm.PasswordEvidence{Password: "alicepass"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"Admins", "Operators"}, id.Groups)
		assert.True(t, id.HasRole("Operators"))

		require.NoError(t, srv.FlushCaches(ctx, "ApplicationRealm"))
		assert.Error(t, srv.FlushCaches(ctx, "NoSuchRealm"))

		lookups, err := testutil.GatherAndCount(registry, "realm_search_cache_lookups_total")
		require.NoError(t, err)
		assert.Positive(t, lookups)
	})

	t.Run("username is DN", func(t *testing.T) {
		direct, _ := srv.Realm("DirectRealm")

		id, err := direct.Authenticate(ctx, realm.MechanismPlain, "uid=alice,ou=users,dc=example", realm.PasswordEvidence{Password: "alicepass"})
		require.NoError(t, err)
		assert.Equal(t, "uid=alice,ou=users,dc=example", id.Principal)
		assert.Empty(t, id.Groups)

		_, err = direct.Authenticate(ctx, realm.MechanismPlain, "uid=alice,ou=users,dc=example", realm.PasswordEvidence{Password: "guess"})
		assert.ErrorIs(t, err, realm.ErrAuthenticationFailed)
	})

	t.Run("users and local", func(t *testing.T) {
		mgmt, _ := srv.Realm("ManagementRealm")

		_, err := mgmt.Authenticate(ctx, realm.MechanismPlain, "admin", realm.PasswordEvidence{Password: "adminpass"})
		require.NoError(t, err)

		id, err := mgmt.Authenticate(ctx, realm.MechanismLocal, "", realm.LocalEvidence{})
		require.NoError(t, err)
		assert.Equal(t, "$local", id.Principal)
	})

	t.Run("domain server", func(t *testing.T) {
		domain, _ := srv.Realm("DomainRealm")
		evidence := realm.PasswordEvidence{Password: "shared"}

		_, err := domain.Authenticate(ctx, realm.MechanismPlain, "server-one", evidence)
		require.ErrorIs(t, err, realm.ErrAuthenticationFailed)

		ds, ok := srv.DomainServer("DomainRealm")
		require.True(t, ok)
		ds.SetDelegate(provider.ServerTokenVerifierFunc(func(_ context.Context, server, token string) (bool, error) {
			return server == "server-one" && token == "shared", nil
		}))

		_, err = domain.Authenticate(ctx, realm.MechanismPlain, "server-one", evidence)
		require.NoError(t, err)
	})

	t.Run("delegate", func(t *testing.T) {
		delegated, _ := srv.Realm("DelegateRealm")

		_, err := delegated.Authenticate(ctx, realm.MechanismPlain, "svc", realm.PasswordEvidence{Password: "token"})
		require.NoError(t, err)

		_, err = delegated.Authenticate(ctx, realm.MechanismPlain, "svc", realm.PasswordEvidence{Password: "guess"})
		assert.ErrorIs(t, err, realm.ErrAuthenticationFailed)
	})
}

func TestBuild_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown login module", func(t *testing.T) {
		cfg := serverConfig(t)
		_, err := Build(ctx, cfg)
		assert.ErrorContains(t, err, `unknown login module "static"`)
	})

	t.Run("plug-in without loader", func(t *testing.T) {
		cfg := &Config{Realms: []RealmConfig{{Name: "R", PlugIn: &PlugInConfig{PlugIns: []string{"db"}}}}}
		require.NoError(t, ApplyDefaults(cfg))
		_, err := Build(ctx, cfg)
		assert.ErrorContains(t, err, "no plug-in loader configured")
	})

	t.Run("empty CA file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

		cfg := &Config{Realms: []RealmConfig{{Name: "R", ClientCert: &ClientCertConfig{CAFile: path}}}}
		require.NoError(t, ApplyDefaults(cfg))
		_, err := Build(ctx, cfg)
		assert.ErrorContains(t, err, "no certificates found")
	})
}

func TestResolveBindPassword(t *testing.T) {
	failing := CredentialSourceFunc(func(context.Context, string) (string, error) {
		return "", errors.New("vault sealed")
	})
	found := CredentialSourceFunc(func(context.Context, string) (string, error) {
		return "from-source", nil
	})

	tests := []struct {
		name   string
		source CredentialSource
		m      ConnectionManagerConfig
		want   string
	}{
		{name: "no reference", source: found, m: ConnectionManagerConfig{BindPassword: "static"}, want: "static"},
		{name: "source wins", source: found, m: ConnectionManagerConfig{BindPassword: "static", BindCredential: "ref"}, want: "from-source"},
		{name: "fallback on failure", source: failing, m: ConnectionManagerConfig{BindPassword: "static", BindCredential: "ref"}, want: "static"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveBindPassword(context.Background(), tt.source, tt.m))
		})
	}
}

func TestEnvCredentials(t *testing.T) {
	t.Setenv("REALM_TEST_SECRET", "s3cret")

	secret, err := EnvCredentials{}.Secret(context.Background(), "REALM_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", secret)

	_, err = EnvCredentials{}.Secret(context.Background(), "REALM_TEST_SECRET_MISSING")
	assert.Error(t, err)
}
