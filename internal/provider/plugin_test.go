package provider

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/security-realm/internal/plugin"
	"github.com/isometry/security-realm/internal/realm"
)

type fakePlugIn struct {
	inits   *atomic.Int32
	initErr error
	users   map[string]plugin.Credential
	roles   map[string][]string
}

func (f *fakePlugIn) Init(_ context.Context, config map[string]string, state plugin.SharedState) error {
	f.inits.Add(1)
	state.Set("plugin.seen", config["source"])
	return f.initErr
}

func (f *fakePlugIn) LoadIdentity(_ context.Context, username, _ string) (*plugin.Identity, error) {
	c, ok := f.users[username]
	if !ok {
		return nil, plugin.ErrNotFound
	}
	return &plugin.Identity{Username: username, Credential: c}, nil
}

func (f *fakePlugIn) LoadRoles(_ context.Context, username, _ string) ([]string, error) {
	roles, ok := f.roles[username]
	if !ok {
		return nil, plugin.ErrNotFound
	}
	return roles, nil
}

func newPlugInLoader(t *testing.T, p *fakePlugIn) *plugin.Loader {
	t.Helper()
	loader := plugin.NewLoader()
	require.NoError(t, loader.Register("fake", plugin.Factory{
		Authentication: func() plugin.AuthenticationPlugIn { return p },
		Authorization:  func() plugin.AuthorizationPlugIn { return p },
	}))
	return loader
}

func TestPlugIn_InitOncePerLookup(t *testing.T) {
	fake := &fakePlugIn{
		inits: &atomic.Int32{},
		users: map[string]plugin.Credential{"alice": plugin.PasswordCredential{Password: "pw"}},
	}
	loader := newPlugInLoader(t, fake)

	p, err := NewPlugIn("plugins", "R", loader, PlugInConfig{
		PlugIns:    []string{"fake"},
		Properties: map[string]string{"source": "test"},
	})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	state := realm.NewSharedState()
	handler := realm.NewCallbackHandler("R", p)
	verify := &realm.VerifyPasswordCallback{Password: "pw"}
	digest := &realm.DigestHashCallback{}
	password := &realm.PasswordCallback{}

	require.NoError(t, handler.Handle(context.Background(), state,
		&realm.NameCallback{Name: "alice"}, verify, digest, password))

	assert.True(t, verify.Verified)
	assert.Equal(t, realm.DigestHash("alice", "R", "pw"), digest.Hash)
	assert.Equal(t, "pw", password.Password)
	assert.EqualValues(t, 1, fake.inits.Load())

	seen, ok := state.Get("plugin.seen")
	require.True(t, ok)
	assert.Equal(t, "test", seen)
}

func TestPlugIn_WithoutSharedState(t *testing.T) {
	fake := &fakePlugIn{
		inits: &atomic.Int32{},
		users: map[string]plugin.Credential{"alice": plugin.PasswordCredential{Password: "pw"}},
		roles: map[string][]string{"alice": {"Operator"}},
	}
	loader := newPlugInLoader(t, fake)
	ctx := context.Background()

	p, err := NewPlugIn("plugins", "R", loader, PlugInConfig{PlugIns: []string{"fake"}})
	require.NoError(t, err)

	id, err := p.Identity(ctx, nil, "alice")
	require.NoError(t, err)
	ok, err := id.VerifyEvidence(ctx, realm.PasswordEvidence{Password: "pw"})
	require.NoError(t, err)
	assert.True(t, ok)

	verify := &realm.VerifyPasswordCallback{Password: "pw"}
	require.NoError(t, realm.NewCallbackHandler("R", p).Handle(ctx, nil, &realm.NameCallback{Name: "alice"}, verify))
	assert.True(t, verify.Verified)

	roles, err := NewPlugInGroups("plugin-groups", "R", loader, PlugInConfig{PlugIns: []string{"fake"}}).Groups(ctx, nil, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"Operator"}, roles)
	assert.EqualValues(t, 3, fake.inits.Load())
}

func TestPlugIn_Credentials(t *testing.T) {
	fake := &fakePlugIn{
		inits: &atomic.Int32{},
		users: map[string]plugin.Credential{
			"digest": plugin.DigestCredential{Hash: realm.DigestHash("digest", "R", "pw")},
			"check":  plugin.ValidatePasswordCredential{Validate: func(p string) bool { return p == "pw" }},
		},
		roles: map[string][]string{"digest": {"Operator"}},
	}
	loader := newPlugInLoader(t, fake)

	p, err := NewPlugIn("plugins", "R", loader, PlugInConfig{PlugIns: []string{"fake"}})
	require.NoError(t, err)

	r := realm.New("R",
		realm.WithIdentityProvider(p),
		realm.WithGroupProvider(NewPlugInGroups("plugin-groups", "R", loader, PlugInConfig{PlugIns: []string{"fake"}})),
	)
	startRealm(t, r)
	ctx := context.Background()

	id, err := r.Authenticate(ctx, realm.MechanismPlain, "digest", realm.PasswordEvidence{Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Operator"}, id.Groups)

	id, err = r.Authenticate(ctx, realm.MechanismDigest, "check", realm.PasswordEvidence{Password: "pw"})
	require.NoError(t, err)
	assert.Empty(t, id.Groups)

	_, err = r.Authenticate(ctx, realm.MechanismDigest, "check", realm.DigestEvidence{Hash: realm.DigestHash("check", "R", "pw")})
	assert.ErrorIs(t, err, realm.ErrAuthenticationFailed)

	_, err = r.Authenticate(ctx, realm.MechanismPlain, "nobody", realm.PasswordEvidence{Password: "pw"})
	assert.ErrorIs(t, err, realm.ErrAuthenticationFailed)
}

func TestPlugIn_InitFailureIsHardError(t *testing.T) {
	fake := &fakePlugIn{inits: &atomic.Int32{}, initErr: errors.New("database offline")}
	loader := newPlugInLoader(t, fake)

	p, err := NewPlugIn("plugins", "R", loader, PlugInConfig{PlugIns: []string{"fake"}})
	require.NoError(t, err)

	r := realm.New("R", realm.WithIdentityProvider(p))
	startRealm(t, r)

	_, err = r.Authenticate(context.Background(), realm.MechanismPlain, "alice", realm.PasswordEvidence{Password: "pw"})
	require.ErrorIs(t, err, realm.ErrPlugInInitialization)
	assert.NotErrorIs(t, err, realm.ErrAuthenticationFailed)
}

func TestNewPlugIn(t *testing.T) {
	loader := plugin.NewLoader()

	_, err := NewPlugIn("plugins", "R", loader, PlugInConfig{})
	assert.Error(t, err)

	_, err = NewPlugIn("plugins", "R", loader, PlugInConfig{PlugIns: []string{"x"}, Mechanism: realm.MechanismKerberos})
	assert.Error(t, err)

	p, err := NewPlugIn("plugins", "R", loader, PlugInConfig{PlugIns: []string{"x"}, Mechanism: realm.MechanismPlain})
	require.NoError(t, err)
	assert.Equal(t, realm.MechanismPlain, p.PreferredMechanism())
	assert.Empty(t, p.SupplementaryMechanisms())
	assert.ErrorIs(t, p.Start(context.Background()), plugin.ErrUnknownPlugIn)
}
