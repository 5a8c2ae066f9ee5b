package provider

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/isometry/security-realm/internal/plugin"
	"github.com/isometry/security-realm/internal/realm"
)

// PlugInConfig configures the plug-in identity and group providers.
type PlugInConfig struct {
	PlugIns    []string          // Plug-in names, consulted in order
	Mechanism  realm.Mechanism   // DIGEST (default) or PLAIN
	Properties map[string]string // Passed to every plug-in's Init
}

// PlugIn loads identities from authentication plug-ins. Each identity lookup
// creates and initialises the plug-ins once; every later check on the
// returned identity reuses what that lookup loaded.
type PlugIn struct {
	base
	loader    *plugin.Loader
	realmName string
	hasher    realm.DigestHasher
	config    PlugInConfig
}

var (
	_ realm.IdentityProvider = (*PlugIn)(nil)
	_ realm.Starter          = (*PlugIn)(nil)
)

// NewPlugIn creates a plug-in identity provider for realmName.
func NewPlugIn(name, realmName string, loader *plugin.Loader, config PlugInConfig) (*PlugIn, error) {
	if len(config.PlugIns) == 0 {
		return nil, errors.New("at least one plug-in is required")
	}

	p := &PlugIn{
		base:      base{name: name},
		loader:    loader,
		realmName: realmName,
		hasher:    realm.NewDigestHasher(realmName),
		config:    config,
	}
	switch config.Mechanism {
	case "", realm.MechanismDigest:
		p.preferred = realm.MechanismDigest
		p.supplementary = []realm.Mechanism{realm.MechanismPlain}
	case realm.MechanismPlain:
		p.preferred = realm.MechanismPlain
	default:
		return nil, fmt.Errorf("plug-in mechanism must be DIGEST or PLAIN, got %q", config.Mechanism)
	}
	return p, nil
}

// Start checks every configured plug-in can be created.
func (p *PlugIn) Start(context.Context) error {
	for _, n := range p.config.PlugIns {
		if _, err := p.loader.Authentication(n); err != nil {
			return err
		}
	}
	return nil
}

func (p *PlugIn) ReadyForHTTPChallenge() bool {
	return true
}

// Identity asks each plug-in in turn for principal.
func (p *PlugIn) Identity(ctx context.Context, state *realm.SharedState, principal string) (realm.Identity, error) {
	if state == nil {
		state = realm.NewSharedState()
		defer func() { _ = state.Close() }()
	}
	for _, n := range p.config.PlugIns {
		ext, err := p.loader.Authentication(n)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %w", p.name, realm.ErrPlugInInitialization, err)
		}
		if err := ext.Init(ctx, maps.Clone(p.config.Properties), state); err != nil {
			logError(ctx, p.name, "Plug-in initialisation failed", map[string]any{
				"plugin": n,
				"error":  err.Error(),
			})
			return nil, fmt.Errorf("%s: plug-in %q: %w: %w", p.name, n, realm.ErrPlugInInitialization, err)
		}

		loaded, err := ext.LoadIdentity(ctx, principal, p.realmName)
		if errors.Is(err, plugin.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: plug-in %q: %w", p.name, n, err)
		}
		if loaded == nil {
			continue
		}

		logDebug(ctx, p.name, "Identity loaded by plug-in", map[string]any{
			"plugin":    n,
			"principal": principal,
		})
		return p.identity(state, principal, loaded)
	}
	return nil, notFound(p.name, principal)
}

func (p *PlugIn) identity(state *realm.SharedState, principal string, loaded *plugin.Identity) (realm.Identity, error) {
	username := loaded.Username
	if username == "" {
		username = principal
	}
	if username != principal {
		state.SetLoadedUsername(username)
	}

	// Digests are keyed by the name the caller supplied.
	switch c := loaded.Credential.(type) {
	case plugin.PasswordCredential:
		return &passwordIdentity{principal: principal, password: c.Password, hasher: p.hasher}, nil
	case plugin.DigestCredential:
		return &digestIdentity{principal: principal, hash: c.Hash, hasher: p.hasher}, nil
	case plugin.ValidatePasswordCredential:
		return &validatingIdentity{principal: principal, validate: c.Validate}, nil
	default:
		return nil, fmt.Errorf("%s: unsupported plug-in credential %T", p.name, loaded.Credential)
	}
}

// validatingIdentity delegates password checks to the plug-in.
type validatingIdentity struct {
	principal string
	validate  func(string) bool
}

func (i *validatingIdentity) Principal() string {
	return i.principal
}

func (i *validatingIdentity) VerifyEvidence(_ context.Context, evidence realm.Evidence) (bool, error) {
	e, ok := evidence.(realm.PasswordEvidence)
	if !ok || i.validate == nil {
		return false, nil
	}
	return i.validate(e.Password), nil
}

// PlugInGroups loads roles from authorization plug-ins.
type PlugInGroups struct {
	name      string
	loader    *plugin.Loader
	realmName string
	config    PlugInConfig
}

var _ realm.GroupProvider = (*PlugInGroups)(nil)

// NewPlugInGroups creates a group provider over the authorization side of plug-ins.
func NewPlugInGroups(name, realmName string, loader *plugin.Loader, config PlugInConfig) *PlugInGroups {
	return &PlugInGroups{name: name, loader: loader, realmName: realmName, config: config}
}

func (g *PlugInGroups) Name() string {
	return g.name
}

// Groups returns the roles of the first plug-in that knows principal.
func (g *PlugInGroups) Groups(ctx context.Context, state *realm.SharedState, principal string) ([]string, error) {
	if state == nil {
		state = realm.NewSharedState()
		defer func() { _ = state.Close() }()
	}
	for _, n := range g.config.PlugIns {
		ext, err := g.loader.Authorization(n)
		if err != nil {
			// Authentication-only plug-in.
			continue
		}
		if err := ext.Init(ctx, maps.Clone(g.config.Properties), state); err != nil {
			return nil, fmt.Errorf("%s: plug-in %q: %w: %w", g.name, n, realm.ErrPlugInInitialization, err)
		}

		roles, err := ext.LoadRoles(ctx, principal, g.realmName)
		if errors.Is(err, plugin.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: plug-in %q: %w", g.name, n, err)
		}
		return roles, nil
	}
	return []string{}, nil
}
