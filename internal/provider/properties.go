package provider

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/isometry/security-realm/internal/realm"
)

// PropertiesConfig configures a properties file identity provider.
type PropertiesConfig struct {
	Path      string // username=value lines
	PlainText bool   // Values are clear text passwords rather than hex digests
	Watch     bool   // Reload as soon as the file changes on disk
}

// Properties serves DIGEST, and PLAIN as a supplementary mechanism, from a
// properties file of users.
type Properties struct {
	base
	config PropertiesConfig
	hasher realm.DigestHasher
	file   *propertiesFile
}

var (
	_ realm.IdentityProvider = (*Properties)(nil)
	_ realm.Starter          = (*Properties)(nil)
	_ realm.Stopper          = (*Properties)(nil)
)

// NewProperties creates a provider for realmName. Digest values in the file
// must have been computed with the same realm name.
func NewProperties(name, realmName string, config PropertiesConfig) *Properties {
	p := &Properties{
		base: base{
			name:          name,
			preferred:     realm.MechanismDigest,
			supplementary: []realm.Mechanism{realm.MechanismPlain},
		},
		config: config,
		hasher: realm.NewDigestHasher(realmName),
	}
	if !config.PlainText {
		p.options = map[string]string{OptionPreDigested: "true"}
	}
	p.file = newPropertiesFile(config.Path, p.loaded)
	return p
}

func (p *Properties) loaded(ctx context.Context, snap *propertiesSnapshot) {
	if snap.realmName != "" && snap.realmName != p.hasher.Realm() {
		logWarn(ctx, p.name, "Users file realm name does not match the realm", map[string]any{
			"path":       p.config.Path,
			"file_realm": snap.realmName,
			"realm":      p.hasher.Realm(),
		})
	}
	logDebug(ctx, p.name, "Users file loaded", map[string]any{
		"path":  p.config.Path,
		"users": snap.props.Len(),
	})
}

// Start reads the users file and, if configured, starts watching it.
func (p *Properties) Start(ctx context.Context) error {
	if _, err := p.file.reload(ctx); err != nil {
		return err
	}
	if p.config.Watch {
		return p.file.watch(ctx, p.name)
	}
	return nil
}

// Stop stops watching the users file.
func (p *Properties) Stop(context.Context) error {
	return p.file.stop()
}

// ReadyForHTTPChallenge reports whether at least one user is defined.
func (p *Properties) ReadyForHTTPChallenge() bool {
	snap, err := p.file.load(context.Background())
	if err != nil {
		return false
	}
	return snap.props.Len() > 0
}

// Identity looks principal up in the users file.
func (p *Properties) Identity(ctx context.Context, _ *realm.SharedState, principal string) (realm.Identity, error) {
	snap, err := p.file.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}

	value, ok := snap.props.Get(principal)
	if !ok {
		return nil, notFound(p.name, principal)
	}
	value = strings.TrimSpace(value)

	if p.config.PlainText {
		return &passwordIdentity{principal: principal, password: value, hasher: p.hasher}, nil
	}

	hash, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%s: malformed digest for %q: %w", p.name, principal, err)
	}
	return &digestIdentity{principal: principal, hash: hash, hasher: p.hasher}, nil
}

// PropertiesGroups loads comma separated group lists from a properties file.
type PropertiesGroups struct {
	name  string
	path  string
	watch bool
	file  *propertiesFile
}

var (
	_ realm.GroupProvider = (*PropertiesGroups)(nil)
	_ realm.Starter       = (*PropertiesGroups)(nil)
	_ realm.Stopper       = (*PropertiesGroups)(nil)
)

// NewPropertiesGroups creates a group provider for a username=group1,group2 file.
func NewPropertiesGroups(name, path string, watch bool) *PropertiesGroups {
	return &PropertiesGroups{
		name:  name,
		path:  path,
		watch: watch,
		file:  newPropertiesFile(path, nil),
	}
}

func (g *PropertiesGroups) Name() string {
	return g.name
}

func (g *PropertiesGroups) Start(ctx context.Context) error {
	if _, err := g.file.reload(ctx); err != nil {
		return err
	}
	if g.watch {
		return g.file.watch(ctx, g.name)
	}
	return nil
}

func (g *PropertiesGroups) Stop(context.Context) error {
	return g.file.stop()
}

// Groups returns the groups listed for principal. Users without a line have no groups.
func (g *PropertiesGroups) Groups(ctx context.Context, _ *realm.SharedState, principal string) ([]string, error) {
	snap, err := g.file.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", g.name, err)
	}

	value, ok := snap.props.Get(principal)
	if !ok {
		return []string{}, nil
	}

	groups := []string{}
	for _, group := range strings.Split(value, ",") {
		if group = strings.TrimSpace(group); group != "" {
			groups = append(groups, group)
		}
	}
	return groups, nil
}
