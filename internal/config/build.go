package config

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/isometry/security-realm/internal/ldap"
	"github.com/isometry/security-realm/internal/plugin"
	"github.com/isometry/security-realm/internal/provider"
	"github.com/isometry/security-realm/internal/realm"
)

// SubsystemConfig is the log subsystem used while building realms.
const SubsystemConfig = "config"

// Builder turns a validated Config into running components.
type Builder struct {
	credentials  CredentialSource
	loader       *plugin.Loader
	modules      map[string]provider.LoginModule
	poolOptions  []ldap.PoolOption
	tracer       trace.Tracer
	cacheMetrics *ldap.CacheMetrics
	realmMetrics *realm.Metrics
}

// BuildOption customises a Builder.
type BuildOption func(*Builder)

// WithCredentialSource resolves bind credentials. Defaults to EnvCredentials.
func WithCredentialSource(s CredentialSource) BuildOption {
	return func(b *Builder) {
		b.credentials = s
	}
}

// WithPlugInLoader supplies the plug-ins realms may reference.
func WithPlugInLoader(l *plugin.Loader) BuildOption {
	return func(b *Builder) {
		b.loader = l
	}
}

// WithLoginModule makes m available to delegate realms under name.
func WithLoginModule(name string, m provider.LoginModule) BuildOption {
	return func(b *Builder) {
		b.modules[name] = m
	}
}

// WithPoolOptions is passed to every connection manager.
func WithPoolOptions(opts ...ldap.PoolOption) BuildOption {
	return func(b *Builder) {
		b.poolOptions = append(b.poolOptions, opts...)
	}
}

// WithTracer traces authentications of every realm.
func WithTracer(t trace.Tracer) BuildOption {
	return func(b *Builder) {
		b.tracer = t
	}
}

// WithMetrics registers realm and search cache metrics with registerer.
func WithMetrics(registerer prometheus.Registerer) BuildOption {
	return func(b *Builder) {
		b.cacheMetrics = ldap.NewCacheMetrics(registerer)
		b.realmMetrics = realm.NewMetrics(registerer)
	}
}

// Server holds the connection managers and realms built from a Config.
type Server struct {
	Registry *ldap.Registry

	realms        map[string]*realm.Realm
	order         []string
	domainServers map[string]*provider.DomainServer
	userCaches    map[string]*provider.UserCache
	groupCaches   map[string]*provider.GroupCache
}

// Build creates the connection managers and realms cfg describes. Realms are
// not started.
func Build(ctx context.Context, cfg *Config, opts ...BuildOption) (*Server, error) {
	b := &Builder{
		credentials: EnvCredentials{},
		modules:     make(map[string]provider.LoginModule),
	}
	for _, opt := range opts {
		opt(b)
	}

	s := &Server{
		Registry:      ldap.NewRegistry(),
		realms:        make(map[string]*realm.Realm),
		domainServers: make(map[string]*provider.DomainServer),
		userCaches:    make(map[string]*provider.UserCache),
		groupCaches:   make(map[string]*provider.GroupCache),
	}

	for _, m := range cfg.ConnectionManagers {
		if _, err := s.Registry.Add(ctx, b.connectionConfig(ctx, m), b.poolOptions...); err != nil {
			return nil, errors.Join(err, s.Registry.Close())
		}
	}

	for _, rc := range cfg.Realms {
		r, err := b.buildRealm(ctx, s, rc)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("realm %q: %w", rc.Name, err), s.Registry.Close())
		}
		s.realms[rc.Name] = r
		s.order = append(s.order, rc.Name)
	}

	tflog.SubsystemDebug(ctx, SubsystemConfig, "Configuration built", map[string]any{
		"connection_managers": len(cfg.ConnectionManagers),
		"realms":              s.order,
	})
	return s, nil
}

func (b *Builder) connectionConfig(ctx context.Context, m ConnectionManagerConfig) *ldap.ConnectionConfig {
	c := ldap.DefaultConfig()
	c.Name = m.Name
	c.LDAPURLs = slices.Clone(m.URLs)
	c.Domain = m.Domain
	c.Timeout = m.Timeout
	c.BindDN = m.BindDN
	c.BindPassword = resolveBindPassword(ctx, b.credentials, m)
	c.KerberosRealm = m.Kerberos.Realm
	c.KerberosKeytab = m.Kerberos.Keytab
	c.KerberosConfig = m.Kerberos.Config
	c.KerberosCCache = m.Kerberos.CCache
	c.KerberosSPN = m.Kerberos.SPN
	c.StartTLS = m.StartTLS
	c.TLSConfig = &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: m.InsecureSkipVerify, //nolint:gosec
	}
	c.Referrals = ldap.ReferralMode(strings.ToLower(m.Referrals))
	c.HandlesReferralsFor = slices.Clone(m.HandlesReferralsFor)
	c.SearchTimeLimit = m.SearchTimeLimit
	c.MaxConnections = m.MaxConnections
	c.MaxIdleTime = m.MaxIdleTime
	return c
}

func (b *Builder) buildRealm(ctx context.Context, s *Server, rc RealmConfig) (*realm.Realm, error) {
	opts := []realm.Option{
		realm.WithMapGroupsToRoles(rc.MapGroupsToRoles == nil || *rc.MapGroupsToRoles),
	}
	if b.tracer != nil {
		opts = append(opts, realm.WithTracer(b.tracer))
	}
	if b.realmMetrics != nil {
		opts = append(opts, realm.WithMetrics(b.realmMetrics))
	}

	add := func(p realm.IdentityProvider) {
		opts = append(opts, realm.WithIdentityProvider(p))
	}

	if c := rc.Local; c != nil {
		add(provider.NewLocal("local", provider.LocalConfig{
			DefaultUser:      c.DefaultUser,
			AllowedUsers:     c.AllowedUsers,
			SkipGroupLoading: c.SkipGroupLoading,
		}))
	}

	if c := rc.Properties; c != nil {
		add(provider.NewProperties("properties", rc.Name, provider.PropertiesConfig{
			Path:      c.Path,
			PlainText: c.PlainText,
			Watch:     c.Watch,
		}))
	}

	if len(rc.Users) > 0 {
		add(provider.NewUsers("users", rc.Name, rc.Users))
	}

	if c := rc.Delegate; c != nil {
		d, err := b.delegate(c)
		if err != nil {
			return nil, err
		}
		add(d)
	}

	if c := rc.Kerberos; c != nil {
		add(provider.NewKerberos("kerberos", provider.KerberosConfig{
			Keytab:           c.Keytab,
			ServicePrincipal: c.ServicePrincipal,
			MaxClockSkew:     c.MaxClockSkew,
			RemoveRealm:      c.RemoveRealm,
		}))
	}

	if c := rc.ClientCert; c != nil {
		roots, err := loadCertPool(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("client_cert: %w", err)
		}
		add(provider.NewClientCert("client-cert", provider.ClientCertConfig{
			Roots:       roots,
			FullSubject: c.FullSubject,
		}))
	}

	if c := rc.PlugIn; c != nil {
		if b.loader == nil {
			return nil, errors.New("plugin: no plug-in loader configured")
		}
		p, err := provider.NewPlugIn("plugin", rc.Name, b.loader, plugInConfig(c))
		if err != nil {
			return nil, fmt.Errorf("plugin: %w", err)
		}
		add(p)
	}

	var users *provider.UserCache
	if c := rc.LDAP; c != nil {
		manager, err := s.manager(c.ConnectionManager)
		if err != nil {
			return nil, fmt.Errorf("ldap: %w", err)
		}
		users, err = b.userCache(rc.Name, c)
		if err != nil {
			return nil, fmt.Errorf("ldap: %w", err)
		}
		s.userCaches[rc.Name] = users
		add(provider.NewLDAP("ldap", manager, users, provider.LDAPConfig{
			AllowEmptyPasswords: c.AllowEmptyPasswords,
			ShareConnection:     c.ShareConnection,
		}))
	}

	if c := rc.DomainServer; c != nil && c.Enabled {
		ds := provider.NewDomainServer("domain-server")
		s.domainServers[rc.Name] = ds
		add(ds)
	}

	if rc.Authorization != nil {
		g, err := b.groupProvider(ctx, s, rc, users)
		if err != nil {
			return nil, fmt.Errorf("authorization: %w", err)
		}
		if g != nil {
			opts = append(opts, realm.WithGroupProvider(g))
		}
	}

	return realm.New(rc.Name, opts...), nil
}

func (b *Builder) delegate(c *DelegateConfig) (*provider.Delegate, error) {
	entries := make([]provider.LoginModuleEntry, 0, len(c.Modules))
	for _, mc := range c.Modules {
		module, ok := b.modules[mc.Name]
		if !ok {
			return nil, fmt.Errorf("delegate: unknown login module %q", mc.Name)
		}
		flag, err := provider.ParseControlFlag(mc.Flag)
		if err != nil {
			return nil, fmt.Errorf("delegate: %w", err)
		}
		entries = append(entries, provider.LoginModuleEntry{Name: mc.Name, Flag: flag, Module: module})
	}
	return provider.NewDelegate("delegate", entries...)
}

func (b *Builder) groupProvider(ctx context.Context, s *Server, rc RealmConfig, users *provider.UserCache) (realm.GroupProvider, error) {
	a := rc.Authorization
	switch {
	case a.Properties != nil:
		return provider.NewPropertiesGroups("properties-groups", a.Properties.Path, a.Properties.Watch), nil

	case a.PlugIn != nil:
		if b.loader == nil {
			return nil, errors.New("plugin: no plug-in loader configured")
		}
		return provider.NewPlugInGroups("plugin-groups", rc.Name, b.loader, plugInConfig(a.PlugIn)), nil

	case a.LDAP != nil:
		c := a.LDAP
		manager, err := s.manager(c.ConnectionManager)
		if err != nil {
			return nil, fmt.Errorf("ldap: %w", err)
		}
		if rc.LDAP != nil && rc.LDAP.ConnectionManager != c.ConnectionManager {
			// Users found through another directory cannot be searched here.
			tflog.SubsystemWarn(ctx, SubsystemConfig, "Group directory differs from the authentication directory, principals are used as DNs", map[string]any{
				"realm": rc.Name,
			})
			users = nil
		}
		groups, err := b.groupCache(rc.Name, c)
		if err != nil {
			return nil, fmt.Errorf("ldap: %w", err)
		}
		s.groupCaches[rc.Name] = groups
		return provider.NewLDAPGroups("ldap-groups", manager, users, groups, provider.LDAPGroupsConfig{
			ForceUserDNSearch: c.ForceUserDNSearch,
			Iterative:         c.Iterative,
			GroupName:         provider.GroupNameMode(strings.ToUpper(c.GroupName)),
		}), nil
	}
	return nil, nil
}

func (b *Builder) userCache(realmName string, c *LDAPConfig) (*provider.UserCache, error) {
	if c.UsernameIsDN {
		return newCache[ldap.DirectoryEntry, string](ldap.UsernameIsDN{}, c.Cache, realmName+"/users", b.cacheMetrics)
	}
	searcher, err := ldap.NewUserFilterSearcher(ldap.UserSearchConfig{
		BaseDN:                c.BaseDN,
		UsernameAttribute:     c.UsernameAttribute,
		AdvancedFilter:        c.AdvancedFilter,
		Recursive:             c.Recursive,
		UserDNAttribute:       c.UserDNAttribute,
		UsernameLoadAttribute: c.UsernameLoadAttribute,
		LoadObjectSID:         c.LoadObjectSID,
	})
	if err != nil {
		return nil, err
	}
	return newCache[ldap.DirectoryEntry, string](searcher, c.Cache, realmName+"/users", b.cacheMetrics)
}

func (b *Builder) groupCache(realmName string, c *LDAPGroupsConfig) (*provider.GroupCache, error) {
	var searcher ldap.GroupSearcher
	if g := c.GroupToPrincipal; g != nil {
		s, err := ldap.NewGroupToPrincipalSearcher(ldap.GroupToPrincipalConfig{
			BaseDN:             g.BaseDN,
			Recursive:          g.Recursive,
			PrincipalAttribute: g.PrincipalAttribute,
			GroupNameAttribute: g.GroupNameAttribute,
			SearchBy:           ldap.SearchBy(strings.ToUpper(g.SearchBy)),
			CaseSensitive:      g.CaseSensitive,
		})
		if err != nil {
			return nil, err
		}
		searcher = s
	} else {
		g := c.PrincipalToGroup
		s, err := ldap.NewPrincipalToGroupSearcher(ldap.PrincipalToGroupConfig{
			GroupAttribute:           g.GroupAttribute,
			GroupNameAttribute:       g.GroupNameAttribute,
			ParseGroupNameFromDN:     g.ParseGroupNameFromDN,
			SkipMissingGroups:        g.SkipMissingGroups,
			PreferOriginalConnection: g.PreferOriginalConnection,
		})
		if err != nil {
			return nil, err
		}
		searcher = s
	}
	return newCache(searcher, c.Cache, realmName+"/groups", b.cacheMetrics)
}

func newCache[R any, K comparable](searcher ldap.Searcher[R, K], c CacheConfig, name string, metrics *ldap.CacheMetrics) (*ldap.SearchCache[R, K], error) {
	policy, err := ldap.ParseCachePolicy(strings.ToLower(c.Policy))
	if err != nil {
		return nil, err
	}
	return ldap.NewSearchCache(searcher, policy, c.EvictionTime, c.CacheFailures, c.MaxSize,
		ldap.WithCacheName(name),
		ldap.WithCacheMetrics(metrics),
	), nil
}

func plugInConfig(c *PlugInConfig) provider.PlugInConfig {
	return provider.PlugInConfig{
		PlugIns:    slices.Clone(c.PlugIns),
		Mechanism:  realm.Mechanism(strings.ToUpper(c.Mechanism)),
		Properties: c.Properties,
	}
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

func (s *Server) manager(name string) (*ldap.Pool, error) {
	p, ok := s.Registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown connection manager %q", name)
	}
	return p, nil
}

// Realm returns the realm built under name.
func (s *Server) Realm(name string) (*realm.Realm, bool) {
	r, ok := s.realms[name]
	return r, ok
}

// Realms lists realm names in configuration order.
func (s *Server) Realms() []string {
	return slices.Clone(s.order)
}

// DomainServer returns the managed server provider of the named realm, so a
// token verifier can be installed once the domain connection is up.
func (s *Server) DomainServer(realmName string) (*provider.DomainServer, bool) {
	ds, ok := s.domainServers[realmName]
	return ds, ok
}

// FlushCaches evicts every cached user and group search of the named realm.
func (s *Server) FlushCaches(ctx context.Context, realmName string) error {
	if _, ok := s.realms[realmName]; !ok {
		return fmt.Errorf("unknown realm %q", realmName)
	}
	if c, ok := s.userCaches[realmName]; ok {
		c.EvictAll(ctx)
	}
	if c, ok := s.groupCaches[realmName]; ok {
		c.EvictAll(ctx)
	}
	return nil
}

// Start starts every realm in configuration order, stopping the ones already
// started if one fails.
func (s *Server) Start(ctx context.Context) error {
	for i, name := range s.order {
		if err := s.realms[name].Start(ctx); err != nil {
			for _, started := range slices.Backward(s.order[:i]) {
				_ = s.realms[started].Stop(ctx)
			}
			return fmt.Errorf("start realm %q: %w", name, err)
		}
	}
	return nil
}

// Stop stops every realm and closes the connection managers.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	for _, name := range slices.Backward(s.order) {
		if err := s.realms[name].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop realm %q: %w", name, err))
		}
	}
	errs = append(errs, s.Registry.Close())
	return errors.Join(errs...)
}
