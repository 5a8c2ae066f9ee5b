package realm

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// SubsystemRealm is the tflog subsystem for realm composition and authentication.
const SubsystemRealm = "realm"

const tracerName = "github.com/isometry/security-realm/internal/realm"

// Registration binds a mechanism to the provider serving it.
type Registration struct {
	Mechanism Mechanism
	Provider  IdentityProvider
	Options   map[string]string
}

// registry is the immutable mechanism table of a started realm.
type registry struct {
	preferred     map[Mechanism]*Registration
	supplementary map[Mechanism]*Registration // first declaring provider wins
}

type lifecycle int32

const (
	unstarted lifecycle = iota
	started
	stopped
)

func (l lifecycle) String() string {
	switch l {
	case unstarted:
		return "UNSTARTED"
	case started:
		return "STARTED"
	default:
		return "STOPPED"
	}
}

// Option customises a Realm.
type Option func(*Realm)

// WithIdentityProvider adds an identity provider. Providers are consulted for
// supplementary mechanisms in the order they were added.
func WithIdentityProvider(p IdentityProvider) Option {
	return func(r *Realm) {
		r.providers = append(r.providers, p)
	}
}

// WithGroupProvider sets the realm's single group (authorization) source.
func WithGroupProvider(g GroupProvider) Option {
	return func(r *Realm) {
		r.groups = g
	}
}

// WithMapGroupsToRoles copies loaded groups into the roles of the authorization identity.
func WithMapGroupsToRoles(enabled bool) Option {
	return func(r *Realm) {
		r.mapGroupsToRoles = enabled
	}
}

// WithTracer replaces the OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Realm) {
		r.tracer = t
	}
}

// WithMetrics records authentication outcomes on m.
func WithMetrics(m *Metrics) Option {
	return func(r *Realm) {
		r.metrics = m
	}
}

// Realm aggregates identity providers into one security domain per
// mechanism. A realm moves once through UNSTARTED, STARTED and STOPPED; its
// mechanism table is built at Start and read without locking until Stop.
type Realm struct {
	name             string
	mapGroupsToRoles bool
	providers        []IdentityProvider
	groups           GroupProvider
	tracer           trace.Tracer
	metrics          *Metrics
	digest           DigestHasher

	mu      sync.Mutex // serialises Start and Stop
	state   atomic.Int32
	current atomic.Pointer[registry]
}

// New creates an unstarted realm.
func New(name string, opts ...Option) *Realm {
	r := &Realm{
		name:   name,
		tracer: otel.Tracer(tracerName),
		digest: NewDigestHasher(name),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the realm name.
func (r *Realm) Name() string {
	return r.name
}

// DigestHasher returns the digest utility bound to this realm's name.
func (r *Realm) DigestHasher() DigestHasher {
	return r.digest
}

// Start registers every provider under its preferred mechanism and starts
// providers that need it. Start is atomic: on any failure the realm stays
// unusable and providers already started are stopped again.
func (r *Realm) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch lifecycle(r.state.Load()) {
	case started:
		return fmt.Errorf("realm %q already started", r.name)
	case stopped:
		return fmt.Errorf("realm %q: %w", r.name, ErrRealmStopped)
	}

	reg, err := buildRegistry(r.providers)
	if err != nil {
		tflog.SubsystemError(ctx, SubsystemRealm, "Realm configuration rejected", map[string]any{
			"realm": r.name,
			"error": err.Error(),
		})
		return fmt.Errorf("realm %q: %w", r.name, err)
	}

	if err := r.startProviders(ctx); err != nil {
		tflog.SubsystemError(ctx, SubsystemRealm, "Realm start failed", map[string]any{
			"realm": r.name,
			"error": err.Error(),
		})
		return fmt.Errorf("realm %q: %w", r.name, err)
	}

	r.current.Store(reg)
	r.state.Store(int32(started))

	tflog.SubsystemInfo(ctx, SubsystemRealm, "Realm started", map[string]any{
		"realm":      r.name,
		"mechanisms": mechanismNames(reg.mechanisms()),
		"groups":     r.groups != nil,
	})
	return nil
}

func buildRegistry(providers []IdentityProvider) (*registry, error) {
	reg := &registry{
		preferred:     make(map[Mechanism]*Registration),
		supplementary: make(map[Mechanism]*Registration),
	}

	for _, p := range providers {
		m := p.PreferredMechanism()
		if existing, ok := reg.preferred[m]; ok {
			return nil, fmt.Errorf("%w: %s claimed by %q and %q", ErrDuplicateMechanism, m, existing.Provider.Name(), p.Name())
		}
		reg.preferred[m] = &Registration{
			Mechanism: m,
			Provider:  p,
			Options:   maps.Clone(p.ConfigurationOptions()),
		}
	}

	for _, p := range providers {
		for _, m := range p.SupplementaryMechanisms() {
			if _, ok := reg.supplementary[m]; ok {
				continue
			}
			reg.supplementary[m] = &Registration{
				Mechanism: m,
				Provider:  p,
				Options:   maps.Clone(p.ConfigurationOptions()),
			}
		}
	}
	return reg, nil
}

// startProviders starts every Starter concurrently. If any fails the ones
// that succeeded are stopped.
func (r *Realm) startProviders(ctx context.Context) error {
	var (
		mu      sync.Mutex
		running []any
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range r.components() {
		s, ok := c.(Starter)
		if !ok {
			continue
		}
		g.Go(func() error {
			if err := s.Start(gctx); err != nil {
				return fmt.Errorf("start %s: %w", componentName(c), err)
			}
			mu.Lock()
			running = append(running, c)
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		_ = stopComponents(ctx, running)
		return err
	}
	return nil
}

// components lists identity providers followed by the group provider.
func (r *Realm) components() []any {
	cs := make([]any, 0, len(r.providers)+1)
	for _, p := range r.providers {
		cs = append(cs, p)
	}
	if r.groups != nil {
		cs = append(cs, r.groups)
	}
	return cs
}

func stopComponents(ctx context.Context, cs []any) error {
	var errs []error
	for _, c := range cs {
		if s, ok := c.(Stopper); ok {
			if err := s.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", componentName(c), err))
			}
		}
	}
	return errors.Join(errs...)
}

func componentName(c any) string {
	if n, ok := c.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", c)
}

// Stop clears the mechanism table. Security domains obtained earlier fail
// with ErrRealmStopped from then on. Stopping an unstarted realm only marks
// it stopped.
func (r *Realm) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := lifecycle(r.state.Swap(int32(stopped)))
	r.current.Store(nil)
	if prev != started {
		return nil
	}

	err := stopComponents(ctx, r.components())
	tflog.SubsystemInfo(ctx, SubsystemRealm, "Realm stopped", map[string]any{
		"realm": r.name,
	})
	return err
}

// State returns UNSTARTED, STARTED or STOPPED.
func (r *Realm) State() string {
	return lifecycle(r.state.Load()).String()
}

func (r *Realm) snapshot() (*registry, error) {
	if reg := r.current.Load(); reg != nil {
		return reg, nil
	}
	if lifecycle(r.state.Load()) == stopped {
		return nil, fmt.Errorf("realm %q: %w", r.name, ErrRealmStopped)
	}
	return nil, fmt.Errorf("realm %q: %w", r.name, ErrRealmNotStarted)
}

// Lookup returns the registration for mechanism: the provider preferring it,
// otherwise the first provider declaring it as supplementary.
func (r *Realm) Lookup(mechanism Mechanism) (*Registration, error) {
	reg, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	return reg.lookup(r.name, mechanism)
}

func (reg *registry) lookup(realmName string, mechanism Mechanism) (*Registration, error) {
	if p, ok := reg.preferred[mechanism]; ok {
		return p, nil
	}
	if s, ok := reg.supplementary[mechanism]; ok {
		return s, nil
	}
	return nil, fmt.Errorf("realm %q: %w: %s", realmName, ErrNoProviderForMechanism, mechanism)
}

func (reg *registry) mechanisms() []Mechanism {
	ms := slices.Collect(maps.Keys(reg.preferred))
	for m := range reg.supplementary {
		if _, ok := reg.preferred[m]; !ok {
			ms = append(ms, m)
		}
	}
	SortMechanisms(ms)
	return ms
}

// Mechanisms lists the mechanisms the realm serves, in negotiation order.
func (r *Realm) Mechanisms() ([]Mechanism, error) {
	reg, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	return reg.mechanisms(), nil
}

// SelectMechanism picks the highest priority mechanism among offered that
// the realm serves.
func (r *Realm) SelectMechanism(offered ...Mechanism) (Mechanism, error) {
	reg, err := r.snapshot()
	if err != nil {
		return "", err
	}

	candidates := slices.Clone(offered)
	SortMechanisms(candidates)
	for _, m := range candidates {
		if _, err := reg.lookup(r.name, m); err == nil {
			return m, nil
		}
	}
	return "", fmt.Errorf("realm %q: %w: none of %v", r.name, ErrNoProviderForMechanism, mechanismNames(offered))
}

// MechanismConfiguration returns the configuration options exported for
// each served mechanism.
func (r *Realm) MechanismConfiguration() (map[Mechanism]map[string]string, error) {
	reg, err := r.snapshot()
	if err != nil {
		return nil, err
	}

	out := make(map[Mechanism]map[string]string)
	for _, m := range reg.mechanisms() {
		p, _ := reg.lookup(r.name, m)
		out[m] = maps.Clone(p.Options)
	}
	return out, nil
}

// ReadyForHTTPChallenge reports whether a provider serving a challenge
// mechanism (PLAIN or DIGEST) can currently present credentials.
func (r *Realm) ReadyForHTTPChallenge() bool {
	reg, err := r.snapshot()
	if err != nil {
		return false
	}
	for _, m := range reg.mechanisms() {
		if !m.Challenge() {
			continue
		}
		if p, _ := reg.lookup(r.name, m); p.Provider.ReadyForHTTPChallenge() {
			return true
		}
	}
	return false
}

// SecurityDomain returns the aggregate authentication and group source for mechanism.
func (r *Realm) SecurityDomain(mechanism Mechanism) (*SecurityDomain, error) {
	reg, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	registration, err := reg.lookup(r.name, mechanism)
	if err != nil {
		return nil, err
	}
	return &SecurityDomain{
		realm:        r,
		registry:     reg,
		mechanism:    mechanism,
		registration: registration,
	}, nil
}

// Authenticate authenticates principal with evidence through the provider
// serving mechanism and loads its groups.
func (r *Realm) Authenticate(ctx context.Context, mechanism Mechanism, principal string, evidence Evidence) (*AuthorizationIdentity, error) {
	domain, err := r.SecurityDomain(mechanism)
	if err != nil {
		return nil, err
	}
	return domain.Authenticate(ctx, principal, evidence)
}

func mechanismNames(ms []Mechanism) []string {
	names := make([]string, len(ms))
	for i, m := range ms {
		names[i] = string(m)
	}
	return names
}
