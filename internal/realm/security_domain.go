package realm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AuthorizationIdentity is the outcome of a successful authentication.
type AuthorizationIdentity struct {
	Principal string
	Mechanism Mechanism
	Groups    []string
	Roles     []string
	RequestID string
}

// HasRole reports whether the identity holds role.
func (a *AuthorizationIdentity) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// SecurityDomain composes one mechanism's identity source with the realm's
// group source. It is valid only while the realm that created it stays started.
type SecurityDomain struct {
	realm        *Realm
	registry     *registry
	mechanism    Mechanism
	registration *Registration
}

// Mechanism returns the mechanism the domain was obtained for.
func (d *SecurityDomain) Mechanism() Mechanism {
	return d.mechanism
}

// Provider returns the identity provider serving the domain's mechanism.
func (d *SecurityDomain) Provider() IdentityProvider {
	return d.registration.Provider
}

func (d *SecurityDomain) valid() error {
	if d.realm.current.Load() != d.registry {
		return fmt.Errorf("realm %q: %w", d.realm.name, ErrRealmStopped)
	}
	return nil
}

// Authenticate verifies evidence for principal and loads the principal's
// groups. An empty principal is resolved from the evidence when the provider
// supports it. Unknown principals and wrong evidence both yield
// ErrAuthenticationFailed.
func (d *SecurityDomain) Authenticate(ctx context.Context, principal string, evidence Evidence) (identity *AuthorizationIdentity, err error) {
	if err := d.valid(); err != nil {
		return nil, err
	}

	start := time.Now()
	state := NewSharedState()
	defer state.Close()

	ctx = tflog.SubsystemSetField(ctx, SubsystemRealm, "request_id", state.ID())
	ctx, span := d.realm.tracer.Start(ctx, "realm.authenticate", trace.WithAttributes(
		attribute.String("realm.name", d.realm.name),
		attribute.String("auth.mechanism", string(d.mechanism)),
		attribute.String("auth.provider", d.registration.Provider.Name()),
		attribute.String("request.id", state.ID()),
	))
	defer func() {
		result := "success"
		switch {
		case errors.Is(err, ErrAuthenticationFailed):
			result = "denied"
			span.SetStatus(codes.Error, "denied")
		case err != nil:
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		d.realm.metrics.RecordAuthentication(d.realm.name, d.mechanism, result, time.Since(start))
		span.End()
	}()

	name, err := d.verify(ctx, state, principal, evidence)
	if err != nil {
		return nil, err
	}

	groups, err := d.loadGroups(ctx, state, name)
	if err != nil {
		return nil, err
	}

	identity = &AuthorizationIdentity{
		Principal: name,
		Mechanism: d.mechanism,
		Groups:    groups,
		RequestID: state.ID(),
	}
	if d.realm.mapGroupsToRoles {
		identity.Roles = slices.Clone(groups)
	}

	tflog.SubsystemDebug(ctx, SubsystemRealm, "Authentication succeeded", map[string]any{
		"realm":       d.realm.name,
		"mechanism":   string(d.mechanism),
		"principal":   name,
		"group_count": len(groups),
	})
	return identity, nil
}

// verify runs the authentication step and returns the canonical principal name.
func (d *SecurityDomain) verify(ctx context.Context, state *SharedState, principal string, evidence Evidence) (string, error) {
	provider := d.registration.Provider

	if principal == "" {
		resolver, ok := provider.(PrincipalResolver)
		if !ok {
			return "", d.deny(ctx, principal, "no principal supplied")
		}
		resolved, err := resolver.ResolvePrincipal(ctx, state, evidence)
		if err != nil {
			if IsDenial(err) {
				return "", d.deny(ctx, principal, err.Error())
			}
			return "", fmt.Errorf("%s: resolve principal: %w", provider.Name(), err)
		}
		principal = resolved
	}

	id, err := provider.Identity(ctx, state, principal)
	if err != nil {
		if IsDenial(err) {
			return "", d.deny(ctx, principal, "unknown principal")
		}
		return "", fmt.Errorf("%s: identity lookup: %w", provider.Name(), err)
	}

	ok, err := id.VerifyEvidence(ctx, evidence)
	if err != nil {
		if IsDenial(err) {
			return "", d.deny(ctx, principal, err.Error())
		}
		return "", fmt.Errorf("%s: verify evidence: %w", provider.Name(), err)
	}
	if !ok {
		return "", d.deny(ctx, principal, "evidence rejected")
	}

	if loaded := state.LoadedUsername(); loaded != "" {
		return loaded, nil
	}
	return id.Principal(), nil
}

// deny logs the real reason and returns the generic denial.
func (d *SecurityDomain) deny(ctx context.Context, principal, reason string) error {
	tflog.SubsystemDebug(ctx, SubsystemRealm, "Authentication denied", map[string]any{
		"realm":     d.realm.name,
		"mechanism": string(d.mechanism),
		"principal": principal,
		"reason":    reason,
	})
	return ErrAuthenticationFailed
}

// loadGroups runs the group loading step unless the authentication step
// disabled it for this request.
func (d *SecurityDomain) loadGroups(ctx context.Context, state *SharedState, principal string) ([]string, error) {
	if d.realm.groups == nil || state.SkipGroupLoading() {
		return []string{}, nil
	}

	ctx, span := d.realm.tracer.Start(ctx, "realm.load_groups", trace.WithAttributes(
		attribute.String("realm.name", d.realm.name),
		attribute.String("groups.provider", d.realm.groups.Name()),
	))
	defer span.End()

	groups, err := d.realm.groups.Groups(ctx, state, principal)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return []string{}, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%s: load groups: %w", d.realm.groups.Name(), err)
	}

	span.SetAttributes(attribute.Int("groups.count", len(groups)))
	return dedupe(groups), nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
