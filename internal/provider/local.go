package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/isometry/security-realm/internal/realm"
)

// LocalConfig configures the in-process (LOCAL) mechanism.
type LocalConfig struct {
	DefaultUser      string // Principal assumed when the caller supplies none
	AllowedUsers     string // "*" or a comma separated list; the default user is always allowed
	SkipGroupLoading bool   // Authenticated local callers get no groups
}

// Local authenticates callers running in the same process.
type Local struct {
	base
	config  LocalConfig
	anyUser bool
	allowed map[string]struct{}
}

var (
	_ realm.IdentityProvider  = (*Local)(nil)
	_ realm.PrincipalResolver = (*Local)(nil)
)

// NewLocal creates a LOCAL provider.
func NewLocal(name string, config LocalConfig) *Local {
	l := &Local{
		base: base{
			name:      name,
			preferred: realm.MechanismLocal,
		},
		config:  config,
		allowed: make(map[string]struct{}),
	}
	if config.DefaultUser != "" {
		l.options = map[string]string{OptionLocalDefaultUser: config.DefaultUser}
		l.allowed[config.DefaultUser] = struct{}{}
	}

	for _, u := range strings.Split(config.AllowedUsers, ",") {
		u = strings.TrimSpace(u)
		switch u {
		case "":
		case "*":
			l.anyUser = true
		default:
			l.allowed[u] = struct{}{}
		}
	}
	return l
}

// ReadyForHTTPChallenge is false: local authentication never challenges.
func (l *Local) ReadyForHTTPChallenge() bool {
	return false
}

func (l *Local) permitted(principal string) bool {
	if l.anyUser {
		return principal != ""
	}
	_, ok := l.allowed[principal]
	return ok
}

// Identity returns principal when it is allowed to authenticate locally.
func (l *Local) Identity(ctx context.Context, state *realm.SharedState, principal string) (realm.Identity, error) {
	if !l.permitted(principal) {
		return nil, notFound(l.name, principal)
	}
	if l.config.SkipGroupLoading && state != nil {
		state.SetSkipGroupLoading(true)
		logDebug(ctx, l.name, "Group loading disabled for local user", map[string]any{
			"principal": principal,
		})
	}
	return localIdentity(principal), nil
}

// ResolvePrincipal returns the default user for local evidence.
func (l *Local) ResolvePrincipal(_ context.Context, _ *realm.SharedState, evidence realm.Evidence) (string, error) {
	if _, ok := evidence.(realm.LocalEvidence); !ok {
		return "", fmt.Errorf("%s: %T is not local evidence: %w", l.name, evidence, realm.ErrVerificationFailed)
	}
	if l.config.DefaultUser == "" {
		return "", fmt.Errorf("%s: no default user: %w", l.name, realm.ErrNotFound)
	}
	return l.config.DefaultUser, nil
}

type localIdentity string

func (i localIdentity) Principal() string {
	return string(i)
}

func (i localIdentity) VerifyEvidence(_ context.Context, evidence realm.Evidence) (bool, error) {
	_, ok := evidence.(realm.LocalEvidence)
	return ok, nil
}
