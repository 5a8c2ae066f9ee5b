package provider

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/isometry/security-realm/internal/ldap"
	"github.com/isometry/security-realm/internal/realm"
)

// UserCache caches user searches keyed by the supplied username.
type UserCache = ldap.SearchCache[ldap.DirectoryEntry, string]

// GroupCache caches group searches keyed by the member entry.
type GroupCache = ldap.SearchCache[[]ldap.DirectoryEntry, ldap.DirectoryEntry]

// keyUserEntry holds the ldap.DirectoryEntry found during authentication.
const keyUserEntry = "ldap.user_entry"

// verifiedPassword holds the SHA-256 of a password that bound successfully.
var verifiedPassword = ldap.NewAttachmentKey("verified-password")

// LDAPConfig configures an LDAP identity provider.
type LDAPConfig struct {
	AllowEmptyPasswords bool // Pass empty passwords to the directory instead of rejecting them
	ShareConnection     bool // Keep the connection for the group loading step of the same request
}

// LDAP authenticates users by locating their entry and binding as it.
type LDAP struct {
	base
	manager ldap.ConnectionManager
	users   *UserCache
	config  LDAPConfig
}

var _ realm.IdentityProvider = (*LDAP)(nil)

// NewLDAP creates a PLAIN provider searching users through cache.
func NewLDAP(name string, manager ldap.ConnectionManager, users *UserCache, config LDAPConfig) *LDAP {
	return &LDAP{
		base: base{
			name:      name,
			preferred: realm.MechanismPlain,
		},
		manager: manager,
		users:   users,
		config:  config,
	}
}

// ReadyForHTTPChallenge is always true: the directory is asked on demand.
func (l *LDAP) ReadyForHTTPChallenge() bool {
	return true
}

// Cache exposes the user cache for flush operations.
func (l *LDAP) Cache() *UserCache {
	return l.users
}

// Identity searches the directory for principal.
func (l *LDAP) Identity(ctx context.Context, state *realm.SharedState, principal string) (realm.Identity, error) {
	h := ldap.NewConnectionHandler(l.manager)

	result, err := l.users.Search(ctx, h, principal)
	if err != nil {
		_ = h.Close()
		if errors.Is(err, ldap.ErrNotFound) || errors.Is(err, ldap.ErrReferralUnresolvable) {
			return nil, notFound(l.name, principal)
		}
		ldap.LogLDAPError(ctx, SubsystemProvider, "user_search", err, map[string]any{
			"provider":  l.name,
			"principal": principal,
		})
		return nil, fmt.Errorf("%s: user search: %w", l.name, err)
	}

	entry := result.Value
	identity := &ldapIdentity{
		principal: principal,
		provider:  l,
		result:    result,
		handler:   h,
	}

	if state == nil {
		// Verification binds on its own connection, so nothing needs the pooled
		// one if the caller never verifies.
		h.Release()
		identity.closeAfterVerify = true
		return identity, nil
	}

	if entry.SimpleName != "" && entry.SimpleName != principal {
		state.SetLoadedUsername(entry.SimpleName)
	}
	state.Set(keyUserEntry, entry)
	state.OnClose(h)

	if l.config.ShareConnection {
		state.Set(realm.KeyConnection, h)
	} else {
		h.Release()
		identity.closeAfterVerify = true
	}

	logDebug(ctx, l.name, "User entry found", map[string]any{
		"principal": principal,
		"dn":        entry.DistinguishedName,
		"referred":  entry.Referred(),
	})
	return identity, nil
}

type ldapIdentity struct {
	principal        string
	provider         *LDAP
	result           *ldap.SearchResult[ldap.DirectoryEntry]
	handler          *ldap.ConnectionHandler
	closeAfterVerify bool
}

func (i *ldapIdentity) Principal() string {
	return i.principal
}

// VerifyEvidence binds as the user entry. A password that bound before is
// accepted again from the cached result without another bind.
func (i *ldapIdentity) VerifyEvidence(ctx context.Context, evidence realm.Evidence) (bool, error) {
	if i.closeAfterVerify {
		defer i.handler.Close()
	}

	e, ok := evidence.(realm.PasswordEvidence)
	if !ok {
		return false, nil
	}
	if e.Password == "" && !i.provider.config.AllowEmptyPasswords {
		return false, nil
	}

	sum := sha256.Sum256([]byte(e.Password))
	if v, ok := i.result.Attachment(verifiedPassword); ok {
		if stored, ok := v.([]byte); ok && bytes.Equal(stored, sum[:]) {
			return true, nil
		}
	}

	err := i.handler.VerifyEntry(ctx, i.result.Value, e.Password)
	switch {
	case err == nil:
		i.result.Attach(verifiedPassword, sum[:])
		return true, nil
	case errors.Is(err, ldap.ErrAuthFailed), errors.Is(err, ldap.ErrReferralUnresolvable):
		return false, nil
	default:
		return false, fmt.Errorf("%s: verify bind: %w", i.provider.name, err)
	}
}

// GroupNameMode selects how LDAP groups are named.
type GroupNameMode string

const (
	GroupNameSimple            GroupNameMode = "SIMPLE"
	GroupNameDistinguishedName GroupNameMode = "DISTINGUISHED_NAME"
)

// LDAPGroupsConfig configures an LDAP group provider.
type LDAPGroupsConfig struct {
	ForceUserDNSearch bool          // Search the user entry even if authentication found it
	Iterative         bool          // Follow group-of-group membership
	GroupName         GroupNameMode // SIMPLE or DISTINGUISHED_NAME
}

// LDAPGroups loads groups of a principal from the directory.
type LDAPGroups struct {
	name     string
	manager  ldap.ConnectionManager
	users    *UserCache // nil: the principal name is its own DN
	groups   *GroupCache
	searcher ldap.GroupSearcher
	config   LDAPGroupsConfig
}

var _ realm.GroupProvider = (*LDAPGroups)(nil)

// NewLDAPGroups creates a group provider. users may be nil when principal
// names are DNs.
func NewLDAPGroups(name string, manager ldap.ConnectionManager, users *UserCache, groups *GroupCache, config LDAPGroupsConfig) *LDAPGroups {
	if config.GroupName == "" {
		config.GroupName = GroupNameSimple
	}

	var searcher ldap.GroupSearcher = ldap.SearcherFunc[[]ldap.DirectoryEntry, ldap.DirectoryEntry](
		func(ctx context.Context, h *ldap.ConnectionHandler, member ldap.DirectoryEntry) ([]ldap.DirectoryEntry, error) {
			result, err := groups.Search(ctx, h, member)
			if err != nil {
				return nil, err
			}
			return result.Value, nil
		})
	if config.Iterative {
		searcher = ldap.NewIterativeGroupSearcher(searcher)
	}

	return &LDAPGroups{
		name:     name,
		manager:  manager,
		users:    users,
		groups:   groups,
		searcher: searcher,
		config:   config,
	}
}

func (g *LDAPGroups) Name() string {
	return g.name
}

// Cache exposes the group cache for flush operations.
func (g *LDAPGroups) Cache() *GroupCache {
	return g.groups
}

// Groups resolves principal to its user entry and searches its groups,
// reusing the authentication step's connection when it was shared.
func (g *LDAPGroups) Groups(ctx context.Context, state *realm.SharedState, principal string) ([]string, error) {
	h, owned := g.handler(state)
	if owned {
		defer h.Close()
	}

	user, err := g.userEntry(ctx, state, h, principal)
	if err != nil {
		return nil, err
	}

	found, err := g.searcher.Search(ctx, h, user)
	if err != nil {
		if errors.Is(err, ldap.ErrNotFound) {
			return []string{}, nil
		}
		ldap.LogLDAPError(ctx, SubsystemProvider, "group_search", err, map[string]any{
			"provider":  g.name,
			"principal": principal,
		})
		return nil, fmt.Errorf("%s: group search: %w", g.name, err)
	}

	names := make([]string, 0, len(found))
	for _, group := range found {
		if g.config.GroupName == GroupNameDistinguishedName {
			names = append(names, group.DistinguishedName)
		} else {
			names = append(names, group.SimpleName)
		}
	}

	logDebug(ctx, g.name, "Groups loaded", map[string]any{
		"principal": principal,
		"groups":    len(names),
	})
	return names, nil
}

func (g *LDAPGroups) handler(state *realm.SharedState) (*ldap.ConnectionHandler, bool) {
	if state != nil {
		if v, ok := state.Get(realm.KeyConnection); ok {
			if h, ok := v.(*ldap.ConnectionHandler); ok && h.Manager() == g.manager {
				return h, false
			}
		}
	}
	return ldap.NewConnectionHandler(g.manager), true
}

func (g *LDAPGroups) userEntry(ctx context.Context, state *realm.SharedState, h *ldap.ConnectionHandler, principal string) (ldap.DirectoryEntry, error) {
	if state != nil && !g.config.ForceUserDNSearch {
		if v, ok := state.Get(keyUserEntry); ok {
			if entry, ok := v.(ldap.DirectoryEntry); ok {
				return entry, nil
			}
		}
	}

	if g.users == nil {
		return ldap.NewDirectoryEntry(principal, principal), nil
	}

	result, err := g.users.Search(ctx, h, principal)
	if err != nil {
		if errors.Is(err, ldap.ErrNotFound) || errors.Is(err, ldap.ErrReferralUnresolvable) {
			return ldap.DirectoryEntry{}, notFound(g.name, principal)
		}
		return ldap.DirectoryEntry{}, fmt.Errorf("%s: user search: %w", g.name, err)
	}
	return result.Value, nil
}
