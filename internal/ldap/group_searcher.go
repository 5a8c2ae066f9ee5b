package ldap

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// GroupSearcher resolves the groups an entry (user or group) belongs to.
type GroupSearcher = Searcher[[]DirectoryEntry, DirectoryEntry]

// SearchBy selects which form of the principal a group filter matches.
type SearchBy string

const (
	SearchBySimple            SearchBy = "SIMPLE"
	SearchByDistinguishedName SearchBy = "DISTINGUISHED_NAME"
)

// GroupToPrincipalConfig configures a GroupToPrincipalSearcher.
type GroupToPrincipalConfig struct {
	BaseDN             string   // Search base for group entries
	Recursive          bool     // Subtree rather than one-level search
	PrincipalAttribute string   // Membership attribute on the group, e.g. member or uniqueMember
	GroupNameAttribute string   // Attribute holding the group's simple name, defaults to the RDN value
	SearchBy           SearchBy // Match the principal's DN or simple name
	CaseSensitive      bool     // Require the membership value to match literally
}

// GroupToPrincipalSearcher finds group entries whose membership attribute names the principal.
type GroupToPrincipalSearcher struct {
	config GroupToPrincipalConfig
}

var _ GroupSearcher = (*GroupToPrincipalSearcher)(nil)

// NewGroupToPrincipalSearcher validates config and creates the searcher.
func NewGroupToPrincipalSearcher(config GroupToPrincipalConfig) (*GroupToPrincipalSearcher, error) {
	if config.BaseDN == "" {
		return nil, errors.New("group base DN is required")
	}
	if config.PrincipalAttribute == "" {
		config.PrincipalAttribute = "member"
	}
	if config.SearchBy == "" {
		config.SearchBy = SearchByDistinguishedName
	}
	return &GroupToPrincipalSearcher{config: config}, nil
}

func (s *GroupToPrincipalSearcher) principalValue(principal DirectoryEntry) string {
	if s.config.SearchBy == SearchBySimple {
		return principal.SimpleName
	}
	return principal.DistinguishedName
}

// Filter renders the membership filter for principal.
func (s *GroupToPrincipalSearcher) Filter(principal DirectoryEntry) string {
	return fmt.Sprintf("(%s=%s)", s.config.PrincipalAttribute, ldap.EscapeFilter(s.principalValue(principal)))
}

func (s *GroupToPrincipalSearcher) Search(ctx context.Context, h *ConnectionHandler, principal DirectoryEntry) ([]DirectoryEntry, error) {
	attrs := []string{s.config.PrincipalAttribute}
	if s.config.GroupNameAttribute != "" {
		attrs = append(attrs, s.config.GroupNameAttribute)
	}

	req := ldap.NewSearchRequest(
		s.config.BaseDN,
		ldapScope(scopeFor(s.config.Recursive)),
		ldap.NeverDerefAliases,
		0, 0, false,
		s.Filter(principal),
		attrs,
		nil,
	)

	found, err := searchFollowingReferrals(ctx, h, req, false)
	if err != nil {
		return nil, err
	}

	want := s.principalValue(principal)
	groups := make([]DirectoryEntry, 0, len(found))
	for _, f := range found {
		if s.config.CaseSensitive && !containsLiteral(f.entry.GetAttributeValues(s.config.PrincipalAttribute), want) {
			continue
		}
		groups = append(groups, DirectoryEntry{
			SimpleName:        groupSimpleName(f.entry, s.config.GroupNameAttribute),
			DistinguishedName: f.entry.DN,
			ReferralAddress:   f.referral,
		})
	}
	return groups, nil
}

// PrincipalToGroupConfig configures a PrincipalToGroupSearcher.
type PrincipalToGroupConfig struct {
	GroupAttribute           string // Multi-valued attribute on the principal naming its groups, e.g. memberOf
	GroupNameAttribute       string // Attribute of the group entry, or RDN attribute when parsing from the DN
	ParseGroupNameFromDN     bool   // Take the name from the DN instead of reading the group entry
	SkipMissingGroups        bool   // Ignore values naming groups that do not exist
	PreferOriginalConnection bool   // Read referred groups through the principal's own connection
}

// PrincipalToGroupSearcher reads the principal's own group attribute.
type PrincipalToGroupSearcher struct {
	config PrincipalToGroupConfig
}

var _ GroupSearcher = (*PrincipalToGroupSearcher)(nil)

// NewPrincipalToGroupSearcher creates the searcher.
func NewPrincipalToGroupSearcher(config PrincipalToGroupConfig) (*PrincipalToGroupSearcher, error) {
	if config.GroupAttribute == "" {
		config.GroupAttribute = "memberOf"
	}
	return &PrincipalToGroupSearcher{config: config}, nil
}

func (s *PrincipalToGroupSearcher) Search(ctx context.Context, h *ConnectionHandler, principal DirectoryEntry) ([]DirectoryEntry, error) {
	entryHandler := h
	if principal.Referred() {
		referred, err := h.FindForReferral(ctx, principal.ReferralAddress)
		if err != nil || referred == nil {
			return nil, fmt.Errorf("principal %s: %w", principal.DistinguishedName, ErrNotFound)
		}
		entryHandler = referred
	}

	entry, err := readEntry(ctx, entryHandler, principal.DistinguishedName, []string{s.config.GroupAttribute})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, fmt.Errorf("principal %s: %w", principal.DistinguishedName, ErrNotFound)
	}

	values := entry.GetAttributeValues(s.config.GroupAttribute)
	groups := make([]DirectoryEntry, 0, len(values))
	for _, groupDN := range values {
		if s.config.ParseGroupNameFromDN {
			name, ok := RDNValue(groupDN, s.config.GroupNameAttribute)
			if !ok {
				name = groupDN
			}
			groups = append(groups, NewDirectoryEntry(name, groupDN))
			continue
		}

		groupHandler := h
		if s.config.PreferOriginalConnection {
			groupHandler = entryHandler
		}

		attrs := []string{"1.1"}
		if s.config.GroupNameAttribute != "" {
			attrs = []string{s.config.GroupNameAttribute}
		}
		groupEntry, err := readEntry(ctx, groupHandler, groupDN, attrs)
		if err != nil {
			return nil, err
		}
		if groupEntry == nil {
			if s.config.SkipMissingGroups {
				tflog.SubsystemDebug(ctx, SubsystemLDAP, "Skipping missing group", map[string]any{
					"group_dn":  groupDN,
					"principal": principal.DistinguishedName,
				})
				continue
			}
			return nil, fmt.Errorf("group %s: %w", groupDN, ErrNotFound)
		}

		groups = append(groups, NewDirectoryEntry(groupSimpleName(groupEntry, s.config.GroupNameAttribute), groupEntry.DN))
	}
	return groups, nil
}

// IterativeGroupSearcher computes the group closure by feeding found groups
// back into the inner searcher.
type IterativeGroupSearcher struct {
	inner GroupSearcher
}

var _ GroupSearcher = (*IterativeGroupSearcher)(nil)

// NewIterativeGroupSearcher wraps inner.
func NewIterativeGroupSearcher(inner GroupSearcher) *IterativeGroupSearcher {
	return &IterativeGroupSearcher{inner: inner}
}

// Search returns each group reachable from principal exactly once, in discovery order.
// Membership cycles terminate because every entry is searched at most once.
func (s *IterativeGroupSearcher) Search(ctx context.Context, h *ConnectionHandler, principal DirectoryEntry) ([]DirectoryEntry, error) {
	searched := map[string]bool{principal.Key(): true}
	stack := []DirectoryEntry{principal}
	var closure []DirectoryEntry

	for len(stack) > 0 {
		next := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		groups, err := s.inner.Search(ctx, h, next)
		if err != nil {
			if next != principal && errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}

		for _, group := range groups {
			key := group.Key()
			if searched[key] {
				continue
			}
			searched[key] = true
			closure = append(closure, group)
			stack = append(stack, group)
		}
	}

	return closure, nil
}

// readEntry reads one entry by DN, returning nil when it does not exist.
func readEntry(ctx context.Context, h *ConnectionHandler, dn string, attrs []string) (*ldap.Entry, error) {
	req := ldap.NewSearchRequest(
		dn,
		ldap.ScopeBaseObject,
		ldap.NeverDerefAliases,
		0, 0, false,
		"(objectClass=*)",
		attrs,
		nil,
	)

	found, err := searchFollowingReferrals(ctx, h, req, true)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0].entry, nil
}

// groupSimpleName returns the configured name attribute, falling back to the RDN value.
func groupSimpleName(entry *ldap.Entry, attribute string) string {
	if attribute != "" {
		if name := entry.GetAttributeValue(attribute); name != "" {
			return name
		}
	}
	if name, ok := RDNValue(entry.DN, attribute); ok {
		return name
	}
	if name, ok := RDNValue(entry.DN, ""); ok {
		return name
	}
	return entry.DN
}

func containsLiteral(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}
