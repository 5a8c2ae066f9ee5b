package ldap

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// MaxReferralHops bounds how many referrals a single search follows.
const MaxReferralHops = 10

// Searcher runs one directory search for a key.
type Searcher[R any, K comparable] interface {
	Search(ctx context.Context, h *ConnectionHandler, key K) (R, error)
}

// SearcherFunc adapts a function to Searcher.
type SearcherFunc[R any, K comparable] func(ctx context.Context, h *ConnectionHandler, key K) (R, error)

func (f SearcherFunc[R, K]) Search(ctx context.Context, h *ConnectionHandler, key K) (R, error) {
	return f(ctx, h, key)
}

// AttachmentKey identifies a value attached to a search result. Keys compare by identity.
type AttachmentKey struct {
	name string
}

// NewAttachmentKey creates a unique attachment key.
func NewAttachmentKey(name string) *AttachmentKey {
	return &AttachmentKey{name: name}
}

func (k *AttachmentKey) String() string {
	return k.name
}

// SearchResult wraps a searcher's value with attachments that live as long as
// the cached result does.
type SearchResult[R any] struct {
	Value R

	mu          sync.Mutex
	attachments map[*AttachmentKey]any
}

// NewSearchResult wraps value.
func NewSearchResult[R any](value R) *SearchResult[R] {
	return &SearchResult[R]{Value: value}
}

// Attachment returns the value stored under key.
func (r *SearchResult[R]) Attachment(key *AttachmentKey) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.attachments[key]
	return v, ok
}

// Attach stores value under key, replacing any previous value.
func (r *SearchResult[R]) Attach(key *AttachmentKey, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attachments == nil {
		r.attachments = make(map[*AttachmentKey]any)
	}
	r.attachments[key] = value
}

// Detach removes the value stored under key.
func (r *SearchResult[R]) Detach(key *AttachmentKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attachments, key)
}

// UsernameIsDN treats the supplied username as the distinguished name.
type UsernameIsDN struct{}

func (UsernameIsDN) Search(_ context.Context, _ *ConnectionHandler, username string) (DirectoryEntry, error) {
	if strings.TrimSpace(username) == "" {
		return DirectoryEntry{}, ErrNotFound
	}
	return NewDirectoryEntry(username, username), nil
}

// UserSearchConfig configures a UserFilterSearcher.
type UserSearchConfig struct {
	BaseDN                string // Search base
	UsernameAttribute     string // Attribute matched by the (attr={0}) filter
	AdvancedFilter        string // Replaces the generated filter; {0} is the escaped username
	Recursive             bool   // Subtree rather than one-level search
	UserDNAttribute       string // Attribute holding the DN to bind as, instead of the entry DN
	UsernameLoadAttribute string // Attribute holding the canonical username
	LoadObjectSID         bool   // Decode objectSid into the entry
}

// UserFilterSearcher locates a user entry with a templated or advanced filter.
type UserFilterSearcher struct {
	config UserSearchConfig
}

var _ Searcher[DirectoryEntry, string] = (*UserFilterSearcher)(nil)

// NewUserFilterSearcher validates config and creates the searcher.
func NewUserFilterSearcher(config UserSearchConfig) (*UserFilterSearcher, error) {
	if config.BaseDN == "" {
		return nil, errors.New("base DN is required")
	}
	if config.AdvancedFilter == "" && config.UsernameAttribute == "" {
		return nil, errors.New("either a username attribute or an advanced filter is required")
	}
	if config.AdvancedFilter != "" {
		if _, err := ldap.CompileFilter(strings.ReplaceAll(config.AdvancedFilter, "{0}", "x")); err != nil {
			return nil, fmt.Errorf("invalid advanced filter: %w", err)
		}
	}
	return &UserFilterSearcher{config: config}, nil
}

// Filter renders the search filter for username.
func (s *UserFilterSearcher) Filter(username string) string {
	template := s.config.AdvancedFilter
	if template == "" {
		template = "(" + s.config.UsernameAttribute + "={0})"
	}
	return strings.ReplaceAll(template, "{0}", ldap.EscapeFilter(username))
}

func (s *UserFilterSearcher) attributes() []string {
	attrs := []string{}
	if s.config.UserDNAttribute != "" {
		attrs = append(attrs, s.config.UserDNAttribute)
	}
	if s.config.UsernameLoadAttribute != "" {
		attrs = append(attrs, s.config.UsernameLoadAttribute)
	}
	if s.config.LoadObjectSID {
		attrs = append(attrs, ObjectSIDAttribute)
	}
	if len(attrs) == 0 {
		// Ask for no attributes, only the DN.
		attrs = append(attrs, "1.1")
	}
	return attrs
}

// Search returns the first entry matching username, following referrals
// when the local directory has none.
func (s *UserFilterSearcher) Search(ctx context.Context, h *ConnectionHandler, username string) (DirectoryEntry, error) {
	req := ldap.NewSearchRequest(
		s.config.BaseDN,
		ldapScope(scopeFor(s.config.Recursive)),
		ldap.NeverDerefAliases,
		0, 0, false,
		s.Filter(username),
		s.attributes(),
		nil,
	)

	found, err := searchFollowingReferrals(ctx, h, req, true)
	if err != nil {
		return DirectoryEntry{}, err
	}
	if len(found) == 0 {
		tflog.SubsystemDebug(ctx, SubsystemLDAP, "User not found", map[string]any{
			"username": username,
			"base_dn":  s.config.BaseDN,
		})
		return DirectoryEntry{}, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}

	return s.toEntry(username, found[0]), nil
}

func (s *UserFilterSearcher) toEntry(username string, found foundEntry) DirectoryEntry {
	entry := DirectoryEntry{
		SimpleName:        username,
		DistinguishedName: found.entry.DN,
		ReferralAddress:   found.referral,
	}

	if s.config.UserDNAttribute != "" {
		if dn := found.entry.GetAttributeValue(s.config.UserDNAttribute); dn != "" {
			entry.DistinguishedName = dn
		}
	}
	if s.config.UsernameLoadAttribute != "" {
		if name := found.entry.GetAttributeValue(s.config.UsernameLoadAttribute); name != "" {
			entry.SimpleName = name
		}
	}
	if s.config.LoadObjectSID {
		entry.ObjectSID = ExtractSID(found.entry)
	}
	return entry
}

// foundEntry is a search hit together with where it was found.
type foundEntry struct {
	entry    *ldap.Entry
	referral string             // referral URI the entry came through, empty if local
	handler  *ConnectionHandler // handler for the directory holding the entry
}

// searchFollowingReferrals runs req on h and chases the referrals it returns.
// With firstOnly set, referrals are only followed when the local directory
// returned nothing. Unresolvable referrals are logged and skipped.
func searchFollowingReferrals(ctx context.Context, h *ConnectionHandler, req *ldap.SearchRequest, firstOnly bool) ([]foundEntry, error) {
	visited := make(map[string]bool)
	return searchReferred(ctx, h, req, "", firstOnly, visited, 0)
}

func searchReferred(ctx context.Context, h *ConnectionHandler, req *ldap.SearchRequest, referral string, firstOnly bool, visited map[string]bool, hops int) ([]foundEntry, error) {
	result, err := h.Search(ctx, req)
	if err != nil {
		return nil, err
	}

	found := make([]foundEntry, 0, len(result.Entries))
	for _, e := range result.Entries {
		found = append(found, foundEntry{entry: e, referral: referral, handler: h})
		if firstOnly {
			return found, nil
		}
	}

	for _, uri := range result.Referrals {
		if firstOnly && len(found) > 0 {
			break
		}
		if visited[uri] {
			continue
		}
		visited[uri] = true

		if hops >= MaxReferralHops {
			tflog.SubsystemWarn(ctx, SubsystemLDAP, "Referral hop limit reached", map[string]any{
				"referral": uri,
				"hops":     hops,
			})
			continue
		}

		referred, err := h.FindForReferral(ctx, uri)
		if err != nil {
			LogConnectionEvent(ctx, "referral_unresolved", map[string]any{
				"referral": uri,
				"error":    err.Error(),
			})
			continue
		}
		if referred == nil {
			continue
		}

		referredReq := *req
		if base := referralBaseDN(uri); base != "" {
			referredReq.BaseDN = base
		}

		more, err := searchReferred(ctx, referred, &referredReq, uri, firstOnly, visited, hops+1)
		if err != nil {
			return nil, err
		}
		found = append(found, more...)
	}

	return found, nil
}

// ldapScope converts a SearchScope to the go-ldap constant.
func ldapScope(scope SearchScope) int {
	switch scope {
	case ScopeBaseObject:
		return ldap.ScopeBaseObject
	case ScopeSingleLevel:
		return ldap.ScopeSingleLevel
	default:
		return ldap.ScopeWholeSubtree
	}
}
