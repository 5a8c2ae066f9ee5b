// Package ldaptest provides an in-memory directory for tests of code that
// talks to internal/ldap connection managers.
package ldaptest

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	goldap "github.com/go-ldap/ldap/v3"

	"github.com/isometry/security-realm/internal/ldap"
)

// Directory is an in-memory directory tree.
type Directory struct {
	mu        sync.RWMutex
	entries   map[string]*goldap.Entry // keyed by normalized DN
	passwords map[string]string        // keyed by normalized DN
	referrals map[string]string        // normalized DN of referral object -> URI

	// Fail, when set, is returned by every operation.
	Fail error

	searches atomic.Int64
	binds    atomic.Int64

	// OnSearch, when set, is called before each search is answered.
	OnSearch func(req *goldap.SearchRequest)
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		entries:   make(map[string]*goldap.Entry),
		passwords: make(map[string]string),
		referrals: make(map[string]string),
	}
}

// Add stores an entry. attrs maps attribute names to values.
func (d *Directory) Add(dn string, attrs map[string][]string) *Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[ldap.NormalizeDN(dn)] = goldap.NewEntry(dn, attrs)
	return d
}

// AddUser stores an entry that can bind with password.
func (d *Directory) AddUser(dn, password string, attrs map[string][]string) *Directory {
	d.Add(dn, attrs)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwords[ldap.NormalizeDN(dn)] = password
	return d
}

// AddReferral makes the subtree at dn a referral to uri.
func (d *Directory) AddReferral(dn, uri string) *Directory {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.referrals[ldap.NormalizeDN(dn)] = uri
	return d
}

// Searches returns the number of searches answered.
func (d *Directory) Searches() int64 {
	return d.searches.Load()
}

// Binds returns the number of bind attempts.
func (d *Directory) Binds() int64 {
	return d.binds.Load()
}

// Conn returns a new connection to the directory.
func (d *Directory) Conn() ldap.Conn {
	return &conn{dir: d}
}

// Dialer returns an ldap.Dialer connecting to the directory.
func (d *Directory) Dialer() ldap.Dialer {
	return func(context.Context, *ldap.ServerInfo, *ldap.ConnectionConfig) (ldap.Conn, error) {
		if d.Fail != nil {
			return nil, d.Fail
		}
		return d.Conn(), nil
	}
}

type conn struct {
	dir    *Directory
	closed atomic.Bool
}

func (c *conn) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *conn) Bind(username, password string) error {
	d := c.dir
	d.binds.Add(1)
	if d.Fail != nil {
		return d.Fail
	}
	if c.closed.Load() {
		return goldap.NewError(goldap.ErrorNetwork, errors.New("connection closed"))
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	stored, ok := d.passwords[ldap.NormalizeDN(username)]
	if !ok || password == "" || stored != password {
		return goldap.NewError(goldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
	}
	return nil
}

func (c *conn) Search(req *goldap.SearchRequest) (*goldap.SearchResult, error) {
	d := c.dir
	d.searches.Add(1)
	if d.OnSearch != nil {
		d.OnSearch(req)
	}
	if d.Fail != nil {
		return nil, d.Fail
	}
	if c.closed.Load() {
		return nil, goldap.NewError(goldap.ErrorNetwork, errors.New("connection closed"))
	}

	match, err := parseFilter(req.Filter)
	if err != nil {
		return nil, goldap.NewError(goldap.LDAPResultFilterError, err)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	base := ldap.NormalizeDN(req.BaseDN)
	result := &goldap.SearchResult{}

	if uri, ok := d.referralFor(base); ok {
		// The base itself lives on the referred server.
		result.Referrals = []string{uri}
		return result, nil
	}
	for refDN, uri := range d.referrals {
		if inScope(refDN, base, req.Scope) {
			result.Referrals = append(result.Referrals, uri)
		}
	}
	sort.Strings(result.Referrals)

	for key, entry := range d.entries {
		if !inScope(key, base, req.Scope) {
			continue
		}
		if !match(entry) {
			continue
		}
		result.Entries = append(result.Entries, project(entry, req.Attributes))
	}
	sort.Slice(result.Entries, func(i, j int) bool {
		return result.Entries[i].DN < result.Entries[j].DN
	})

	if len(result.Entries) == 0 && len(result.Referrals) == 0 && req.Scope == goldap.ScopeBaseObject {
		if _, ok := d.entries[base]; !ok {
			return nil, goldap.NewError(goldap.LDAPResultNoSuchObject, fmt.Errorf("no such object: %s", req.BaseDN))
		}
	}

	return result, nil
}

func (d *Directory) referralFor(dn string) (string, bool) {
	for refDN, uri := range d.referrals {
		if dn == refDN || isDescendant(dn, refDN) {
			return uri, true
		}
	}
	return "", false
}

// project copies the requested attributes of entry.
func project(entry *goldap.Entry, attrs []string) *goldap.Entry {
	out := &goldap.Entry{DN: entry.DN}
	for _, a := range entry.Attributes {
		if wanted(a.Name, attrs) {
			out.Attributes = append(out.Attributes, a)
		}
	}
	return out
}

func wanted(name string, attrs []string) bool {
	if len(attrs) == 0 {
		return true
	}
	for _, a := range attrs {
		if a == "*" || strings.EqualFold(a, name) {
			return true
		}
	}
	return false
}

func inScope(dn, base string, scope int) bool {
	switch scope {
	case goldap.ScopeBaseObject:
		return dn == base
	case goldap.ScopeSingleLevel:
		return parent(dn) == base
	default:
		return dn == base || isDescendant(dn, base)
	}
}

func isDescendant(dn, ancestor string) bool {
	if ancestor == "" {
		return dn != ""
	}
	return strings.HasSuffix(dn, ","+ancestor)
}

func parent(dn string) string {
	if i := strings.Index(dn, ","); i >= 0 {
		return dn[i+1:]
	}
	return ""
}

// Manager is a ConnectionManager backed by a Directory.
type Manager struct {
	Dir       *Directory
	ManagerID string
	TimeLimit time.Duration

	// Referred maps referral URIs to the managers serving them.
	Referred map[string]ldap.ConnectionManager
	// ReferralErr is returned for referral URIs missing from Referred.
	ReferralErr error

	gets      atomic.Int64
	verifies  atomic.Int64
	referrals atomic.Int64
	closed    atomic.Bool
}

var _ ldap.ConnectionManager = (*Manager)(nil)

// NewManager creates a manager for dir.
func NewManager(name string, dir *Directory) *Manager {
	return &Manager{
		Dir:       dir,
		ManagerID: name,
		TimeLimit: ldap.DefaultSearchTimeLimit,
		Referred:  make(map[string]ldap.ConnectionManager),
	}
}

func (m *Manager) Get(ctx context.Context) (*ldap.PooledConnection, error) {
	m.gets.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Dir.Fail != nil {
		return nil, m.Dir.Fail
	}
	return ldap.NewPooledConnection(m.Dir.Conn(), nil), nil
}

func (m *Manager) Verify(_ context.Context, dn, password string) error {
	m.verifies.Add(1)
	if password == "" {
		return ldap.ErrAuthFailed
	}
	err := m.Dir.Conn().Bind(dn, password)
	if err == nil {
		return nil
	}
	if ldap.IsAuthenticationError(err) {
		return fmt.Errorf("%w: %w", ldap.ErrAuthFailed, err)
	}
	return fmt.Errorf("%w: %w", ldap.ErrDirectoryUnavailable, err)
}

func (m *Manager) ForReferral(_ context.Context, uri string) (ldap.ConnectionManager, error) {
	m.referrals.Add(1)
	if r, ok := m.Referred[uri]; ok {
		return r, nil
	}
	return nil, m.ReferralErr
}

func (m *Manager) SearchTimeLimit() time.Duration {
	return m.TimeLimit
}

func (m *Manager) Name() string {
	return m.ManagerID
}

func (m *Manager) Close() error {
	m.closed.Store(true)
	return nil
}

// Gets returns the number of borrowed connections.
func (m *Manager) Gets() int64 {
	return m.gets.Load()
}

// Verifies returns the number of verify-binds.
func (m *Manager) Verifies() int64 {
	return m.verifies.Load()
}

// ReferralLookups returns the number of ForReferral calls.
func (m *Manager) ReferralLookups() int64 {
	return m.referrals.Load()
}

// Closed reports whether Close was called.
func (m *Manager) Closed() bool {
	return m.closed.Load()
}

// matcher evaluates a parsed filter against an entry.
type matcher func(*goldap.Entry) bool

// parseFilter parses the subset of RFC 4515 used by the realm:
// &, |, !, equality, presence and substring (*) assertions.
func parseFilter(filter string) (matcher, error) {
	p := &filterParser{s: strings.TrimSpace(filter)}
	m, err := p.parse()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.s) {
		return nil, fmt.Errorf("trailing data in filter %q", filter)
	}
	return m, nil
}

type filterParser struct {
	s   string
	pos int
}

func (p *filterParser) parse() (matcher, error) {
	if p.pos >= len(p.s) || p.s[p.pos] != '(' {
		return nil, fmt.Errorf("expected ( at %d in %q", p.pos, p.s)
	}
	p.pos++
	if p.pos >= len(p.s) {
		return nil, errors.New("unterminated filter")
	}

	var m matcher
	var err error
	switch p.s[p.pos] {
	case '&', '|':
		op := p.s[p.pos]
		p.pos++
		var subs []matcher
		for p.pos < len(p.s) && p.s[p.pos] == '(' {
			sub, err := p.parse()
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}
		if op == '&' {
			m = func(e *goldap.Entry) bool {
				for _, sub := range subs {
					if !sub(e) {
						return false
					}
				}
				return true
			}
		} else {
			m = func(e *goldap.Entry) bool {
				for _, sub := range subs {
					if sub(e) {
						return true
					}
				}
				return false
			}
		}
	case '!':
		p.pos++
		sub, err := p.parse()
		if err != nil {
			return nil, err
		}
		m = func(e *goldap.Entry) bool { return !sub(e) }
	default:
		m, err = p.parseItem()
		if err != nil {
			return nil, err
		}
	}

	if p.pos >= len(p.s) || p.s[p.pos] != ')' {
		return nil, fmt.Errorf("expected ) at %d in %q", p.pos, p.s)
	}
	p.pos++
	return m, nil
}

func (p *filterParser) parseItem() (matcher, error) {
	end := strings.IndexByte(p.s[p.pos:], ')')
	if end < 0 {
		return nil, errors.New("unterminated assertion")
	}
	item := p.s[p.pos : p.pos+end]
	p.pos += end

	attr, raw, ok := strings.Cut(item, "=")
	if !ok || attr == "" {
		return nil, fmt.Errorf("invalid assertion %q", item)
	}

	if raw == "*" {
		return func(e *goldap.Entry) bool {
			if strings.EqualFold(attr, "objectClass") {
				return true
			}
			return len(values(e, attr)) > 0
		}, nil
	}

	parts := strings.Split(raw, "*")
	for i, part := range parts {
		v, err := unescape(part)
		if err != nil {
			return nil, err
		}
		parts[i] = strings.ToLower(v)
	}

	return func(e *goldap.Entry) bool {
		for _, v := range values(e, attr) {
			if matchValue(strings.ToLower(v), parts) {
				return true
			}
		}
		return false
	}, nil
}

// values returns the values of attr, treating DN-valued comparisons case-insensitively.
func values(e *goldap.Entry, attr string) []string {
	for _, a := range e.Attributes {
		if strings.EqualFold(a.Name, attr) {
			return a.Values
		}
	}
	return nil
}

func matchValue(v string, parts []string) bool {
	if len(parts) == 1 {
		return v == parts[0] || (strings.Contains(v, "=") && ldap.NormalizeDN(v) == ldap.NormalizeDN(parts[0]))
	}
	if !strings.HasPrefix(v, parts[0]) {
		return false
	}
	v = v[len(parts[0]):]
	for _, mid := range parts[1 : len(parts)-1] {
		i := strings.Index(v, mid)
		if i < 0 {
			return false
		}
		v = v[i+len(mid):]
	}
	return strings.HasSuffix(v, parts[len(parts)-1])
}

func unescape(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+2 >= len(s) {
			return "", fmt.Errorf("invalid escape in %q", s)
		}
		decoded, err := hex.DecodeString(s[i+1 : i+3])
		if err != nil {
			return "", fmt.Errorf("invalid escape in %q: %w", s, err)
		}
		b.Write(decoded)
		i += 2
	}
	return b.String(), nil
}
