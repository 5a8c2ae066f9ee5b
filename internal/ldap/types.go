package ldap

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// ReferralMode controls what happens when a directory answers with a referral.
type ReferralMode string

const (
	ReferralFollow ReferralMode = "follow" // Resolve the referral to another connection manager
	ReferralIgnore ReferralMode = "ignore" // Treat the referred branch as absent
	ReferralThrow  ReferralMode = "throw"  // Fail the search with ErrReferralUnresolvable
)

// DefaultSearchTimeLimit bounds every directory search unless configured otherwise.
const DefaultSearchTimeLimit = 10 * time.Second

// ConnectionConfig holds configuration for a directory connection manager.
type ConnectionConfig struct {
	// Connection settings
	Name     string        // Name used for logging and referral lookups
	LDAPURLs []string      // LDAP URLs, tried in order
	Domain   string        // Directory domain whose SRV records list the servers when LDAPURLs is empty
	Timeout  time.Duration // Dial and operation timeout

	// Manager (search) credentials
	BindDN         string // DN used for the pooled search connections
	BindPassword   string // Password for the pooled search connections
	KerberosRealm  string // Kerberos realm for GSSAPI manager bind
	KerberosKeytab string // Path to Kerberos keytab file
	KerberosConfig string // Path to Kerberos config file (krb5.conf)
	KerberosCCache string // Path to Kerberos credential cache
	KerberosSPN    string // Explicit service principal, overrides ldap/<host>

	// TLS settings
	TLSConfig *tls.Config // TLS configuration used for ldaps:// and StartTLS
	StartTLS  bool        // Upgrade plain ldap:// connections with StartTLS

	// Referral handling
	Referrals           ReferralMode // follow, ignore or throw
	HandlesReferralsFor []string     // Referral URIs this manager can serve

	// Search settings
	SearchTimeLimit time.Duration // Server-side time limit for searches

	// Pool settings
	MaxConnections int           // Maximum idle connections kept in the pool
	MaxIdleTime    time.Duration // Maximum idle time before connection cleanup
}

// DefaultConfig returns a secure default configuration.
func DefaultConfig() *ConnectionConfig {
	return &ConnectionConfig{
		Timeout:         30 * time.Second,
		Referrals:       ReferralIgnore,
		SearchTimeLimit: DefaultSearchTimeLimit,
		MaxConnections:  10,
		MaxIdleTime:     5 * time.Minute,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// Conn is the subset of a directory connection the realm needs.
// *ldap.Conn satisfies it through dialLDAP; tests supply an in-memory directory.
type Conn interface {
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	Bind(username, password string) error
	Close() error
}

// ConnectionManager supplies directory connections for one configured server set.
type ConnectionManager interface {
	// Get borrows a manager-bound connection for searching.
	Get(ctx context.Context) (*PooledConnection, error)

	// Verify binds as dn with password on a dedicated connection.
	// Returns ErrAuthFailed when the credentials are rejected.
	Verify(ctx context.Context, dn, password string) error

	// ForReferral returns a manager able to serve the referral URI, or nil
	// when the referral should be ignored.
	ForReferral(ctx context.Context, uri string) (ConnectionManager, error)

	// SearchTimeLimit is the server-side limit applied to searches.
	SearchTimeLimit() time.Duration

	// Name identifies the manager in logs.
	Name() string

	Close() error
}

// ServerInfo contains information about an LDAP server.
type ServerInfo struct {
	Host     string
	Port     int
	UseTLS   bool
	Priority int    // SRV priority (lower = higher preference)
	Weight   int    // SRV weight for load balancing
	Source   string // "config", "srv" or "fallback"
}

// PoolStats provides statistics about the connection pool.
type PoolStats struct {
	Idle    int           // Idle connections
	Active  int64         // Active (in-use) connections
	Created int64         // Total connections created
	Errors  int64         // Total connection errors
	Uptime  time.Duration // Pool uptime
}

// SearchScope defines LDAP search scope.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

// String returns string representation of the search scope.
func (s SearchScope) String() string {
	switch s {
	case ScopeBaseObject:
		return "base"
	case ScopeSingleLevel:
		return "one"
	case ScopeWholeSubtree:
		return "sub"
	default:
		return "unknown"
	}
}

// scopeFor maps the recursive flag used in configuration to a scope.
func scopeFor(recursive bool) SearchScope {
	if recursive {
		return ScopeWholeSubtree
	}
	return ScopeSingleLevel
}

// AuthMethod defines how a connection manager binds its pooled connections.
type AuthMethod int

const (
	AuthMethodAnonymous  AuthMethod = iota // No manager credentials
	AuthMethodSimpleBind                   // BindDN/BindPassword
	AuthMethodKerberos                     // GSSAPI/Kerberos authentication
)

// String returns string representation of authentication method.
func (a AuthMethod) String() string {
	switch a {
	case AuthMethodAnonymous:
		return "anonymous"
	case AuthMethodSimpleBind:
		return "simple"
	case AuthMethodKerberos:
		return "kerberos"
	default:
		return "unknown"
	}
}

// GetAuthMethod determines the manager authentication method from the configuration.
func (c *ConnectionConfig) GetAuthMethod() AuthMethod {
	// Kerberos authentication takes precedence
	if c.KerberosRealm != "" && (c.KerberosKeytab != "" || c.BindDN != "") {
		return AuthMethodKerberos
	}

	if c.BindDN != "" {
		return AuthMethodSimpleBind
	}

	return AuthMethodAnonymous
}
