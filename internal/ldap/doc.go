/*
Package ldap provides the directory access layer of an LDAP security realm.

# Connection Management

A ConnectionManager owns the manager credentials for one directory. The
Pool implementation keeps manager-bound connections for reuse and verifies
user credentials on dedicated connections that never enter the pool:

  - Servers from explicit URLs or SRV-based discovery for a domain
  - Anonymous, simple and Kerberos (GSSAPI) manager binds
  - Referral handling: follow, ignore or throw, with managers registered in a
    Registry taking precedence for the URIs they declare

# Searching

Searchers find a single user entry or the groups of a principal. They follow
referrals with loop detection and a hop cap:

  - UserFilterSearcher: {0} substitution with filter escaping
  - Group searchers in both directions (group to principal, principal to group)
  - IterativeGroupSearcher for transitive membership with cycle detection

# Caching

SearchCache wraps a Searcher with none, by-access-time or by-search-time
eviction. Concurrent lookups of the same uncached key share one directory
search.

# Error Handling

Directory failures are categorised through LDAPError and surface as the
sentinels ErrNotFound, ErrAuthFailed, ErrDirectoryUnavailable and
ErrReferralUnresolvable.
*/
package ldap
