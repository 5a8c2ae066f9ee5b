package ldap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// MaxConnectionPoolLimit is the maximum allowed idle connections in a pool.
const MaxConnectionPoolLimit = 100

// Dialer opens an unbound connection to a server.
type Dialer func(ctx context.Context, server *ServerInfo, config *ConnectionConfig) (Conn, error)

// ReferralResolver finds the connection manager that declared it handles a referral URI.
type ReferralResolver interface {
	ManagerFor(uri string) ConnectionManager
}

// WithResolver replaces the DNS resolver used to discover servers for ConnectionConfig.Domain.
func WithResolver(r SRVResolver) PoolOption {
	return func(p *Pool) {
		p.resolver = r
	}
}

// PoolOption customises a Pool.
type PoolOption func(*Pool)

// WithDialer replaces the network dialer, mainly for tests.
func WithDialer(d Dialer) PoolOption {
	return func(p *Pool) {
		p.dial = d
	}
}

// WithReferralResolver installs the lookup used before ad-hoc referral managers are created.
func WithReferralResolver(r ReferralResolver) PoolOption {
	return func(p *Pool) {
		p.referrals = r
	}
}

// Pool is the ConnectionManager backed by a pool of manager-bound connections.
type Pool struct {
	ctx       context.Context // Logging context with LDAP subsystem
	config    *ConnectionConfig
	servers   []*ServerInfo
	idle      chan *PooledConnection
	dial      Dialer
	referrals ReferralResolver
	resolver  SRVResolver
	opts      []PoolOption

	mu       sync.RWMutex
	closed   bool
	referred map[string]*Pool // ad-hoc managers created for followed referrals
	krb5     krb5Confs

	// Statistics
	activeConns  int64
	totalCreated int64
	totalErrors  int64
	startTime    time.Time
}

var _ ConnectionManager = (*Pool)(nil)

// NewPool creates a connection manager for the configured servers.
func NewPool(ctx context.Context, config *ConnectionConfig, opts ...PoolOption) (*Pool, error) {
	if config == nil {
		config = DefaultConfig()
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	p := &Pool{
		ctx:       ctx,
		config:    config,
		idle:      make(chan *PooledConnection, config.MaxConnections),
		dial:      dialLDAP,
		opts:      opts,
		referred:  make(map[string]*Pool),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(p)
	}

	servers, err := p.resolveServers(ctx)
	if err != nil {
		return nil, err
	}
	p.servers = servers

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Connection manager created", map[string]any{
		"name":         config.Name,
		"server_count": len(servers),
		"auth_method":  config.GetAuthMethod().String(),
		"referrals":    string(config.Referrals),
	})

	return p, nil
}

// resolveServers parses the configured URLs, or discovers servers for the
// configured domain when no URL is given.
func (p *Pool) resolveServers(ctx context.Context) ([]*ServerInfo, error) {
	if len(p.config.LDAPURLs) == 0 {
		servers, err := NewSRVDiscovery(p.resolver).DiscoverServers(ctx, p.config.Domain)
		if err != nil {
			return nil, fmt.Errorf("server discovery for %s: %w", p.config.Domain, err)
		}
		return servers, nil
	}

	servers := make([]*ServerInfo, 0, len(p.config.LDAPURLs))
	for _, u := range p.config.LDAPURLs {
		server, err := ParseLDAPURL(u)
		if err != nil {
			return nil, fmt.Errorf("invalid LDAP URL %s: %w", u, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// Name identifies the manager in logs.
func (p *Pool) Name() string {
	return p.config.Name
}

// SearchTimeLimit is the server-side limit applied to searches.
func (p *Pool) SearchTimeLimit() time.Duration {
	return p.config.SearchTimeLimit
}

// Get borrows a manager-bound connection from the pool.
func (p *Pool) Get(ctx context.Context) (*PooledConnection, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, errors.New("connection pool is closed")
	}
	p.mu.RUnlock()

	for {
		select {
		case conn, ok := <-p.idle:
			if !ok {
				return nil, errors.New("connection pool is closed")
			}
			if p.isConnectionHealthy(conn) {
				conn.lastUsed = time.Now()
				atomic.AddInt64(&p.activeConns, 1)
				return conn, nil
			}
			p.closeConnection(conn)
		default:
			return p.createConnection(ctx)
		}
	}
}

// createConnection dials each configured server in turn until one binds.
func (p *Pool) createConnection(ctx context.Context) (*PooledConnection, error) {
	var lastErr error

	for _, server := range p.servers {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := p.dial(ctx, server, p.config)
		if err != nil {
			lastErr = err
			atomic.AddInt64(&p.totalErrors, 1)
			LogConnectionEvent(p.ctx, "connection_failed", map[string]any{
				"server": ServerInfoToURL(server),
				"error":  err.Error(),
			})
			continue
		}

		if err := p.bindManager(ctx, conn, server); err != nil {
			_ = conn.Close()
			lastErr = err
			atomic.AddInt64(&p.totalErrors, 1)
			LogConnectionEvent(p.ctx, "bind_failed", map[string]any{
				"server":      ServerInfoToURL(server),
				"auth_method": p.config.GetAuthMethod().String(),
				"error":       err.Error(),
			})
			continue
		}

		atomic.AddInt64(&p.totalCreated, 1)
		atomic.AddInt64(&p.activeConns, 1)
		LogConnectionEvent(p.ctx, "connection_established", map[string]any{
			"server": ServerInfoToURL(server),
		})

		return &PooledConnection{
			conn:         conn,
			lastUsed:     time.Now(),
			healthy:      true,
			serverInfo:   server,
			returnToPool: p.returnConnection,
		}, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no servers configured")
	}
	return nil, unavailable("connect", NewLDAPError("connect", lastErr))
}

// gssapiBinder is implemented by connections able to perform a SASL GSSAPI bind.
type gssapiBinder interface {
	GSSAPIBind(client ldap.GSSAPIClient, servicePrincipal, authzid string) error
}

// bindManager authenticates a fresh connection with the manager credentials.
func (p *Pool) bindManager(ctx context.Context, conn Conn, server *ServerInfo) error {
	switch p.config.GetAuthMethod() {
	case AuthMethodAnonymous:
		return nil
	case AuthMethodSimpleBind:
		return conn.Bind(p.config.BindDN, p.config.BindPassword)
	case AuthMethodKerberos:
		binder, ok := conn.(gssapiBinder)
		if !ok {
			return errors.New("connection does not support GSSAPI bind")
		}
		return performKerberosAuth(ctx, binder, p.config, &p.krb5, server)
	default:
		return fmt.Errorf("unsupported authentication method: %s", p.config.GetAuthMethod())
	}
}

// Verify binds as dn with password on a dedicated connection that never enters the pool.
func (p *Pool) Verify(ctx context.Context, dn, password string) error {
	if password == "" {
		// An empty password would be an unauthenticated bind, which always succeeds.
		return fmt.Errorf("empty password for %s: %w", dn, ErrAuthFailed)
	}

	fields := map[string]any{"manager": p.config.Name, "dn": dn}
	return LogOperation(ctx, SubsystemLDAP, "verify_bind", fields, func() error {
		var lastErr error
		for _, server := range p.servers {
			conn, err := p.dial(ctx, server, p.config)
			if err != nil {
				lastErr = err
				continue
			}

			err = conn.Bind(dn, password)
			_ = conn.Close()
			if err == nil {
				return nil
			}

			ldapErr := NewLDAPError("verify_bind", err)
			ldapErr.DN = dn
			if ldapErr.Category == ErrorCategoryAuthentication {
				return fmt.Errorf("%w: %w", ErrAuthFailed, ldapErr)
			}
			lastErr = ldapErr
		}

		if lastErr == nil {
			lastErr = errors.New("no servers configured")
		}
		return unavailable("verify_bind", lastErr)
	})
}

// ForReferral returns a manager able to serve the referral URI.
func (p *Pool) ForReferral(ctx context.Context, uri string) (ConnectionManager, error) {
	if p.referrals != nil {
		if m := p.referrals.ManagerFor(uri); m != nil && m != ConnectionManager(p) {
			LogConnectionEvent(ctx, "referral_resolved", map[string]any{
				"referral": uri,
				"manager":  m.Name(),
			})
			return m, nil
		}
	}

	switch p.config.Referrals {
	case ReferralFollow:
		return p.adHocManager(uri)
	case ReferralThrow:
		return nil, fmt.Errorf("%s: %w", uri, ErrReferralUnresolvable)
	default:
		LogConnectionEvent(ctx, "referral_unresolved", map[string]any{
			"referral": uri,
			"manager":  p.Name(),
		})
		return nil, nil
	}
}

// adHocManager creates (once per server) a manager for a followed referral
// using this manager's credentials.
func (p *Pool) adHocManager(uri string) (ConnectionManager, error) {
	serverURL, err := referralServer(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReferralUnresolvable, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("connection pool is closed")
	}
	if existing, ok := p.referred[serverURL]; ok {
		return existing, nil
	}

	cfg := *p.config
	cfg.Name = p.config.Name + "->" + serverURL
	cfg.LDAPURLs = []string{serverURL}
	cfg.HandlesReferralsFor = nil

	referred, err := NewPool(p.ctx, &cfg, p.opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrReferralUnresolvable, err)
	}
	p.referred[serverURL] = referred
	return referred, nil
}

// Handles reports whether this manager declared it serves the referral URI.
func (p *Pool) Handles(uri string) bool {
	target, err := referralServer(uri)
	if err != nil {
		return false
	}
	for _, handled := range p.config.HandlesReferralsFor {
		if h, err := referralServer(handled); err == nil && strings.EqualFold(h, target) {
			return true
		}
	}
	return false
}

// returnConnection returns a connection to the pool.
func (p *Pool) returnConnection(conn *PooledConnection) {
	if conn == nil {
		return
	}

	atomic.AddInt64(&p.activeConns, -1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || !p.isConnectionHealthy(conn) {
		p.closeConnection(conn)
		return
	}

	select {
	case p.idle <- conn:
	default:
		// Pool is full
		p.closeConnection(conn)
	}
}

// isConnectionHealthy checks if a connection is healthy.
func (p *Pool) isConnectionHealthy(conn *PooledConnection) bool {
	if conn == nil || conn.conn == nil || !conn.healthy {
		return false
	}
	return time.Since(conn.lastUsed) <= p.config.MaxIdleTime
}

// closeConnection closes a pooled connection.
func (p *Pool) closeConnection(conn *PooledConnection) {
	if conn != nil && conn.conn != nil {
		_ = conn.conn.Close()
		conn.healthy = false
	}
}

// Close closes all connections and shuts down the pool and any referral managers it created.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	referred := p.referred
	p.referred = nil
	p.mu.Unlock()

	close(p.idle)
	for conn := range p.idle {
		p.closeConnection(conn)
	}

	errs := []error{p.krb5.cleanup()}
	for _, r := range referred {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Idle:    len(p.idle),
		Active:  atomic.LoadInt64(&p.activeConns),
		Created: atomic.LoadInt64(&p.totalCreated),
		Errors:  atomic.LoadInt64(&p.totalErrors),
		Uptime:  time.Since(p.startTime),
	}
}

// validateConfig validates the connection configuration.
func validateConfig(config *ConnectionConfig) error {
	if len(config.LDAPURLs) == 0 && config.Domain == "" {
		return errors.New("at least one LDAP URL or a domain must be specified")
	}

	if config.MaxConnections <= 0 {
		return errors.New("MaxConnections must be positive")
	}

	if config.MaxConnections > MaxConnectionPoolLimit {
		return fmt.Errorf("MaxConnections too high (max %d)", MaxConnectionPoolLimit)
	}

	if config.MaxIdleTime <= 0 {
		return errors.New("MaxIdleTime must be positive")
	}

	if config.Timeout <= 0 {
		return errors.New("timeout must be positive")
	}

	switch config.Referrals {
	case ReferralFollow, ReferralIgnore, ReferralThrow:
	case "":
		config.Referrals = ReferralIgnore
	default:
		return fmt.Errorf("unknown referral mode %q", config.Referrals)
	}

	if config.SearchTimeLimit <= 0 {
		config.SearchTimeLimit = DefaultSearchTimeLimit
	}

	return nil
}

// ldapConn adapts *ldap.Conn to Conn.
type ldapConn struct {
	*ldap.Conn
}

func (c ldapConn) Close() error {
	c.Conn.Close()
	return nil
}

// dialLDAP opens a network connection, upgrading with StartTLS when configured.
func dialLDAP(_ context.Context, server *ServerInfo, config *ConnectionConfig) (Conn, error) {
	address := ServerInfoToURL(server)

	var conn *ldap.Conn
	var err error
	if server.UseTLS {
		conn, err = ldap.DialURL(address, ldap.DialWithTLSConfig(config.TLSConfig))
	} else {
		conn, err = ldap.DialURL(address)
		if err == nil && config.StartTLS {
			if tlsErr := conn.StartTLS(config.TLSConfig); tlsErr != nil {
				conn.Close()
				err = tlsErr
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	conn.SetTimeout(config.Timeout)
	return ldapConn{conn}, nil
}

// PooledConnection is a connection borrowed from a Pool.
type PooledConnection struct {
	conn         Conn
	lastUsed     time.Time
	healthy      bool
	serverInfo   *ServerInfo
	returnToPool func(*PooledConnection)
}

// NewPooledConnection wraps a connection that is closed rather than pooled on release.
func NewPooledConnection(conn Conn, server *ServerInfo) *PooledConnection {
	return &PooledConnection{
		conn:       conn,
		lastUsed:   time.Now(),
		healthy:    true,
		serverInfo: server,
	}
}

// Close releases the connection back to its pool.
func (pc *PooledConnection) Close() {
	if pc.returnToPool != nil {
		pc.returnToPool(pc)
		return
	}
	if pc.conn != nil {
		_ = pc.conn.Close()
	}
}

// MarkBroken stops the connection from being reused after a communication failure.
func (pc *PooledConnection) MarkBroken() {
	pc.healthy = false
}

func (pc *PooledConnection) Conn() Conn {
	return pc.conn
}

func (pc *PooledConnection) ServerInfo() *ServerInfo {
	return pc.serverInfo
}

// referralServer reduces a referral URI to its scheme://host:port.
func referralServer(uri string) (string, error) {
	server, err := ParseLDAPURL(uri)
	if err != nil {
		return "", err
	}
	return strings.ToLower(ServerInfoToURL(server)), nil
}

// referralBaseDN extracts the DN component of an LDAP URL, e.g.
// ldap://host/ou=people,dc=example??sub yields ou=people,dc=example.
func referralBaseDN(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	dn := strings.TrimPrefix(u.Path, "/")
	if dn == "" {
		return ""
	}
	if unescaped, err := url.PathUnescape(dn); err == nil {
		return unescaped
	}
	return dn
}
