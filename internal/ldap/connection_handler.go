package ldap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// ConnectionHandler owns the directory connection used by one authentication
// request. It is not safe for use by two requests at once.
type ConnectionHandler struct {
	manager ConnectionManager

	mu        sync.Mutex
	conn      *PooledConnection
	referrals map[string]*ConnectionHandler // nil value: referral known to be unresolvable
	closed    bool
}

// NewConnectionHandler creates a handler that borrows connections from manager on demand.
func NewConnectionHandler(manager ConnectionManager) *ConnectionHandler {
	return &ConnectionHandler{
		manager:   manager,
		referrals: make(map[string]*ConnectionHandler),
	}
}

// Manager returns the connection manager backing the handler.
func (h *ConnectionHandler) Manager() ConnectionManager {
	return h.manager
}

// GetConnection returns the handler's connection, borrowing one on first use.
func (h *ConnectionHandler) GetConnection(ctx context.Context) (Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.New("connection handler is closed")
	}
	if h.conn != nil {
		return h.conn.Conn(), nil
	}

	conn, err := h.manager.Get(ctx)
	if err != nil {
		return nil, unavailable("get_connection", err)
	}
	h.conn = conn
	return conn.Conn(), nil
}

// Search runs req on the handler's connection with the manager's time limit applied.
func (h *ConnectionHandler) Search(ctx context.Context, req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	conn, err := h.GetConnection(ctx)
	if err != nil {
		return nil, err
	}

	if limit := h.manager.SearchTimeLimit(); limit > 0 && req.TimeLimit == 0 {
		req.TimeLimit = int(limit.Seconds())
	}

	result, err := conn.Search(req)
	if err == nil {
		return result, nil
	}

	ldapErr := NewLDAPError("search", err)
	switch ldapErr.Category {
	case ErrorCategoryNotFound:
		// The base DN itself is absent; the search simply matched nothing.
		return &ldap.SearchResult{}, nil
	case ErrorCategoryReferral:
		// Some servers answer a search of a referred base with a referral result.
		return &ldap.SearchResult{Referrals: referralsFromError(err)}, nil
	case ErrorCategoryConnection, ErrorCategoryServer:
		h.markBroken()
	}

	LogLDAPError(ctx, SubsystemLDAP, "search", err, map[string]any{
		"base_dn": req.BaseDN,
		"filter":  req.Filter,
		"manager": h.manager.Name(),
	})
	return nil, unavailable("search", ldapErr)
}

// VerifyIdentity checks password for dn with a bind on a dedicated connection.
func (h *ConnectionHandler) VerifyIdentity(ctx context.Context, dn, password string) error {
	return h.manager.Verify(ctx, dn, password)
}

// VerifyEntry verifies password against the directory the entry was found in.
func (h *ConnectionHandler) VerifyEntry(ctx context.Context, entry DirectoryEntry, password string) error {
	if !entry.Referred() {
		return h.VerifyIdentity(ctx, entry.DistinguishedName, password)
	}

	referred, err := h.FindForReferral(ctx, entry.ReferralAddress)
	if err != nil {
		return err
	}
	if referred == nil {
		return fmt.Errorf("%s: %w", entry.ReferralAddress, ErrReferralUnresolvable)
	}
	return referred.VerifyIdentity(ctx, entry.DistinguishedName, password)
}

// FindForReferral returns a handler for the referral URI, or nil when no
// connection manager can serve it. Results are remembered so the same URI is
// never resolved twice.
func (h *ConnectionHandler) FindForReferral(ctx context.Context, uri string) (*ConnectionHandler, error) {
	h.mu.Lock()
	if referred, ok := h.referrals[uri]; ok {
		h.mu.Unlock()
		return referred, nil
	}
	h.mu.Unlock()

	manager, err := h.manager.ForReferral(ctx, uri)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.New("connection handler is closed")
	}
	if err != nil {
		h.referrals[uri] = nil
		return nil, err
	}
	if manager == nil {
		h.referrals[uri] = nil
		return nil, nil
	}

	referred := NewConnectionHandler(manager)
	h.referrals[uri] = referred

	tflog.SubsystemDebug(ctx, SubsystemLDAP, "Resolved referral", map[string]any{
		"referral": uri,
		"manager":  manager.Name(),
	})
	return referred, nil
}

// Release returns the borrowed connections of h and its referral handlers to
// their managers early. The handler stays usable; a later search borrows again.
func (h *ConnectionHandler) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
	for _, referred := range h.referrals {
		if referred != nil {
			referred.Release()
		}
	}
}

// Close returns the connection to its manager and closes any referral handlers.
func (h *ConnectionHandler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}

	var errs []error
	for _, referred := range h.referrals {
		if referred != nil {
			errs = append(errs, referred.Close())
		}
	}
	h.referrals = nil
	return errors.Join(errs...)
}

func (h *ConnectionHandler) markBroken() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn != nil {
		h.conn.MarkBroken()
		h.conn.Close()
		h.conn = nil
	}
}

// referralsFromError digs referral URIs out of a referral result error.
func referralsFromError(err error) []string {
	var resultErr *ldap.Error
	if !errors.As(err, &resultErr) || resultErr.Packet == nil {
		return nil
	}

	var uris []string
	for _, child := range resultErr.Packet.Children {
		for _, op := range child.Children {
			for _, ref := range op.Children {
				if s, ok := ref.Value.(string); ok && isLDAPURL(s) {
					uris = append(uris, s)
				}
			}
		}
	}
	return uris
}

func isLDAPURL(s string) bool {
	_, err := ParseLDAPURL(s)
	return err == nil
}
