package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/messages"
	"github.com/jcmturner/gokrb5/v8/service"
	"github.com/jcmturner/gokrb5/v8/spnego"

	"github.com/isometry/security-realm/internal/realm"
)

// DefaultMaxClockSkew is the tolerated difference between client and server clocks.
const DefaultMaxClockSkew = 5 * time.Minute

// TicketVerifier validates a Kerberos token and returns the client principal.
type TicketVerifier interface {
	VerifyToken(token []byte) (principal, realmName string, err error)
}

// KerberosConfig configures a Kerberos identity provider.
type KerberosConfig struct {
	Keytab           string        // Service keytab
	ServicePrincipal string        // Keytab principal to accept tickets for, e.g. HTTP/host.example.com
	MaxClockSkew     time.Duration // Defaults to DefaultMaxClockSkew
	RemoveRealm      bool          // Strip @REALM from authenticated principals
}

// Kerberos authenticates callers presenting a service ticket for the server.
type Kerberos struct {
	base
	config KerberosConfig

	mu       sync.RWMutex
	verifier TicketVerifier
}

var (
	_ realm.IdentityProvider  = (*Kerberos)(nil)
	_ realm.PrincipalResolver = (*Kerberos)(nil)
	_ realm.Starter           = (*Kerberos)(nil)
)

// KerberosOption customises a Kerberos provider.
type KerberosOption func(*Kerberos)

// WithTicketVerifier replaces keytab based verification.
func WithTicketVerifier(v TicketVerifier) KerberosOption {
	return func(k *Kerberos) {
		k.verifier = v
	}
}

// NewKerberos creates a KERBEROS provider.
func NewKerberos(name string, config KerberosConfig, opts ...KerberosOption) *Kerberos {
	if config.MaxClockSkew <= 0 {
		config.MaxClockSkew = DefaultMaxClockSkew
	}
	k := &Kerberos{
		base: base{
			name:      name,
			preferred: realm.MechanismKerberos,
		},
		config: config,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Start loads the keytab unless a verifier was supplied.
func (k *Kerberos) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.verifier != nil {
		return nil
	}
	if k.config.Keytab == "" {
		return errors.New("keytab is required")
	}

	kt, err := keytab.Load(k.config.Keytab)
	if err != nil {
		return fmt.Errorf("load keytab %s: %w", k.config.Keytab, err)
	}
	k.verifier = &keytabVerifier{
		keytab:    kt,
		principal: k.config.ServicePrincipal,
		skew:      k.config.MaxClockSkew,
	}

	logDebug(ctx, k.name, "Keytab loaded", map[string]any{
		"keytab":            k.config.Keytab,
		"service_principal": k.config.ServicePrincipal,
	})
	return nil
}

// ReadyForHTTPChallenge is false: Kerberos negotiates without a credential prompt.
func (k *Kerberos) ReadyForHTTPChallenge() bool {
	return false
}

// ResolvePrincipal verifies the token and records the authenticated
// principal in state.
func (k *Kerberos) ResolvePrincipal(ctx context.Context, state *realm.SharedState, evidence realm.Evidence) (string, error) {
	e, ok := evidence.(realm.KerberosEvidence)
	if !ok {
		return "", fmt.Errorf("%s: %T is not Kerberos evidence: %w", k.name, evidence, realm.ErrVerificationFailed)
	}

	principal, err := k.verify(ctx, e.Token)
	if err != nil {
		return "", err
	}
	if state != nil {
		state.Set(realm.KeyVerifiedIdentity, principal)
	}
	return principal, nil
}

func (k *Kerberos) verify(ctx context.Context, token []byte) (string, error) {
	k.mu.RLock()
	verifier := k.verifier
	k.mu.RUnlock()
	if verifier == nil {
		return "", fmt.Errorf("%s: keytab not loaded", k.name)
	}

	principal, realmName, err := verifier.VerifyToken(token)
	if err != nil {
		logDebug(ctx, k.name, "Kerberos token rejected", map[string]any{
			"error": err.Error(),
		})
		return "", fmt.Errorf("%s: %w: %w", k.name, realm.ErrVerificationFailed, err)
	}

	if k.config.RemoveRealm {
		return StripRealm(principal), nil
	}
	if realmName == "" || strings.Contains(principal, "@") {
		return principal, nil
	}
	return principal + "@" + realmName, nil
}

// Identity returns an identity for principal. Its evidence is checked again
// unless the same request already verified a ticket for principal.
func (k *Kerberos) Identity(_ context.Context, state *realm.SharedState, principal string) (realm.Identity, error) {
	if principal == "" {
		return nil, notFound(k.name, principal)
	}
	return &kerberosIdentity{principal: principal, provider: k, state: state}, nil
}

type kerberosIdentity struct {
	principal string
	provider  *Kerberos
	state     *realm.SharedState
}

func (i *kerberosIdentity) Principal() string {
	return i.principal
}

func (i *kerberosIdentity) VerifyEvidence(ctx context.Context, evidence realm.Evidence) (bool, error) {
	e, ok := evidence.(realm.KerberosEvidence)
	if !ok {
		return false, nil
	}
	if i.state != nil {
		if v, ok := i.state.Get(realm.KeyVerifiedIdentity); ok && v == i.principal {
			return true, nil
		}
	}

	principal, err := i.provider.verify(ctx, e.Token)
	if err != nil {
		return false, err
	}
	return principal == i.principal, nil
}

// keytabVerifier checks AP-REQs against a service keytab.
type keytabVerifier struct {
	keytab    *keytab.Keytab
	principal string
	skew      time.Duration
}

func (v *keytabVerifier) VerifyToken(token []byte) (string, string, error) {
	apReq, err := ParseAPReq(token)
	if err != nil {
		return "", "", err
	}

	opts := []func(*service.Settings){
		service.MaxClockSkew(v.skew),
		service.DecodePAC(false),
	}
	if v.principal != "" {
		opts = append(opts, service.KeytabPrincipal(v.principal))
	}

	ok, creds, err := service.VerifyAPREQ(apReq, service.NewSettings(v.keytab, opts...))
	if err != nil {
		return "", "", fmt.Errorf("verify AP-REQ: %w", err)
	}
	if !ok {
		return "", "", errors.New("AP-REQ verification failed")
	}
	return creds.CName().PrincipalNameString(), creds.Domain(), nil
}

// ParseAPReq extracts the AP-REQ from a SPNEGO token, a KRB5 GSS token or a
// bare AP-REQ.
func ParseAPReq(token []byte) (*messages.APReq, error) {
	if len(token) == 0 {
		return nil, errors.New("empty Kerberos token")
	}

	var negotiation spnego.SPNEGOToken
	if err := negotiation.Unmarshal(token); err == nil {
		switch {
		case negotiation.Init:
			token = negotiation.NegTokenInit.MechTokenBytes
		case negotiation.Resp:
			token = negotiation.NegTokenResp.ResponseToken
		}
		if len(token) == 0 {
			return nil, errors.New("SPNEGO token carries no mechanism token")
		}
	}

	var krb5Token spnego.KRB5Token
	if err := krb5Token.Unmarshal(token); err == nil {
		if !krb5Token.IsAPReq() {
			return nil, errors.New("KRB5 token is not an AP-REQ")
		}
		return &krb5Token.APReq, nil
	}

	var apReq messages.APReq
	if err := apReq.Unmarshal(token); err != nil {
		return nil, fmt.Errorf("unmarshal AP-REQ: %w", err)
	}
	return &apReq, nil
}

// StripRealm removes a trailing @REALM from principal.
func StripRealm(principal string) string {
	if i := strings.LastIndex(principal, "@"); i > 0 {
		return principal[:i]
	}
	return principal
}
