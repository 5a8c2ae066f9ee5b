package ldap

import (
	"errors"
	"fmt"
	"testing"

	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLDAPError(t *testing.T) {
	tests := []struct {
		name         string
		operation    string
		err          error
		wantNil      bool
		wantCategory ErrorCategory
		wantCode     uint16
	}{
		{
			name:      "nil error",
			operation: "search",
			err:       nil,
			wantNil:   true,
		},
		{
			name:         "invalid credentials",
			operation:    "bind",
			err:          ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("bad password")),
			wantCategory: ErrorCategoryAuthentication,
			wantCode:     ldap.LDAPResultInvalidCredentials,
		},
		{
			name:         "no such object",
			operation:    "search",
			err:          ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("missing")),
			wantCategory: ErrorCategoryNotFound,
			wantCode:     ldap.LDAPResultNoSuchObject,
		},
		{
			name:         "referral",
			operation:    "search",
			err:          ldap.NewError(ldap.LDAPResultReferral, errors.New("referral")),
			wantCategory: ErrorCategoryReferral,
			wantCode:     ldap.LDAPResultReferral,
		},
		{
			name:         "server down",
			operation:    "search",
			err:          ldap.NewError(ldap.LDAPResultServerDown, errors.New("down")),
			wantCategory: ErrorCategoryServer,
			wantCode:     ldap.LDAPResultServerDown,
		},
		{
			name:         "generic connection error",
			operation:    "connect",
			err:          errors.New("connection refused"),
			wantCategory: ErrorCategoryConnection,
		},
		{
			name:         "generic unknown error",
			operation:    "connect",
			err:          errors.New("something odd"),
			wantCategory: ErrorCategoryUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewLDAPError(tt.operation, tt.err)
			if tt.wantNil {
				assert.Nil(t, result)
				return
			}

			require.NotNil(t, result)
			assert.Equal(t, tt.operation, result.Operation)
			assert.Equal(t, tt.wantCategory, result.Category)
			assert.Equal(t, tt.wantCode, result.LDAPCode)
			assert.Same(t, tt.err, result.Cause)
		})
	}
}

func TestLDAPError_IsSentinels(t *testing.T) {
	tests := []struct {
		name   string
		code   uint16
		target error
	}{
		{"not found", ldap.LDAPResultNoSuchObject, ErrNotFound},
		{"auth failed", ldap.LDAPResultInvalidCredentials, ErrAuthFailed},
		{"unavailable server", ldap.LDAPResultUnavailable, ErrDirectoryUnavailable},
		{"unavailable network", ldap.ErrorNetwork, ErrDirectoryUnavailable},
		{"referral", ldap.LDAPResultReferralLimitExceeded, ErrReferralUnresolvable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", NewLDAPError("op", ldap.NewError(tt.code, errors.New("x"))))
			assert.ErrorIs(t, err, tt.target)
		})
	}

	notFound := NewLDAPError("op", ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("x")))
	assert.NotErrorIs(t, notFound, ErrDirectoryUnavailable)
	assert.NotErrorIs(t, notFound, ErrAuthFailed)
}

func TestLDAPError_Error(t *testing.T) {
	err := &LDAPError{
		Operation: "search",
		LDAPCode:  32,
		Message:   "Requested object does not exist",
		ServerMsg: "0000208D: NameErr",
		DN:        "ou=missing,dc=example",
	}

	msg := err.Error()
	assert.Contains(t, msg, "LDAP search failed (code 32)")
	assert.Contains(t, msg, "server: 0000208D: NameErr")
	assert.Contains(t, msg, "DN: ou=missing,dc=example")
}

func TestWrapError(t *testing.T) {
	assert.NoError(t, WrapError("op", nil))

	existing := &LDAPError{Category: ErrorCategoryServer}
	wrapped := WrapError("search", existing)
	assert.Same(t, existing, wrapped)
	assert.Equal(t, "search", existing.Operation)

	generic := WrapError("connect", errors.New("network unreachable"))
	assert.Equal(t, ErrorCategoryConnection, GetErrorCategory(generic))
}

func TestErrorPredicates(t *testing.T) {
	assert.True(t, IsNotFoundError(ErrNotFound))
	assert.True(t, IsNotFoundError(fmt.Errorf("user: %w", ErrNotFound)))
	assert.True(t, IsNotFoundError(ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("x"))))
	assert.False(t, IsNotFoundError(ErrDirectoryUnavailable))

	assert.True(t, IsAuthenticationError(ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("x"))))
	assert.True(t, IsAuthenticationError(ErrAuthFailed))
	assert.False(t, IsAuthenticationError(errors.New("timeout")))
}

func TestUnavailable(t *testing.T) {
	err := unavailable("search", errors.New("connection reset"))
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
	assert.Contains(t, err.Error(), "search")

	again := unavailable("outer", err)
	assert.Same(t, err, again)
}
