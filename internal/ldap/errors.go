package ldap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// Sentinel errors surfaced by the directory layer.
var (
	// ErrNotFound indicates the principal or group is absent from the directory.
	ErrNotFound = errors.New("ldap: entry not found")

	// ErrDirectoryUnavailable indicates a communication failure with the directory.
	ErrDirectoryUnavailable = errors.New("ldap: directory unavailable")

	// ErrAuthFailed indicates a verify-bind was rejected.
	ErrAuthFailed = errors.New("ldap: authentication failed")

	// ErrReferralUnresolvable indicates no connection could be found for a referral.
	ErrReferralUnresolvable = errors.New("ldap: referral unresolvable")
)

// ErrorCategory represents different categories of LDAP errors.
type ErrorCategory string

const (
	ErrorCategoryConnection     ErrorCategory = "connection"
	ErrorCategoryAuthentication ErrorCategory = "authentication"
	ErrorCategoryPermission     ErrorCategory = "permission"
	ErrorCategoryNotFound       ErrorCategory = "not_found"
	ErrorCategoryReferral       ErrorCategory = "referral"
	ErrorCategoryValidation     ErrorCategory = "validation"
	ErrorCategoryServer         ErrorCategory = "server"
	ErrorCategoryUnknown        ErrorCategory = "unknown"
)

// LDAPError provides enhanced error information for LDAP operations.
type LDAPError struct {
	Operation string        // The operation that failed
	Category  ErrorCategory // Error category
	LDAPCode  uint16        // LDAP result code
	Message   string        // Human-readable message
	ServerMsg string        // Server-provided message
	DN        string        // DN involved in the operation (if applicable)
	Cause     error         // Underlying error
}

func (e *LDAPError) Error() string {
	var parts []string

	if e.LDAPCode > 0 {
		parts = append(parts, fmt.Sprintf("LDAP %s failed (code %d)", e.Operation, e.LDAPCode))
	} else {
		parts = append(parts, fmt.Sprintf("LDAP %s failed", e.Operation))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	}

	if e.ServerMsg != "" && e.ServerMsg != e.Message {
		parts = append(parts, fmt.Sprintf("server: %s", e.ServerMsg))
	}

	if e.DN != "" {
		parts = append(parts, fmt.Sprintf("DN: %s", e.DN))
	}

	return strings.Join(parts, " - ")
}

func (e *LDAPError) Unwrap() error {
	return e.Cause
}

// Is maps the error category onto the package sentinels so callers can use errors.Is.
func (e *LDAPError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Category == ErrorCategoryNotFound
	case ErrDirectoryUnavailable:
		return e.Category == ErrorCategoryConnection || e.Category == ErrorCategoryServer
	case ErrAuthFailed:
		return e.Category == ErrorCategoryAuthentication
	case ErrReferralUnresolvable:
		return e.Category == ErrorCategoryReferral
	}
	return false
}

// NewLDAPError creates a new LDAP error.
func NewLDAPError(operation string, err error) *LDAPError {
	if err == nil {
		return nil
	}

	ldapErr := &LDAPError{
		Operation: operation,
		Cause:     err,
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		ldapErr.LDAPCode = resultErr.ResultCode
		if resultErr.Err != nil {
			ldapErr.ServerMsg = resultErr.Err.Error()
		}
		ldapErr.DN = resultErr.MatchedDN
		ldapErr.Category = categorizeError(resultErr.ResultCode)
		ldapErr.Message = codeMessage(resultErr.ResultCode)
	} else {
		ldapErr.Category = categorizeGenericError(err)
		ldapErr.Message = err.Error()
	}

	return ldapErr
}

// resultCode classifies one LDAP result code.
type resultCode struct {
	category ErrorCategory
	message  string
}

var resultCodes = map[uint16]resultCode{
	ldap.LDAPResultOperationsError:             {ErrorCategoryUnknown, "operations error"},
	ldap.LDAPResultProtocolError:               {ErrorCategoryConnection, "protocol error"},
	ldap.LDAPResultTimeLimitExceeded:           {ErrorCategoryServer, "search time limit exceeded"},
	ldap.LDAPResultSizeLimitExceeded:           {ErrorCategoryUnknown, "search size limit exceeded"},
	ldap.LDAPResultAuthMethodNotSupported:      {ErrorCategoryUnknown, "bind method not supported"},
	ldap.LDAPResultStrongAuthRequired:          {ErrorCategoryAuthentication, "strong authentication required"},
	ldap.LDAPResultReferral:                    {ErrorCategoryReferral, "referral returned"},
	ldap.LDAPResultAdminLimitExceeded:          {ErrorCategoryServer, "administrative limit exceeded"},
	ldap.LDAPResultNoSuchAttribute:             {ErrorCategoryNotFound, "no such attribute"},
	ldap.LDAPResultUndefinedAttributeType:      {ErrorCategoryNotFound, "undefined attribute type"},
	ldap.LDAPResultConstraintViolation:         {ErrorCategoryValidation, "constraint violation"},
	ldap.LDAPResultInvalidAttributeSyntax:      {ErrorCategoryValidation, "invalid attribute syntax"},
	ldap.LDAPResultNoSuchObject:                {ErrorCategoryNotFound, "no such object"},
	ldap.LDAPResultInvalidDNSyntax:             {ErrorCategoryValidation, "invalid DN syntax"},
	ldap.LDAPResultInappropriateAuthentication: {ErrorCategoryAuthentication, "inappropriate authentication"},
	ldap.LDAPResultInvalidCredentials:          {ErrorCategoryAuthentication, "invalid credentials"},
	ldap.LDAPResultInsufficientAccessRights:    {ErrorCategoryPermission, "insufficient access rights"},
	ldap.LDAPResultBusy:                        {ErrorCategoryServer, "server busy"},
	ldap.LDAPResultUnavailable:                 {ErrorCategoryServer, "server unavailable"},
	ldap.LDAPResultUnwillingToPerform:          {ErrorCategoryPermission, "server unwilling to perform"},
	ldap.LDAPResultServerDown:                  {ErrorCategoryServer, "server down"},
	ldap.LDAPResultTimeout:                     {ErrorCategoryServer, "timed out"},
	ldap.LDAPResultFilterError:                 {ErrorCategoryValidation, "invalid search filter"},
	ldap.LDAPResultConnectError:                {ErrorCategoryConnection, "cannot connect"},
	ldap.LDAPResultReferralLimitExceeded:       {ErrorCategoryReferral, "referral hop limit exceeded"},
	ldap.ErrorNetwork:                          {ErrorCategoryConnection, "network error"},
}

func categorizeError(code uint16) ErrorCategory {
	if rc, ok := resultCodes[code]; ok {
		return rc.category
	}
	return ErrorCategoryUnknown
}

func codeMessage(code uint16) string {
	if rc, ok := resultCodes[code]; ok {
		return rc.message
	}
	return fmt.Sprintf("result code %d", code)
}

// transportHints mark errors from the transport rather than the directory.
var transportHints = []string{"connection", "network", "timeout", "broken pipe", "reset by peer", "eof"}

func categorizeGenericError(err error) ErrorCategory {
	msg := strings.ToLower(err.Error())
	for _, hint := range transportHints {
		if strings.Contains(msg, hint) {
			return ErrorCategoryConnection
		}
	}
	return ErrorCategoryUnknown
}

// WrapError wraps an error with operation context.
func WrapError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		if ldapErr.Operation == "" {
			ldapErr.Operation = operation
		}
		return err
	}

	return NewLDAPError(operation, err)
}

// GetErrorCategory returns the category of an error.
func GetErrorCategory(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryUnknown
	}

	var ldapErr *LDAPError
	if errors.As(err, &ldapErr) {
		return ldapErr.Category
	}

	var resultErr *ldap.Error
	if errors.As(err, &resultErr) {
		return categorizeError(resultErr.ResultCode)
	}

	return categorizeGenericError(err)
}

// IsNotFoundError checks if an error indicates a "not found" condition.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound) || GetErrorCategory(err) == ErrorCategoryNotFound
}

// IsAuthenticationError checks if an error indicates rejected credentials.
func IsAuthenticationError(err error) bool {
	return errors.Is(err, ErrAuthFailed) || GetErrorCategory(err) == ErrorCategoryAuthentication
}

// unavailable wraps a communication failure so that it matches ErrDirectoryUnavailable.
func unavailable(operation string, err error) error {
	if errors.Is(err, ErrDirectoryUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", operation, ErrDirectoryUnavailable, err)
}
