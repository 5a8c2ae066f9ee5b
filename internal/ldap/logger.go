package ldap

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Logging subsystems used by the directory layer.
const (
	SubsystemLDAP     = "ldap"
	SubsystemCache    = "cache"
	SubsystemKerberos = "kerberos"
)

// LogOperation is a helper function to log an operation with timing.
func LogOperation(ctx context.Context, subsystem, operation string, fields map[string]any, fn func() error) error {
	start := time.Now()

	if fields == nil {
		fields = make(map[string]any)
	}
	fields["operation"] = operation

	tflog.SubsystemDebug(ctx, subsystem, "Starting operation", fields)

	err := fn()

	fields["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		fields["error"] = err.Error()
		tflog.SubsystemDebug(ctx, subsystem, "Operation failed", fields)
	} else {
		tflog.SubsystemDebug(ctx, subsystem, "Operation completed successfully", fields)
	}

	return err
}

// LogLDAPError logs LDAP-specific error information.
func LogLDAPError(ctx context.Context, subsystem string, operation string, err error, fields map[string]any) {
	if fields == nil {
		fields = make(map[string]any)
	}

	fields["operation"] = operation
	fields["error"] = err.Error()

	var ldapErr *ldap.Error
	if errors.As(err, &ldapErr) {
		fields["ldap_result_code"] = ldapErr.ResultCode
		if ldapErr.MatchedDN != "" {
			fields["ldap_matched_dn"] = ldapErr.MatchedDN
		}
		if ldapErr.Err != nil {
			fields["ldap_diagnostic_message"] = ldapErr.Err.Error()
		}
	}

	tflog.SubsystemError(ctx, subsystem, "LDAP operation failed", SanitizeFields(fields))
}

// eventLevels raises selected events above the subsystem's default level.
var eventLevels = map[string]func(context.Context, string, string, ...map[string]any){
	"connection_established": tflog.SubsystemInfo,
	"referral_resolved":      tflog.SubsystemInfo,
	"connection_failed":      tflog.SubsystemWarn,
	"bind_failed":            tflog.SubsystemWarn,
	"referral_unresolved":    tflog.SubsystemWarn,
	"gssapi_bind_success":    tflog.SubsystemInfo,
	"gssapi_bind_failed":     tflog.SubsystemError,
	"client_creation_failed": tflog.SubsystemError,
	"evicted_all":            tflog.SubsystemInfo,
	"capacity_eviction":      tflog.SubsystemDebug,
	"expired":                tflog.SubsystemDebug,
}

func logEvent(ctx context.Context, subsystem, msg, event string, fields map[string]any,
	fallback func(context.Context, string, string, ...map[string]any),
) {
	if fields == nil {
		fields = make(map[string]any)
	}
	fields["event"] = event

	log, ok := eventLevels[event]
	if !ok {
		log = fallback
	}
	log(ctx, subsystem, msg, fields)
}

// LogConnectionEvent logs connection manager events.
func LogConnectionEvent(ctx context.Context, event string, fields map[string]any) {
	logEvent(ctx, SubsystemLDAP, "Connection event", event, fields, tflog.SubsystemDebug)
}

// LogKerberosEvent logs GSSAPI bind events.
func LogKerberosEvent(ctx context.Context, event string, fields map[string]any) {
	logEvent(ctx, SubsystemKerberos, "Kerberos event", event, fields, tflog.SubsystemTrace)
}

// LogCacheEvent logs search cache events.
func LogCacheEvent(ctx context.Context, event string, fields map[string]any) {
	logEvent(ctx, SubsystemCache, "Cache event", event, fields, tflog.SubsystemTrace)
}

// sensitiveKeys are redacted whatever their value.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"bind_password": true,
	"credential":    true,
	"credentials":   true,
	"evidence":      true,
}

// sensitivePatterns redact string values that embed a secret.
var sensitivePatterns = []string{"password=", "passwd=", "secret=", "token="}

// SanitizeFields returns a copy of fields with secrets redacted.
func SanitizeFields(fields map[string]any) map[string]any {
	sanitized := make(map[string]any, len(fields))
	for k, v := range fields {
		if str, ok := v.(string); sensitiveKeys[k] || ok && embedsSecret(str) {
			sanitized[k] = "[REDACTED]"
			continue
		}
		sanitized[k] = v
	}
	return sanitized
}

func embedsSecret(s string) bool {
	lower := strings.ToLower(s)
	for _, pattern := range sensitivePatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
