package ldap

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

// DefaultKrb5Conf is used when no Kerberos configuration path is given.
const DefaultKrb5Conf = "/etc/krb5.conf"

// performKerberosAuth performs a GSSAPI manager bind on a fresh connection.
func performKerberosAuth(ctx context.Context, conn gssapiBinder, cfg *ConnectionConfig, confs *krb5Confs, serverInfo *ServerInfo) error {
	principal, realm := kerberosPrincipal(cfg)
	if realm == "" {
		return fmt.Errorf("kerberos realm is required")
	}

	krb5conf, err := confs.resolve(ctx, cfg, realm)
	if err != nil {
		return err
	}
	resolved := *cfg
	resolved.KerberosConfig = krb5conf

	client, err := createGSSAPIClient(&resolved, principal, realm)
	if err != nil {
		LogKerberosEvent(ctx, "client_creation_failed", map[string]any{
			"principal": principal,
			"realm":     realm,
			"error":     err.Error(),
		})
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = client.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg, serverInfo)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	if err := conn.GSSAPIBind(client, spn, ""); err != nil {
		LogKerberosEvent(ctx, "gssapi_bind_failed", map[string]any{
			"principal": principal,
			"spn":       spn,
			"error":     err.Error(),
		})
		return fmt.Errorf("GSSAPI bind failed: %w", err)
	}

	LogKerberosEvent(ctx, "gssapi_bind_success", map[string]any{
		"principal": principal,
		"spn":       spn,
	})
	return nil
}

// kerberosPrincipal splits the manager BindDN into principal and realm.
// A principal of the form user@REALM overrides the configured realm.
func kerberosPrincipal(cfg *ConnectionConfig) (string, string) {
	principal, realm := cfg.BindDN, cfg.KerberosRealm
	if at := strings.LastIndex(principal, "@"); at > 0 {
		realm = principal[at+1:]
		principal = principal[:at]
	}
	return principal, realm
}

// createGSSAPIClient creates a GSSAPI client from the configured credentials.
// Priority order: credential cache, keytab, password.
func createGSSAPIClient(cfg *ConnectionConfig, principal, realm string) (*gssapi.Client, error) {
	krb5conf := cfg.KerberosConfig
	if krb5conf == "" {
		krb5conf = DefaultKrb5Conf
	}
	if !fileExists(krb5conf) {
		return nil, fmt.Errorf("kerberos configuration file not found at %s", krb5conf)
	}

	if cfg.KerberosCCache != "" && fileExists(cfg.KerberosCCache) {
		return gssapi.NewClientFromCCache(cfg.KerberosCCache, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if principal == "" {
		return nil, fmt.Errorf("principal is required for keytab or password authentication")
	}

	if cfg.KerberosKeytab != "" && fileExists(cfg.KerberosKeytab) {
		return gssapi.NewClientWithKeytab(principal, realm, cfg.KerberosKeytab, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	if cfg.BindPassword != "" {
		return gssapi.NewClientWithPassword(principal, realm, cfg.BindPassword, krb5conf, krb5client.DisablePAFXFAST(true))
	}

	return nil, fmt.Errorf("no suitable credentials found for Kerberos authentication")
}

// buildServicePrincipal constructs the LDAP service principal name from server info.
// If cfg.KerberosSPN is set, it overrides the automatic SPN construction.
func buildServicePrincipal(cfg *ConnectionConfig, serverInfo *ServerInfo) (string, error) {
	if cfg == nil {
		return "", fmt.Errorf("configuration is required for service principal")
	}

	if cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	if serverInfo == nil || serverInfo.Host == "" {
		return "", fmt.Errorf("hostname is required for service principal")
	}

	return "ldap/" + serverInfo.Host, nil
}

// fileExists checks if a file exists and is readable.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	file, err := os.Open(path)
	if err != nil {
		return false
	}
	file.Close()
	return true
}

var _ ldap.GSSAPIClient = (*gssapi.Client)(nil)
