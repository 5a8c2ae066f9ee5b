package ldap

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// krb5Confs holds the krb5.conf files generated for one pool. They live in a
// private temporary directory removed by cleanup.
type krb5Confs struct {
	mu    sync.Mutex
	dir   string
	paths map[string]string // upper-case realm -> path
}
// generateRuntimeKrb5Conf renders a krb5.conf that locates the KDCs of realm
// through DNS SRV records.
func generateRuntimeKrb5Conf(realm, domain string) (string, error) {
	if realm == "" {
		return "", fmt.Errorf("kerberos realm is required for auto-discovery")
	}

	realm = strings.ToUpper(realm)
	if domain == "" {
		domain = realm
	}
	domain = strings.ToLower(domain)

	return fmt.Sprintf(`[libdefaults]
    default_realm = %s
    dns_lookup_kdc = true
    dns_lookup_realm = false
    rdns = false
    forwardable = true
    ticket_lifetime = 24h
    renew_lifetime = 7d

[realms]
    %s = {
    }

[domain_realm]
    .%s = %s
    %s = %s
`, realm, realm, domain, realm, domain, realm), nil
}

// resolve returns the krb5.conf path to use for realm. Without an explicit
// path and without /etc/krb5.conf, a DNS-discovery configuration is generated
// once per realm.
func (k *krb5Confs) resolve(ctx context.Context, cfg *ConnectionConfig, realm string) (string, error) {
	if cfg.KerberosConfig != "" {
		return cfg.KerberosConfig, nil
	}
	if fileExists(DefaultKrb5Conf) {
		return DefaultKrb5Conf, nil
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	key := strings.ToUpper(realm)
	if path, ok := k.paths[key]; ok && fileExists(path) {
		return path, nil
	}

	content, err := generateRuntimeKrb5Conf(realm, cfg.Domain)
	if err != nil {
		return "", err
	}

	if k.dir == "" {
		dir, err := os.MkdirTemp("", "realm-krb5-")
		if err != nil {
			return "", fmt.Errorf("failed to create krb5.conf directory: %w", err)
		}
		k.dir = dir
		k.paths = make(map[string]string)
	}
	path := filepath.Join(k.dir, strings.ToLower(key)+".conf")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		return "", fmt.Errorf("failed to write runtime krb5.conf: %w", err)
	}
	k.paths[key] = path

	LogKerberosEvent(ctx, "runtime_krb5_conf_generated", map[string]any{
		"realm": key,
		"path":  path,
	})
	return path, nil
}

// cleanup removes every generated file.
func (k *krb5Confs) cleanup() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.dir == "" {
		return nil
	}
	err := os.RemoveAll(k.dir)
	k.dir = ""
	k.paths = nil
	return err
}
