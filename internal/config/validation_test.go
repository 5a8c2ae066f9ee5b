package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		ConnectionManagers: []ConnectionManagerConfig{{
			Name:   "corp",
			URLs:   []string{"ldaps://ldap.example.com"},
			BindDN: "cn=admin,dc=example",
		}},
		Realms: []RealmConfig{{
			Name: "R",
			LDAP: &LDAPConfig{
				ConnectionManager: "corp",
				BaseDN:            "ou=users,dc=example",
				UsernameAttribute: "uid",
			},
			Authorization: &AuthorizationConfig{
				LDAP: &LDAPGroupsConfig{
					ConnectionManager: "corp",
					PrincipalToGroup:  &PrincipalToGroupConfig{},
				},
			},
		}},
	}
	require.NoError(t, ApplyDefaults(cfg))
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:   "referral mode in any case",
			mutate: func(c *Config) { c.ConnectionManagers[0].Referrals = "FOLLOW" },
		},
		{
			name:   "domain instead of URLs",
			mutate: func(c *Config) { c.ConnectionManagers[0].URLs, c.ConnectionManagers[0].Domain = nil, "example.com" },
		},
		{
			name: "username is DN",
			mutate: func(c *Config) {
				l := c.Realms[0].LDAP
				l.UsernameIsDN, l.BaseDN, l.UsernameAttribute = true, "", ""
			},
		},
		{
			name:    "unknown referral mode",
			mutate:  func(c *Config) { c.ConnectionManagers[0].Referrals = "sometimes" },
			wantErr: "ci_oneof",
		},
		{
			name:    "malformed base DN",
			mutate:  func(c *Config) { c.Realms[0].LDAP.BaseDN = "not a dn" },
			wantErr: "'dn' tag",
		},
		{
			name:    "malformed bind DN",
			mutate:  func(c *Config) { c.ConnectionManagers[0].BindDN = "admin" },
			wantErr: "'dn' tag",
		},
		{
			name:    "non LDAP URL",
			mutate:  func(c *Config) { c.ConnectionManagers[0].URLs = []string{"https://ldap.example.com"} },
			wantErr: "ldapurl",
		},
		{
			name:    "no servers",
			mutate:  func(c *Config) { c.ConnectionManagers[0].URLs = nil },
			wantErr: "required_without",
		},
		{
			name:    "username attribute or filter",
			mutate:  func(c *Config) { c.Realms[0].LDAP.UsernameAttribute = "" },
			wantErr: "required_without",
		},
		{
			name:    "cache policy",
			mutate:  func(c *Config) { c.Realms[0].LDAP.Cache.Policy = "forever" },
			wantErr: "ci_oneof",
		},
		{
			name: "duplicate realm",
			mutate: func(c *Config) {
				c.Realms = append(c.Realms, RealmConfig{Name: "R", Users: map[string]string{"a": "b"}})
			},
			wantErr: "unique",
		},
		{
			name:    "unknown connection manager",
			mutate:  func(c *Config) { c.Realms[0].LDAP.ConnectionManager = "other" },
			wantErr: `unknown connection manager "other"`,
		},
		{
			name:    "no identity provider",
			mutate:  func(c *Config) { c.Realms[0].LDAP = nil },
			wantErr: "no identity provider configured",
		},
		{
			name: "two group providers",
			mutate: func(c *Config) {
				c.Realms[0].Authorization.Properties = &PropertiesGroupsConfig{Path: "groups.properties"}
			},
			wantErr: "only one group provider",
		},
		{
			name:    "group searcher required",
			mutate:  func(c *Config) { c.Realms[0].Authorization.LDAP.PrincipalToGroup = nil },
			wantErr: "required_without",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
