// Package config loads realm configuration and builds the connection managers,
// providers and realms it describes.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable override.
const EnvPrefix = "REALM"

// Config is the root configuration.
type Config struct {
	// ConnectionManagers lists the directory servers realms may search.
	ConnectionManagers []ConnectionManagerConfig `mapstructure:"connection_managers" validate:"unique=Name,dive"`

	// Realms lists the realms to build.
	Realms []RealmConfig `mapstructure:"realms" validate:"required,min=1,unique=Name,dive"`
}

// ConnectionManagerConfig describes one pooled set of directory connections.
type ConnectionManagerConfig struct {
	Name    string        `mapstructure:"name" validate:"required"`
	URLs    []string      `mapstructure:"urls" validate:"required_without=Domain,dive,ldapurl"`
	Domain  string        `mapstructure:"domain" validate:"omitempty,fqdn"`
	Timeout time.Duration `mapstructure:"timeout" default:"30s" validate:"gt=0"`

	BindDN       string `mapstructure:"bind_dn" validate:"omitempty,dn"`
	BindPassword string `mapstructure:"bind_password"`
	// BindCredential names the entry of the credential source holding the
	// bind password. BindPassword is used when the lookup fails.
	BindCredential string `mapstructure:"bind_credential"`

	Kerberos KerberosBindConfig `mapstructure:"kerberos"`

	StartTLS           bool `mapstructure:"start_tls"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`

	Referrals           string   `mapstructure:"referrals" default:"ignore" validate:"ci_oneof=follow ignore throw"`
	HandlesReferralsFor []string `mapstructure:"handles_referrals_for" validate:"dive,ldapurl"`

	SearchTimeLimit time.Duration `mapstructure:"search_time_limit" default:"10s" validate:"gt=0"`
	MaxConnections  int           `mapstructure:"max_connections" default:"10" validate:"min=1,max=100"`
	MaxIdleTime     time.Duration `mapstructure:"max_idle_time" default:"5m" validate:"gt=0"`
}

// KerberosBindConfig selects a GSSAPI manager bind instead of a simple bind.
type KerberosBindConfig struct {
	Realm  string `mapstructure:"realm"`
	Keytab string `mapstructure:"keytab" validate:"required_with=Realm"`
	Config string `mapstructure:"config"`
	CCache string `mapstructure:"ccache"`
	SPN    string `mapstructure:"spn"`
}

// RealmConfig describes one realm and the providers composed into it.
type RealmConfig struct {
	Name             string `mapstructure:"name" validate:"required"`
	MapGroupsToRoles *bool  `mapstructure:"map_groups_to_roles" default:"true"`

	Local        *LocalConfig        `mapstructure:"local"`
	Properties   *PropertiesConfig   `mapstructure:"properties"`
	Users        map[string]string   `mapstructure:"users"`
	Delegate     *DelegateConfig     `mapstructure:"delegate"`
	Kerberos     *KerberosConfig     `mapstructure:"kerberos"`
	ClientCert   *ClientCertConfig   `mapstructure:"client_cert"`
	PlugIn       *PlugInConfig       `mapstructure:"plugin"`
	LDAP         *LDAPConfig         `mapstructure:"ldap"`
	DomainServer *DomainServerConfig `mapstructure:"domain_server"`

	Authorization *AuthorizationConfig `mapstructure:"authorization"`
}

// LocalConfig enables the LOCAL mechanism.
type LocalConfig struct {
	DefaultUser      string `mapstructure:"default_user"`
	AllowedUsers     string `mapstructure:"allowed_users"`
	SkipGroupLoading bool   `mapstructure:"skip_group_loading"`
}

// PropertiesConfig reads users from a properties file.
type PropertiesConfig struct {
	Path      string `mapstructure:"path" validate:"required"`
	PlainText bool   `mapstructure:"plain_text"`
	Watch     bool   `mapstructure:"watch"`
}

// DelegateConfig chains named login modules.
type DelegateConfig struct {
	Modules []LoginModuleConfig `mapstructure:"modules" validate:"required,min=1,dive"`
}

// LoginModuleConfig references a login module registered with the builder.
type LoginModuleConfig struct {
	Name string `mapstructure:"name" validate:"required"`
	Flag string `mapstructure:"flag" default:"required" validate:"ci_oneof=required requisite sufficient optional"`
}

// KerberosConfig verifies Kerberos tickets with a service keytab.
type KerberosConfig struct {
	Keytab           string        `mapstructure:"keytab" validate:"required"`
	ServicePrincipal string        `mapstructure:"service_principal"`
	MaxClockSkew     time.Duration `mapstructure:"max_clock_skew" default:"5m"`
	RemoveRealm      bool          `mapstructure:"remove_realm"`
}

// ClientCertConfig verifies client certificates against a CA bundle.
type ClientCertConfig struct {
	CAFile      string `mapstructure:"ca_file" validate:"required"`
	FullSubject bool   `mapstructure:"full_subject"`
}

// PlugInConfig delegates to registered authentication plug-ins.
type PlugInConfig struct {
	PlugIns    []string          `mapstructure:"plugins" validate:"required,min=1"`
	Mechanism  string            `mapstructure:"mechanism" validate:"omitempty,ci_oneof=DIGEST PLAIN"`
	Properties map[string]string `mapstructure:"properties"`
}

// LDAPConfig authenticates users against a directory.
type LDAPConfig struct {
	ConnectionManager string `mapstructure:"connection_manager" validate:"required"`

	// UsernameIsDN takes the supplied username as the user DN without searching.
	UsernameIsDN          bool   `mapstructure:"username_is_dn"`
	BaseDN                string `mapstructure:"base_dn" validate:"required_without=UsernameIsDN,omitempty,dn"`
	UsernameAttribute     string `mapstructure:"username_attribute" validate:"required_without_all=AdvancedFilter UsernameIsDN"`
	AdvancedFilter        string `mapstructure:"advanced_filter"`
	Recursive             bool   `mapstructure:"recursive"`
	UserDNAttribute       string `mapstructure:"user_dn_attribute"`
	UsernameLoadAttribute string `mapstructure:"username_load_attribute"`
	LoadObjectSID         bool   `mapstructure:"load_object_sid"`

	AllowEmptyPasswords bool `mapstructure:"allow_empty_passwords"`
	ShareConnection     bool `mapstructure:"share_connection"`

	Cache CacheConfig `mapstructure:"cache"`
}

// CacheConfig selects the search cache policy.
type CacheConfig struct {
	Policy        string        `mapstructure:"policy" default:"none" validate:"ci_oneof=none by-access-time by-search-time"`
	EvictionTime  time.Duration `mapstructure:"eviction_time" default:"15m" validate:"gte=0"`
	CacheFailures bool          `mapstructure:"cache_failures"`
	MaxSize       int           `mapstructure:"max_size" validate:"gte=0"`
}

// DomainServerConfig enables managed server token verification.
type DomainServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuthorizationConfig selects the group provider. At most one may be set.
type AuthorizationConfig struct {
	Properties *PropertiesGroupsConfig `mapstructure:"properties"`
	PlugIn     *PlugInConfig           `mapstructure:"plugin"`
	LDAP       *LDAPGroupsConfig       `mapstructure:"ldap"`
}

// PropertiesGroupsConfig reads groups from a properties file.
type PropertiesGroupsConfig struct {
	Path  string `mapstructure:"path" validate:"required"`
	Watch bool   `mapstructure:"watch"`
}

// LDAPGroupsConfig loads groups from a directory.
type LDAPGroupsConfig struct {
	ConnectionManager string `mapstructure:"connection_manager" validate:"required"`

	ForceUserDNSearch bool   `mapstructure:"force_user_dn_search"`
	Iterative         bool   `mapstructure:"iterative"`
	GroupName         string `mapstructure:"group_name" default:"SIMPLE" validate:"ci_oneof=SIMPLE DISTINGUISHED_NAME"`

	GroupToPrincipal *GroupToPrincipalConfig `mapstructure:"group_to_principal" validate:"required_without=PrincipalToGroup"`
	PrincipalToGroup *PrincipalToGroupConfig `mapstructure:"principal_to_group"`

	Cache CacheConfig `mapstructure:"cache"`
}

// GroupToPrincipalConfig searches groups whose membership names the principal.
type GroupToPrincipalConfig struct {
	BaseDN             string `mapstructure:"base_dn" validate:"required,dn"`
	Recursive          bool   `mapstructure:"recursive"`
	PrincipalAttribute string `mapstructure:"principal_attribute" default:"member"`
	GroupNameAttribute string `mapstructure:"group_name_attribute"`
	SearchBy           string `mapstructure:"search_by" default:"DISTINGUISHED_NAME" validate:"ci_oneof=SIMPLE DISTINGUISHED_NAME"`
	CaseSensitive      bool   `mapstructure:"case_sensitive"`
}

// PrincipalToGroupConfig reads the principal's group attribute.
type PrincipalToGroupConfig struct {
	GroupAttribute           string `mapstructure:"group_attribute" default:"memberOf"`
	GroupNameAttribute       string `mapstructure:"group_name_attribute"`
	ParseGroupNameFromDN     bool   `mapstructure:"parse_group_name_from_dn"`
	SkipMissingGroups        bool   `mapstructure:"skip_missing_groups"`
	PreferOriginalConnection bool   `mapstructure:"prefer_original_connection"`
}

// Load reads configuration from path and the environment, applies defaults
// and validates the result.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (REALM_*)
//  2. Configuration file
//  3. Default values
func Load(path string) (*Config, error) {
	usernames := &usernameCheck{DecoderRegistry: viper.NewCodecRegistry()}
	v := viper.NewWithOptions(viper.WithDecoderRegistry(usernames))
	setupViper(v, path)

	if err := v.ReadInConfig(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("configuration file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := usernames.err(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := ApplyDefaults(&cfg); err != nil {
		return nil, err
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures environment overrides and the config file.
// Environment variables use the REALM_ prefix and underscores,
// e.g. REALM_CONNECTION_MANAGERS.
func setupViper(v *viper.Viper, path string) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
}

// usernameCheck sees the decoded file before viper lowercases its map keys.
// A username in a realm's users map that is not lowercase could never
// authenticate, so it is reported instead of silently renamed.
type usernameCheck struct {
	viper.DecoderRegistry
	invalid []error
}

func (u *usernameCheck) Decoder(format string) (viper.Decoder, error) {
	d, err := u.DecoderRegistry.Decoder(format)
	if err != nil {
		return nil, err
	}
	return decoderFunc(func(b []byte, m map[string]any) error {
		if err := d.Decode(b, m); err != nil {
			return err
		}
		u.inspect(m)
		return nil
	}), nil
}

func (u *usernameCheck) inspect(m map[string]any) {
	realms, _ := lookupFold(m, "realms").([]any)
	for _, r := range realms {
		realm, ok := r.(map[string]any)
		if !ok {
			continue
		}
		users, ok := lookupFold(realm, "users").(map[string]any)
		if !ok {
			continue
		}
		for username := range users {
			if username != strings.ToLower(username) {
				u.invalid = append(u.invalid, fmt.Errorf("realm %v: users: username %q must be lowercase, use a properties file for mixed-case usernames", lookupFold(realm, "name"), username))
			}
		}
	}
}

func (u *usernameCheck) err() error {
	return errors.Join(u.invalid...)
}

func lookupFold(m map[string]any, key string) any {
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v
		}
	}
	return nil
}

type decoderFunc func(b []byte, m map[string]any) error

func (f decoderFunc) Decode(b []byte, m map[string]any) error {
	return f(b, m)
}

// ApplyDefaults fills every zero field carrying a default tag, including the
// optional sections that are present. It runs after decoding so the sections a
// file declares receive their defaults too.
func ApplyDefaults(cfg *Config) error {
	if err := defaults.Set(cfg); err != nil {
		return fmt.Errorf("failed to set default values: %w", err)
	}
	return nil
}

// decodeHooks parses durations and comma separated lists given as strings.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		trimHook(),
	)
}

// trimHook strips surrounding whitespace from string values.
func trimHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		s, ok := data.(string)
		if !ok || to.Kind() != reflect.String {
			return data, nil
		}
		return strings.TrimSpace(s), nil
	}
}
