package config

import (
	"errors"
	"fmt"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/go-playground/validator/v10"

	"github.com/isometry/security-realm/internal/ldap"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	mustRegister(v, "dn", isValidDN)
	mustRegister(v, "ci_oneof", caseInsensitiveOneOf)
	mustRegister(v, "ldapurl", isLDAPURL)
	return v
}

func mustRegister(v *validator.Validate, tag string, fn validator.Func) {
	if err := v.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register %s validation: %v", tag, err))
	}
}

// isValidDN accepts a syntactically valid, non-empty distinguished name.
func isValidDN(fl validator.FieldLevel) bool {
	value := fl.Field().String()
	if value == "" {
		return false
	}
	_, err := goldap.ParseDN(value)
	return err == nil
}

// caseInsensitiveOneOf matches the value against the space separated
// parameter list, ignoring case and surrounding whitespace.
func caseInsensitiveOneOf(fl validator.FieldLevel) bool {
	normalized := strings.ToLower(strings.TrimSpace(fl.Field().String()))
	for _, valid := range strings.Fields(fl.Param()) {
		if normalized == strings.ToLower(valid) {
			return true
		}
	}
	return false
}

func isLDAPURL(fl validator.FieldLevel) bool {
	_, err := ldap.ParseLDAPURL(fl.Field().String())
	return err == nil
}

// Validate checks field constraints and the references between sections.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return err
	}

	managers := make(map[string]bool, len(cfg.ConnectionManagers))
	for _, m := range cfg.ConnectionManagers {
		managers[m.Name] = true
	}

	var errs []error
	for _, r := range cfg.Realms {
		errs = append(errs, validateRealm(r, managers)...)
	}
	return errors.Join(errs...)
}

func validateRealm(r RealmConfig, managers map[string]bool) []error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("realm %q: "+format, append([]any{r.Name}, args...)...))
	}

	if identityProviders(r) == 0 {
		fail("no identity provider configured")
	}

	for name := range r.Users {
		if strings.TrimSpace(name) == "" {
			fail("users: empty username")
		}
	}

	if r.LDAP != nil && !managers[r.LDAP.ConnectionManager] {
		fail("ldap: unknown connection manager %q", r.LDAP.ConnectionManager)
	}

	if a := r.Authorization; a != nil {
		count := 0
		for _, set := range []bool{a.Properties != nil, a.PlugIn != nil, a.LDAP != nil} {
			if set {
				count++
			}
		}
		if count > 1 {
			fail("authorization: only one group provider may be configured")
		}
		if a.LDAP != nil && !managers[a.LDAP.ConnectionManager] {
			fail("authorization: unknown connection manager %q", a.LDAP.ConnectionManager)
		}
	}

	return errs
}

func identityProviders(r RealmConfig) int {
	n := 0
	for _, set := range []bool{
		r.Local != nil,
		r.Properties != nil,
		len(r.Users) > 0,
		r.Delegate != nil,
		r.Kerberos != nil,
		r.ClientCert != nil,
		r.PlugIn != nil,
		r.LDAP != nil,
		r.DomainServer != nil && r.DomainServer.Enabled,
	} {
		if set {
			n++
		}
	}
	return n
}
