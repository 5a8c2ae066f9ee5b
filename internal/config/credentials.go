package config

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// CredentialSource resolves a named secret.
type CredentialSource interface {
	Secret(ctx context.Context, name string) (string, error)
}

// CredentialSourceFunc adapts a function to CredentialSource.
type CredentialSourceFunc func(ctx context.Context, name string) (string, error)

func (f CredentialSourceFunc) Secret(ctx context.Context, name string) (string, error) {
	return f(ctx, name)
}

// EnvCredentials reads secrets from environment variables.
type EnvCredentials struct{}

func (EnvCredentials) Secret(_ context.Context, name string) (string, error) {
	value, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", name)
	}
	return value, nil
}

// resolveBindPassword prefers the credential source and falls back to the
// static password when the lookup fails.
func resolveBindPassword(ctx context.Context, source CredentialSource, m ConnectionManagerConfig) string {
	if m.BindCredential == "" || source == nil {
		return m.BindPassword
	}

	secret, err := source.Secret(ctx, m.BindCredential)
	if err != nil {
		tflog.SubsystemWarn(ctx, SubsystemConfig, "Credential lookup failed, using static bind password", map[string]any{
			"connection_manager": m.Name,
			"credential":         m.BindCredential,
			"error":              err.Error(),
		})
		return m.BindPassword
	}
	return secret
}
