// Package logging installs the root logger and the per-subsystem loggers the
// realm packages log through.
package logging

import (
	"context"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"

	"github.com/isometry/security-realm/internal/config"
	"github.com/isometry/security-realm/internal/ldap"
	"github.com/isometry/security-realm/internal/provider"
	"github.com/isometry/security-realm/internal/realm"
)

const (
	// LoggerName names the root logger.
	LoggerName = "realm"

	// EnvLogLevel sets the root level. Subsystem levels are read from
	// EnvLogLevel_<SUBSYSTEM>, e.g. REALM_LOG_LDAP=DEBUG.
	EnvLogLevel = "REALM_LOG"

	// DefaultLevel applies when EnvLogLevel is unset or invalid.
	DefaultLevel = hclog.Info
)

// Subsystems lists every subsystem the realm packages log to.
var Subsystems = []string{
	ldap.SubsystemLDAP,
	ldap.SubsystemCache,
	ldap.SubsystemKerberos,
	realm.SubsystemRealm,
	provider.SubsystemProvider,
	config.SubsystemConfig,
}

// NewContext returns ctx carrying a JSON root logger writing to stderr and
// every subsystem logger.
func NewContext(ctx context.Context) context.Context {
	level := hclog.LevelFromString(os.Getenv(EnvLogLevel))
	if level == hclog.NoLevel {
		level = DefaultLevel
	}

	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName(LoggerName),
		tfsdklog.WithLevel(level),
	)
	return WithSubsystems(ctx)
}

// WithSubsystems registers the subsystem loggers below the root logger
// already in ctx. Without a root logger it returns ctx unchanged and all
// logging stays disabled.
func WithSubsystems(ctx context.Context) context.Context {
	for _, subsystem := range Subsystems {
		ctx = tflog.NewSubsystem(ctx, subsystem, tflog.WithLevelFromEnv(EnvLogLevel, subsystem))
	}
	return ctx
}
