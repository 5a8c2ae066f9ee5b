package provider

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SubsystemProvider is the tflog subsystem for identity and group providers.
const SubsystemProvider = "provider"

// withProvider tags every provider log line in ctx with the provider name.
func withProvider(ctx context.Context, name string) context.Context {
	return tflog.SubsystemSetField(ctx, SubsystemProvider, "provider", name)
}

func logDebug(ctx context.Context, name, msg string, fields map[string]any) {
	tflog.SubsystemDebug(withProvider(ctx, name), SubsystemProvider, msg, fields)
}

func logWarn(ctx context.Context, name, msg string, fields map[string]any) {
	tflog.SubsystemWarn(withProvider(ctx, name), SubsystemProvider, msg, fields)
}

func logError(ctx context.Context, name, msg string, fields map[string]any) {
	tflog.SubsystemError(withProvider(ctx, name), SubsystemProvider, msg, fields)
}
