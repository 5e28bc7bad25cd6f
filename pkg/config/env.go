package config

import (
	"sort"
	"strings"
)

// Environment variables read by ApplyEnv.
const (
	EnvSubscriptionID = "ARM_SUBSCRIPTION_ID"
	EnvTenantID       = "ARM_TENANT_ID"
	EnvClientID       = "ARM_CLIENT_ID"
	EnvClientSecret   = "ARM_CLIENT_SECRET"
	EnvSecretPrefix   = "DECKHAND_SECRET_"
)

// ApplyEnv overlays identity settings and secrets from environ (KEY=VALUE
// pairs). Non-empty ARM_* values win over the file. DECKHAND_SECRET_<NAME>
// becomes Secrets[NAME]; ARM_CLIENT_SECRET is also kept as a secret so it
// is masked like the others.
func ApplyEnv(project *Project, environ []string) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[k] = v
	}

	if v := env[EnvSubscriptionID]; v != "" {
		project.Azure.Subscription = v
	}
	if v := env[EnvTenantID]; v != "" {
		project.Azure.Tenant = v
	}
	if v := env[EnvClientID]; v != "" {
		project.Azure.ClientID = v
	}

	if project.Secrets == nil {
		project.Secrets = make(map[string]string)
	}
	if v := env[EnvClientSecret]; v != "" {
		project.Azure.ClientSecret = v
		project.Secrets[EnvClientSecret] = v
	}
	for k, v := range env {
		name, ok := strings.CutPrefix(k, EnvSecretPrefix)
		if !ok || name == "" {
			continue
		}
		project.Secrets[name] = v
	}
}

// SecretValues returns the non-empty secret values, sorted, for masking.
func (p *Project) SecretValues() []string {
	values := make([]string, 0, len(p.Secrets))
	for _, v := range p.Secrets {
		if v != "" {
			values = append(values, v)
		}
	}
	sort.Strings(values)
	return values
}
