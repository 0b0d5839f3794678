package config

import (
	"os"
	"sort"
	"strings"

	"github.com/bookmarked/rostercache/internal/domain"
)

// TenantConfig holds one tenant's roster API connection. Secrets may be
// given directly or through the *_env indirection.
type TenantConfig struct {
	BaseURL         string `mapstructure:"base_url"`
	TokenURL        string `mapstructure:"token_url"`
	ClientID        string `mapstructure:"client_id"`
	ClientIDEnv     string `mapstructure:"client_id_env"`
	ClientSecret    string `mapstructure:"client_secret"`
	ClientSecretEnv string `mapstructure:"client_secret_env"`
	Scope           string `mapstructure:"scope"`
	// ExportDir replays JSONL exports from disk instead of calling the API.
	ExportDir string `mapstructure:"export_dir"`
}

// ResolveEnvVars fills empty secrets from the referenced variables.
func (c *TenantConfig) ResolveEnvVars() {
	if c.ClientIDEnv != "" && c.ClientID == "" {
		c.ClientID = os.Getenv(c.ClientIDEnv)
	}
	if c.ClientSecretEnv != "" && c.ClientSecret == "" {
		c.ClientSecret = os.Getenv(c.ClientSecretEnv)
	}
}

// Credentials converts the tenant config into domain credentials.
func (c TenantConfig) Credentials() domain.SourceCredentials {
	return domain.SourceCredentials{
		BaseURL:      c.BaseURL,
		TokenURL:     c.TokenURL,
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Scope:        c.Scope,
	}
}

// Tenant looks up a tenant by id. Viper lowercases map keys, so the
// lookup is case-insensitive.
func (c *RosterConfig) Tenant(id string) (TenantConfig, bool) {
	t, ok := c.Tenants[strings.ToLower(id)]
	return t, ok
}

// TenantIDs lists the configured tenants in order.
func (c *RosterConfig) TenantIDs() []string {
	ids := make([]string, 0, len(c.Tenants))
	for id := range c.Tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
