package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bookmarked/rostercache/internal/cache"
	"github.com/bookmarked/rostercache/internal/config"
	"github.com/bookmarked/rostercache/internal/domain"
	"github.com/bookmarked/rostercache/internal/source"
	"github.com/bookmarked/rostercache/internal/source/oneroster"
	"github.com/bookmarked/rostercache/internal/source/staging"
)

// PagerFactory builds the source client for one refresh run.
type PagerFactory interface {
	NewPager(ctx context.Context, tenantID, sourceTag string) (source.Pager, error)
}

// ConfigPagerFactory resolves tenants from configuration. Every call
// builds a new client with its own token cache, so a token never
// outlives the run that obtained it.
type ConfigPagerFactory struct {
	roster         config.RosterConfig
	requestTimeout time.Duration
	tokenTTL       time.Duration
}

// NewConfigPagerFactory creates a ConfigPagerFactory.
func NewConfigPagerFactory(roster config.RosterConfig, snap config.SnapshotConfig) *ConfigPagerFactory {
	return &ConfigPagerFactory{
		roster:         roster,
		requestTimeout: snap.RequestTimeout,
		tokenTTL:       snap.TokenTTL,
	}
}

// NewPager implements PagerFactory.
func (f *ConfigPagerFactory) NewPager(ctx context.Context, tenantID, sourceTag string) (source.Pager, error) {
	tenant, ok := f.roster.Tenant(tenantID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownTenant, tenantID)
	}
	if tenant.ExportDir != "" {
		return staging.NewAdapter(tenant.ExportDir), nil
	}
	client, err := oneroster.NewClient(oneroster.Config{
		Credentials:    tenant.Credentials(),
		UserAgent:      f.roster.UserAgent,
		RequestTimeout: f.requestTimeout,
		TokenTTL:       f.tokenTTL,
	}, cache.NewTTLCache[string, string]())
	if err != nil {
		return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
	}
	return client, nil
}

// StaticPagerFactory serves one pager for every tenant, for offline
// replays from the command line.
type StaticPagerFactory struct {
	Pager source.Pager
}

// NewPager implements PagerFactory.
func (f StaticPagerFactory) NewPager(context.Context, string, string) (source.Pager, error) {
	return f.Pager, nil
}
