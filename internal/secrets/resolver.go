// Package secrets resolves per-counterparty feed credentials from the
// platform secret store.
package secrets

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/liquidity-engine/internal/feed"
	"github.com/Checker-Finance/liquidity-engine/pkg/secrets"
	"github.com/Checker-Finance/liquidity-engine/pkg/utils"
)

// Resolver fetches feed credentials by counterparty name, caching them so
// feed reconnects do not hammer the secret store.
type Resolver struct {
	provider secrets.Provider
	cache    *secrets.Cache[feed.Credentials]
	prefix   string
	logger   *zap.Logger
}

func NewResolver(provider secrets.Provider, prefix string, ttl time.Duration, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		provider: provider,
		cache:    secrets.NewCache[feed.Credentials](ttl),
		prefix:   prefix,
		logger:   logger,
	}
}

// FeedCredentials returns the credentials for the named counterparty feed.
// Secrets are stored as {"api_key": ..., "api_secret": ...} under
// <prefix>/<counterparty>.
func (r *Resolver) FeedCredentials(ctx context.Context, counterparty string) (feed.Credentials, error) {
	if creds, ok := r.cache.Get(counterparty); ok {
		return creds, nil
	}

	key := fmt.Sprintf("%s/%s", r.prefix, counterparty)
	values, err := r.provider.GetSecret(ctx, key)
	if err != nil {
		return feed.Credentials{}, fmt.Errorf("resolve feed credentials for %s: %w", counterparty, err)
	}

	creds := feed.Credentials{
		APIKey:    values["api_key"],
		APISecret: values["api_secret"],
	}
	if creds.APIKey == "" || creds.APISecret == "" {
		return feed.Credentials{}, fmt.Errorf("secret %s missing api_key or api_secret", key)
	}

	r.cache.Put(counterparty, creds)
	r.logger.Info("secrets.feed_credentials_resolved",
		zap.String("counterparty", counterparty),
		zap.String("api_key", utils.Mask(creds.APIKey)))
	return creds, nil
}

// Counterparties lists the feeds that have credentials provisioned.
func (r *Resolver) Counterparties(ctx context.Context) ([]string, error) {
	names, err := r.provider.ListSecrets(ctx, r.prefix)
	if err != nil {
		return nil, fmt.Errorf("list feed secrets: %w", err)
	}
	return names, nil
}
