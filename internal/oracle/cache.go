package oracle

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// CachedSource is a read-through Redis cache in front of a PriceSource.
// Entries expire after the staleness window, so the cache can never serve a
// price the underlying source would refuse. A cache outage degrades to the
// underlying source.
type CachedSource struct {
	source PriceSource
	rdb    *redis.Client
	ttl    time.Duration
}

// NewCachedSource wraps source with a Redis cache whose TTL is the source's
// staleness window.
func NewCachedSource(source PriceSource, rdb *redis.Client, ttl time.Duration) *CachedSource {
	return &CachedSource{source: source, rdb: rdb, ttl: ttl}
}

func priceKey(pair string) string {
	return "oracle:price:" + pair
}

// CurrentPrice serves from Redis when a fresh entry exists, otherwise reads
// the underlying source and refreshes the cache.
func (cs *CachedSource) CurrentPrice(ctx context.Context, pair string) (decimal.Decimal, error) {
	if cached, err := cs.rdb.Get(ctx, priceKey(pair)).Result(); err == nil {
		if price, perr := decimal.NewFromString(cached); perr == nil {
			return price, nil
		}
	} else if err != redis.Nil {
		log.Warn().Err(err).Str("pair", pair).Msg("price cache unavailable, falling back to source")
	}

	price, err := cs.source.CurrentPrice(ctx, pair)
	if err != nil {
		return decimal.Zero, err
	}

	if err := cs.rdb.Set(ctx, priceKey(pair), price.String(), cs.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("pair", pair).Msg("failed to refresh price cache")
	}
	return price, nil
}

// HistoricalPrice is never cached; history is immutable and cheap to query.
func (cs *CachedSource) HistoricalPrice(ctx context.Context, pair string, at time.Time) (decimal.Decimal, error) {
	return cs.source.HistoricalPrice(ctx, pair, at)
}
