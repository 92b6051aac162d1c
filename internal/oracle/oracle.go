// Package oracle supplies reference prices for asset pairs. The ledger never
// accepts a caller-supplied price: positions open, settle and roll against a
// PriceSource, and a source that cannot prove freshness fails instead of
// returning stale data.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
	"github.com/CollarNetworks/protocol-core-sub007/pkg/response"
)

// PriceSource supplies reference prices for an asset pair. Implementations
// must fail (wrapping core.ErrStalePrice) rather than silently return zero or
// outdated data.
type PriceSource interface {
	CurrentPrice(ctx context.Context, pair string) (decimal.Decimal, error)
	HistoricalPrice(ctx context.Context, pair string, at time.Time) (decimal.Decimal, error)
}

// PriceObservation is one posted price point. Observations are append-only.
type PriceObservation struct {
	gorm.Model `json:"-"`
	Pair       string          `gorm:"index:idx_pair_observed" json:"pair"`
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `gorm:"index:idx_pair_observed" json:"observed_at"`
}

// Feed is a posted-price source backed by the ledger database. A reporter
// posts observations; reads enforce a maximum age.
type Feed struct {
	db     *gorm.DB
	maxAge time.Duration
	now    func() time.Time
}

// NewFeed creates a feed whose prices go stale after maxAge.
func NewFeed(db *gorm.DB, maxAge time.Duration) *Feed {
	return &Feed{db: db, maxAge: maxAge, now: time.Now}
}

// MaxAge returns the staleness window.
func (f *Feed) MaxAge() time.Duration { return f.maxAge }

// Post records a new observation for a pair.
func (f *Feed) Post(pair string, price decimal.Decimal, observedAt time.Time) error {
	if err := core.CheckPositive("price", price); err != nil {
		return err
	}
	if pair == "" {
		return fmt.Errorf("%w: pair is required", core.ErrValidation)
	}
	obs := &PriceObservation{Pair: pair, Price: price, ObservedAt: observedAt}
	if err := f.db.Create(obs).Error; err != nil {
		return fmt.Errorf("failed to record observation: %w", err)
	}
	log.Debug().
		Str("service", "oracle").
		Str("pair", pair).
		Str("price", price.String()).
		Time("observed_at", observedAt).
		Msg("price observation recorded")
	return nil
}

// CurrentPrice returns the latest observation, failing when it is older than
// the staleness window.
func (f *Feed) CurrentPrice(_ context.Context, pair string) (decimal.Decimal, error) {
	return f.priceAt(pair, f.now())
}

// HistoricalPrice returns the last observation at or before the given time,
// failing when no observation within the staleness window precedes it.
func (f *Feed) HistoricalPrice(_ context.Context, pair string, at time.Time) (decimal.Decimal, error) {
	return f.priceAt(pair, at)
}

func (f *Feed) priceAt(pair string, at time.Time) (decimal.Decimal, error) {
	var obs PriceObservation
	err := f.db.Where("pair = ? AND observed_at <= ?", pair, at).
		Order("observed_at DESC").
		First(&obs).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, fmt.Errorf("%w: %w: no observation for %s", core.ErrDependency, core.ErrStalePrice, pair)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch observation: %w", err)
	}
	if at.Sub(obs.ObservedAt) > f.maxAge {
		return decimal.Zero, fmt.Errorf("%w: %w: last %s observation is %s old",
			core.ErrDependency, core.ErrStalePrice, pair, at.Sub(obs.ObservedAt))
	}
	return obs.Price, nil
}

// GinHandlers contains HTTP handlers for the price feed.
type GinHandlers struct {
	feed *Feed
}

func NewGinHandlers(feed *Feed) *GinHandlers {
	return &GinHandlers{feed: feed}
}

// PostPriceHandler records an observation. Internal auth only.
func (h *GinHandlers) PostPriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Pair  string          `json:"pair" binding:"required"`
			Price decimal.Decimal `json:"price" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.feed.Post(req.Pair, req.Price, time.Now())
		response.Handle(c, gin.H{"pair": req.Pair, "price": req.Price}, err)
	}
}

// GetPriceHandler returns the current price for a pair.
func (h *GinHandlers) GetPriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pair := c.Param("pair")
		price, err := h.feed.CurrentPrice(c.Request.Context(), pair)
		response.Handle(c, gin.H{"pair": pair, "price": price}, err)
	}
}
