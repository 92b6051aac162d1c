// Package swap abstracts the execution venue that converts between a pair's
// underlying and cash assets. The ledger venue shipped here prices against
// the oracle and moves treasury balances; production deployments plug in a
// real venue behind the same interface.
package swap

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
	"github.com/CollarNetworks/protocol-core-sub007/internal/oracle"
	"github.com/CollarNetworks/protocol-core-sub007/internal/registry"
	"github.com/CollarNetworks/protocol-core-sub007/internal/treasury"
)

// Venue executes an asset conversion for an account inside the caller's
// transaction. Implementations must either move exactly amountIn of assetIn
// and credit the returned amount of assetOut, or fail with no balance effect.
// Callers do not trust the return value alone: the loan coordinator
// cross-checks it against the observed treasury balance delta.
type Venue interface {
	Swap(ctx context.Context, tx *gorm.DB, account, assetIn, assetOut string, amountIn, minAmountOut decimal.Decimal) (decimal.Decimal, error)
}

// LedgerVenue converts at the oracle price with no spread or depth limits.
type LedgerVenue struct {
	prices oracle.PriceSource
}

func NewLedgerVenue(prices oracle.PriceSource) *LedgerVenue {
	return &LedgerVenue{prices: prices}
}

// Swap converts amountIn of assetIn into assetOut at the current oracle
// price for the configured pair joining the two assets. Output rounds down.
func (v *LedgerVenue) Swap(ctx context.Context, tx *gorm.DB, account, assetIn, assetOut string, amountIn, minAmountOut decimal.Decimal) (decimal.Decimal, error) {
	if err := core.CheckPositive("amount_in", amountIn); err != nil {
		return decimal.Zero, err
	}
	if err := core.CheckAmount("min_amount_out", minAmountOut); err != nil {
		return decimal.Zero, err
	}

	pair, selling, err := resolvePair(tx, assetIn, assetOut)
	if err != nil {
		return decimal.Zero, err
	}
	price, err := v.prices.CurrentPrice(ctx, pair)
	if err != nil {
		return decimal.Zero, err
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive price for %s", core.ErrDependency, pair)
	}

	var amountOut decimal.Decimal
	if selling {
		amountOut = core.MulDivFloor(amountIn, price, decimal.NewFromInt(1))
	} else {
		amountOut = core.MulDivFloor(amountIn, decimal.NewFromInt(1), price)
	}
	if amountOut.LessThan(minAmountOut) {
		return decimal.Zero, fmt.Errorf("%w: %w: output %s below minimum %s",
			core.ErrDependency, core.ErrSlippage, amountOut, minAmountOut)
	}

	if err := treasury.Debit(tx, account, assetIn, amountIn); err != nil {
		return decimal.Zero, err
	}
	if err := treasury.Credit(tx, account, assetOut, amountOut); err != nil {
		return decimal.Zero, err
	}
	return amountOut, nil
}

// resolvePair finds the configured pair joining the two assets and reports
// whether the conversion sells the underlying (true) or buys it back.
func resolvePair(tx *gorm.DB, assetIn, assetOut string) (string, bool, error) {
	var cfg registry.AssetPair
	err := tx.Where("underlying_asset = ? AND cash_asset = ?", assetIn, assetOut).First(&cfg).Error
	if err == nil {
		return cfg.Pair, true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, fmt.Errorf("failed to resolve pair: %w", err)
	}
	err = tx.Where("underlying_asset = ? AND cash_asset = ?", assetOut, assetIn).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, fmt.Errorf("%w: no configured pair joins %s and %s",
			core.ErrDependency, assetIn, assetOut)
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve pair: %w", err)
	}
	return cfg.Pair, false, nil
}
