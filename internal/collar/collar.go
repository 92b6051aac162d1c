// Package collar implements the settlement payoff for a collared pair of
// locked balances: the taker's capital is protected below the put strike and
// capped above the call strike, with the provider taking the opposite side.
//
// The payoff is a clamped linear interpolation between the strikes. All
// amounts are non-negative integer base units carried as shopspring/decimal;
// gains are floored so that the locked total is conserved exactly and
// truncation dust always stays with the side that is not gaining.
package collar

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
)

var (
	// ErrStrikeBounds is returned when the put strike is not strictly below
	// 100% or the call strike not strictly above it.
	ErrStrikeBounds = errors.New("collar: put strike must be < 10000 bps and call strike > 10000 bps")

	// ErrZeroRange is returned when a strike price collapses onto the start
	// price, making the interpolation range empty.
	ErrZeroRange = errors.New("collar: strike price equals start price")

	// ErrBadInput is returned for non-positive prices or negative locked
	// amounts.
	ErrBadInput = errors.New("collar: prices must be positive and locked amounts non-negative")
)

// Terms are the immutable parameters a paired position settles against.
type Terms struct {
	StartPrice     decimal.Decimal
	PutStrikeBPS   int64
	CallStrikeBPS  int64
	TakerLocked    decimal.Decimal
	ProviderLocked decimal.Decimal
}

// Payout is the settlement split. TakerPayout + ProviderPayout always equals
// TakerLocked + ProviderLocked exactly.
type Payout struct {
	TakerPayout    decimal.Decimal
	ProviderPayout decimal.Decimal
}

// ProviderLockedFor returns the provider capital a position requires to cover
// the taker's upside to the call strike: floor(takerLocked * (call-10000) / 10000).
func ProviderLockedFor(takerLocked decimal.Decimal, callStrikeBPS int64) decimal.Decimal {
	return core.MulDivFloor(takerLocked, decimal.NewFromInt(callStrikeBPS-core.BPSBase), core.BPS)
}

// StrikePrice derives a strike price from the start price and a bps strike.
func StrikePrice(startPrice decimal.Decimal, strikeBPS int64) decimal.Decimal {
	return core.MulDivFloor(startPrice, decimal.NewFromInt(strikeBPS), core.BPS)
}

// Validate checks the terms are settleable.
func (t Terms) Validate() error {
	if t.PutStrikeBPS >= core.BPSBase || t.PutStrikeBPS <= 0 || t.CallStrikeBPS <= core.BPSBase {
		return ErrStrikeBounds
	}
	if !t.StartPrice.IsPositive() || t.TakerLocked.IsNegative() || t.ProviderLocked.IsNegative() {
		return ErrBadInput
	}
	if StrikePrice(t.StartPrice, t.PutStrikeBPS).Equal(t.StartPrice) ||
		StrikePrice(t.StartPrice, t.CallStrikeBPS).Equal(t.StartPrice) {
		return ErrZeroRange
	}
	return nil
}

// Settle computes the split of the locked total at endPrice.
//
// Down-move: the provider gains floor(takerLocked * (start-end)/(start-put)),
// capped at takerLocked; the provider's own stake always returns in full.
// Up-move: the taker gains floor(providerLocked * (end-start)/(call-start)),
// capped at providerLocked. At the start price each side keeps its own stake.
// At or beyond a strike the interpolation clamps, never extrapolates.
func (t Terms) Settle(endPrice decimal.Decimal) (Payout, error) {
	if err := t.Validate(); err != nil {
		return Payout{}, err
	}
	if !endPrice.IsPositive() {
		return Payout{}, ErrBadInput
	}

	switch {
	case endPrice.LessThan(t.StartPrice):
		putStrike := StrikePrice(t.StartPrice, t.PutStrikeBPS)
		lpPart := t.StartPrice.Sub(endPrice)
		putRange := t.StartPrice.Sub(putStrike)
		providerGain := core.MinD(t.TakerLocked, core.MulDivFloor(t.TakerLocked, lpPart, putRange))
		return Payout{
			TakerPayout:    t.TakerLocked.Sub(providerGain),
			ProviderPayout: t.ProviderLocked.Add(providerGain),
		}, nil

	case endPrice.GreaterThan(t.StartPrice):
		callStrike := StrikePrice(t.StartPrice, t.CallStrikeBPS)
		userPart := endPrice.Sub(t.StartPrice)
		callRange := callStrike.Sub(t.StartPrice)
		userGain := core.MinD(t.ProviderLocked, core.MulDivFloor(t.ProviderLocked, userPart, callRange))
		return Payout{
			TakerPayout:    t.TakerLocked.Add(userGain),
			ProviderPayout: t.ProviderLocked.Sub(userGain),
		}, nil

	default:
		return Payout{
			TakerPayout:    t.TakerLocked,
			ProviderPayout: t.ProviderLocked,
		}, nil
	}
}

// Conserved reports whether p redistributes exactly the locked total of t.
// Settlement paths re-assert this before committing anything.
func (t Terms) Conserved(p Payout) bool {
	return p.TakerPayout.Add(p.ProviderPayout).Equal(t.TakerLocked.Add(t.ProviderLocked))
}
