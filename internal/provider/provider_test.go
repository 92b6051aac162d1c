package provider

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
	"github.com/CollarNetworks/protocol-core-sub007/internal/database"
	"github.com/CollarNetworks/protocol-core-sub007/internal/registry"
	"github.com/CollarNetworks/protocol-core-sub007/internal/treasury"
)

const (
	pair      = "ETH-USDC"
	cashAsset = "USDC"

	providerAcct = "acct:provider"
)

func setupService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	reg := registry.NewService(db)
	require.NoError(t, reg.UpsertPair(&registry.AssetPair{
		Pair:             pair,
		UnderlyingAsset:  "ETH",
		CashAsset:        cashAsset,
		Enabled:          true,
		MinDuration:      60,
		MaxDuration:      90 * 24 * 3600,
		MinPutStrikeBPS:  5000,
		MinCallStrikeBPS: 10100,
		MaxCallStrikeBPS: 20000,
		MinLTVBPS:        1000,
		MaxLTVBPS:        9000,
	}))

	require.NoError(t, treasury.NewService(db).Deposit(providerAcct, cashAsset, decimal.NewFromInt(10_000)))
	return NewService(db, reg), db
}

func validParams() CreateOfferParams {
	return CreateOfferParams{
		Pair:          pair,
		PutStrikeBPS:  9000,
		CallStrikeBPS: 11000,
		Duration:      3600,
		Amount:        decimal.NewFromInt(4_000),
		MinTake:       decimal.NewFromInt(100),
	}
}

func TestCreateOfferEscrowsCapital(t *testing.T) {
	svc, db := setupService(t)

	offer, err := svc.CreateOffer(providerAcct, validParams())
	require.NoError(t, err)
	assert.True(t, offer.Active)
	assert.True(t, offer.Available.Equal(decimal.NewFromInt(4_000)))

	bal, err := treasury.BalanceOf(db, providerAcct, cashAsset)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(6_000)))
}

func TestCreateOfferRejectsBadTerms(t *testing.T) {
	svc, _ := setupService(t)

	cases := []struct {
		name   string
		mutate func(*CreateOfferParams)
	}{
		{"put strike below pair minimum", func(p *CreateOfferParams) { p.PutStrikeBPS = 4000 }},
		{"put strike at par", func(p *CreateOfferParams) { p.PutStrikeBPS = 10000 }},
		{"call strike below par", func(p *CreateOfferParams) { p.CallStrikeBPS = 9900 }},
		{"call strike above pair maximum", func(p *CreateOfferParams) { p.CallStrikeBPS = 25000 }},
		{"duration too short", func(p *CreateOfferParams) { p.Duration = 10 }},
		{"zero amount", func(p *CreateOfferParams) { p.Amount = decimal.Zero }},
		{"negative min take", func(p *CreateOfferParams) { p.MinTake = decimal.NewFromInt(-1) }},
		{"min take above amount", func(p *CreateOfferParams) { p.MinTake = decimal.NewFromInt(5_000) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			params := validParams()
			tc.mutate(&params)
			_, err := svc.CreateOffer(providerAcct, params)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestCreateOfferInsufficientFunds(t *testing.T) {
	svc, _ := setupService(t)

	params := validParams()
	params.Amount = decimal.NewFromInt(20_000)
	params.MinTake = decimal.Zero
	_, err := svc.CreateOffer(providerAcct, params)
	assert.ErrorIs(t, err, core.ErrInsufficientFunds)
}

func TestCancelOfferRefundsRemainder(t *testing.T) {
	svc, db := setupService(t)

	offer, err := svc.CreateOffer(providerAcct, validParams())
	require.NoError(t, err)

	require.ErrorIs(t, svc.CancelOffer(offer.ID, "acct:other"), core.ErrUnauthorized)

	require.NoError(t, svc.CancelOffer(offer.ID, providerAcct))
	bal, err := treasury.BalanceOf(db, providerAcct, cashAsset)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(10_000)))

	// Already inactive.
	assert.ErrorIs(t, svc.CancelOffer(offer.ID, providerAcct), core.ErrPrecondition)
}

func TestReserveForPositionDecrementsOffer(t *testing.T) {
	svc, db := setupService(t)

	offer, err := svc.CreateOffer(providerAcct, validParams())
	require.NoError(t, err)

	expiration := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	var locked decimal.Decimal
	err = db.Transaction(func(tx *gorm.DB) error {
		got, txErr := ReserveForPosition(tx, offer.ID, decimal.NewFromInt(400), 77, cashAsset, expiration)
		if txErr != nil {
			return txErr
		}
		locked = got.ProviderLocked
		return nil
	})
	require.NoError(t, err)
	assert.True(t, locked.Equal(decimal.NewFromInt(400)))

	updated, err := svc.GetOffer(offer.ID)
	require.NoError(t, err)
	assert.True(t, updated.Available.Equal(decimal.NewFromInt(3_600)))

	// Draws below min_take are rejected.
	err = db.Transaction(func(tx *gorm.DB) error {
		_, txErr := ReserveForPosition(tx, offer.ID, decimal.NewFromInt(50), 78, cashAsset, expiration)
		return txErr
	})
	assert.ErrorIs(t, err, core.ErrPrecondition)

	// Draws above availability are rejected.
	err = db.Transaction(func(tx *gorm.DB) error {
		_, txErr := ReserveForPosition(tx, offer.ID, decimal.NewFromInt(4_000), 79, cashAsset, expiration)
		return txErr
	})
	assert.ErrorIs(t, err, core.ErrPrecondition)
}

func TestWithdrawRequiresSettlement(t *testing.T) {
	svc, db := setupService(t)

	offer, err := svc.CreateOffer(providerAcct, validParams())
	require.NoError(t, err)

	expiration := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	var pposID uint
	err = db.Transaction(func(tx *gorm.DB) error {
		got, txErr := ReserveForPosition(tx, offer.ID, decimal.NewFromInt(400), 77, cashAsset, expiration)
		if txErr != nil {
			return txErr
		}
		pposID = got.ID
		return nil
	})
	require.NoError(t, err)

	_, err = svc.Withdraw(pposID, providerAcct)
	assert.ErrorIs(t, err, core.ErrPrecondition)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return SettlePosition(tx, pposID, decimal.NewFromInt(430), 0)
	}))

	_, err = svc.Withdraw(pposID, "acct:other")
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	amount, err := svc.Withdraw(pposID, providerAcct)
	require.NoError(t, err)
	assert.True(t, amount.Equal(decimal.NewFromInt(430)))

	bal, err := treasury.BalanceOf(db, providerAcct, cashAsset)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(6_430)))

	_, err = svc.Withdraw(pposID, providerAcct)
	assert.ErrorIs(t, err, core.ErrPrecondition)
}
