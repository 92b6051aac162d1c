package escrow

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
	"github.com/CollarNetworks/protocol-core-sub007/internal/treasury"
)

const (
	supplier = "acct:supplier"
	payer    = "acct:loans"
	asset    = "USDC"

	day = 24 * time.Hour
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setupService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	svc := NewService(db)
	svc.SetNow(func() time.Time { return baseTime })

	require.NoError(t, treasury.NewService(db).Deposit(supplier, asset, decimal.NewFromInt(100_000)))
	require.NoError(t, treasury.NewService(db).Deposit(payer, asset, decimal.NewFromInt(100_000)))
	return svc, db
}

func standingOffer(t *testing.T, svc *Service) uint {
	t.Helper()
	offer, err := svc.CreateOffer(supplier, CreateOfferParams{
		Asset:          asset,
		Amount:         decimal.NewFromInt(50_000),
		Duration:       int64(30 * day / time.Second),
		InterestAPRBPS: 500,
		MaxGracePeriod: int64(7 * day / time.Second),
		LateFeeAPRBPS:  1000,
		MinEscrow:      decimal.NewFromInt(10),
	})
	require.NoError(t, err)
	return offer.ID
}

func openRecord(t *testing.T, svc *Service, db *gorm.DB, offerID uint, amount int64) uint {
	t.Helper()
	var recID uint
	err := db.Transaction(func(tx *gorm.DB) error {
		rec, err := OpenAt(tx, offerID, 1, decimal.NewFromInt(amount), payer, baseTime)
		if err != nil {
			return err
		}
		recID = rec.ID
		return nil
	})
	require.NoError(t, err)
	return recID
}

func TestCreateOfferLocksSupplierFunds(t *testing.T) {
	svc, db := setupService(t)
	standingOffer(t, svc)

	bal, err := treasury.BalanceOf(db, supplier, asset)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(50_000)), "supplier balance %s", bal)
}

func TestCreateOfferValidation(t *testing.T) {
	svc, _ := setupService(t)

	_, err := svc.CreateOffer(supplier, CreateOfferParams{
		Asset:  asset,
		Amount: decimal.NewFromInt(-5),
	})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = svc.CreateOffer(supplier, CreateOfferParams{
		Asset:    asset,
		Amount:   decimal.NewFromInt(100),
		Duration: 0,
	})
	assert.ErrorIs(t, err, core.ErrValidation)

	// min escrow larger than the offer itself
	_, err = svc.CreateOffer(supplier, CreateOfferParams{
		Asset:     asset,
		Amount:    decimal.NewFromInt(100),
		Duration:  3600,
		MinEscrow: decimal.NewFromInt(200),
	})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestCancelOfferRefundsRemainder(t *testing.T) {
	svc, db := setupService(t)
	offerID := standingOffer(t, svc)
	openRecord(t, svc, db, offerID, 1000)

	require.NoError(t, svc.CancelOffer(offerID, supplier))

	// 50000 locked, 1000 allocated, 49000 refunded.
	bal, err := treasury.BalanceOf(db, supplier, asset)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(99_000)), "supplier balance %s", bal)

	err = svc.CancelOffer(offerID, supplier)
	assert.ErrorIs(t, err, core.ErrPrecondition)
}

func TestCancelOfferWrongCaller(t *testing.T) {
	svc, _ := setupService(t)
	offerID := standingOffer(t, svc)

	err := svc.CancelOffer(offerID, "acct:other")
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestOpenRecordPrepaysFees(t *testing.T) {
	svc, db := setupService(t)
	offerID := standingOffer(t, svc)
	recID := openRecord(t, svc, db, offerID, 1000)

	rec, err := svc.GetRecord(recID)
	require.NoError(t, err)

	// 1000 at 5% APR over 30 days: ceil(4.1) = 5.
	assert.True(t, rec.InterestFeeHeld.Equal(decimal.NewFromInt(5)), "interest fee %s", rec.InterestFeeHeld)
	// 1000 at 10% APR over the 7-day grace: ceil(1.9) = 2.
	assert.True(t, rec.LateFeeReserved.Equal(decimal.NewFromInt(2)), "late reserve %s", rec.LateFeeReserved)
	assert.Equal(t, baseTime.Add(30*day), rec.Expiration)

	// Payer funded both fees.
	bal, err := treasury.BalanceOf(db, payer, asset)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(99_993)), "payer balance %s", bal)

	offer, err := svc.GetOffer(offerID)
	require.NoError(t, err)
	assert.True(t, offer.Available.Equal(decimal.NewFromInt(49_000)))
}

func TestOpenRecordBelowMinimum(t *testing.T) {
	svc, db := setupService(t)
	offerID := standingOffer(t, svc)

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := OpenAt(tx, offerID, 1, decimal.NewFromInt(5), payer, baseTime)
		return err
	})
	assert.ErrorIs(t, err, core.ErrPrecondition)
}

func TestReleaseHalfwayRefundsHalfInterest(t *testing.T) {
	svc, db := setupService(t)
	offerID := standingOffer(t, svc)
	recID := openRecord(t, svc, db, offerID, 1000)

	at := baseTime.Add(15 * day)
	svc.SetNow(func() time.Time { return at })

	split, err := svc.PreviewRelease(recID, decimal.NewFromInt(500))
	require.NoError(t, err)

	// Half the duration unused: floor(5 * 15/30) = 2.
	assert.True(t, split.InterestRefund.Equal(decimal.NewFromInt(2)), "refund %s", split.InterestRefund)
	assert.True(t, split.LateFee.IsZero())
	// repaid + refund + unused late reserve
	assert.True(t, split.ToLoans.Equal(decimal.NewFromInt(504)), "toLoans %s", split.ToLoans)
	// escrowed + earned interest
	assert.True(t, split.ToSupplier.Equal(decimal.NewFromInt(1003)), "toSupplier %s", split.ToSupplier)

	err = db.Transaction(func(tx *gorm.DB) error {
		got, err := ReleaseAt(tx, recID, decimal.NewFromInt(500), payer, at)
		if err != nil {
			return err
		}
		assert.True(t, got.ToLoans.Equal(split.ToLoans))
		return nil
	})
	require.NoError(t, err)

	withdrawn, err := svc.WithdrawReleased(recID, supplier)
	require.NoError(t, err)
	assert.True(t, withdrawn.Equal(decimal.NewFromInt(1003)))

	// Single release, single withdrawal.
	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := ReleaseAt(tx, recID, decimal.Zero, payer, at)
		return err
	})
	assert.ErrorIs(t, err, core.ErrAlreadyReleased)
	_, err = svc.WithdrawReleased(recID, supplier)
	assert.ErrorIs(t, err, core.ErrPrecondition)
}

func TestReleaseLateChargesLateFee(t *testing.T) {
	svc, db := setupService(t)
	offerID := standingOffer(t, svc)
	recID := openRecord(t, svc, db, offerID, 1000)

	// 3.5 days overdue: ceil(1000 * 10% * 3.5d/year) = 1, under the reserve of 2.
	at := baseTime.Add(30*day + 84*time.Hour)
	svc.SetNow(func() time.Time { return at })

	split, err := svc.PreviewRelease(recID, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, split.InterestRefund.IsZero())
	assert.True(t, split.LateFee.Equal(decimal.NewFromInt(1)), "late fee %s", split.LateFee)
	assert.True(t, split.ToLoans.Equal(decimal.NewFromInt(1)), "toLoans %s", split.ToLoans)
	assert.True(t, split.ToSupplier.Equal(decimal.NewFromInt(1006)), "toSupplier %s", split.ToSupplier)
}

func TestLateFeeCappedByReservation(t *testing.T) {
	svc, db := setupService(t)
	offerID := standingOffer(t, svc)
	recID := openRecord(t, svc, db, offerID, 1000)

	// A year overdue accrues far beyond the reserve; the charge caps at it.
	at := baseTime.Add(30*day + 365*day)
	svc.SetNow(func() time.Time { return at })

	split, err := svc.PreviewRelease(recID, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, split.LateFee.Equal(decimal.NewFromInt(2)), "late fee %s", split.LateFee)
	assert.True(t, split.ToLoans.IsZero(), "toLoans %s", split.ToLoans)
	assert.True(t, split.ToSupplier.Equal(decimal.NewFromInt(1007)), "toSupplier %s", split.ToSupplier)
}

func TestSeizeAfterGracePeriod(t *testing.T) {
	svc, db := setupService(t)
	offerID := standingOffer(t, svc)
	recID := openRecord(t, svc, db, offerID, 1000)

	// Still inside the grace period.
	svc.SetNow(func() time.Time { return baseTime.Add(30*day + 6*day) })
	_, err := svc.Seize(recID, supplier)
	assert.ErrorIs(t, err, core.ErrPrecondition)

	// Not the certificate holder.
	svc.SetNow(func() time.Time { return baseTime.Add(40 * day) })
	_, err = svc.Seize(recID, "acct:other")
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	seized, err := svc.Seize(recID, supplier)
	require.NoError(t, err)
	// Escrowed plus every held fee.
	assert.True(t, seized.Equal(decimal.NewFromInt(1007)), "seized %s", seized)

	bal, err := treasury.BalanceOf(db, supplier, asset)
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(51_007)), "supplier balance %s", bal)

	// Terminal: no second seizure, no release.
	_, err = svc.Seize(recID, supplier)
	assert.ErrorIs(t, err, core.ErrAlreadyReleased)
	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := ReleaseAt(tx, recID, decimal.Zero, payer, baseTime.Add(40*day))
		return err
	})
	assert.ErrorIs(t, err, core.ErrAlreadyReleased)
}

func TestSwitchMovesEscrowAtomically(t *testing.T) {
	svc, db := setupService(t)
	offerID := standingOffer(t, svc)
	recID := openRecord(t, svc, db, offerID, 1000)

	at := baseTime.Add(15 * day)
	var newRecID uint
	err := db.Transaction(func(tx *gorm.DB) error {
		rec, split, err := SwitchAt(tx, recID, offerID, 2, decimal.NewFromInt(1200), payer, at)
		if err != nil {
			return err
		}
		newRecID = rec.ID
		assert.True(t, split.InterestRefund.Equal(decimal.NewFromInt(2)))
		return nil
	})
	require.NoError(t, err)

	oldRec, err := svc.GetRecord(recID)
	require.NoError(t, err)
	assert.True(t, oldRec.Released)

	newRec, err := svc.GetRecord(newRecID)
	require.NoError(t, err)
	assert.True(t, newRec.Escrowed.Equal(decimal.NewFromInt(1200)))
	assert.Equal(t, uint(2), newRec.LoanID)
	assert.Equal(t, at.Add(30*day), newRec.Expiration)
}
