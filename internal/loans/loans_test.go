package loans

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
	"github.com/CollarNetworks/protocol-core-sub007/internal/database"
	"github.com/CollarNetworks/protocol-core-sub007/internal/escrow"
	"github.com/CollarNetworks/protocol-core-sub007/internal/oracle"
	"github.com/CollarNetworks/protocol-core-sub007/internal/position"
	"github.com/CollarNetworks/protocol-core-sub007/internal/provider"
	"github.com/CollarNetworks/protocol-core-sub007/internal/registry"
	"github.com/CollarNetworks/protocol-core-sub007/internal/rolls"
	"github.com/CollarNetworks/protocol-core-sub007/internal/swap"
	"github.com/CollarNetworks/protocol-core-sub007/internal/treasury"
	"github.com/CollarNetworks/protocol-core-sub007/internal/types"
)

const (
	pair            = "ETH-USDC"
	underlyingAsset = "ETH"
	cashAsset       = "USDC"

	borrower     = "acct:borrower"
	providerAcct = "acct:provider"
	supplier     = "acct:supplier"
	keeper       = "acct:keeper"
	stranger     = "acct:stranger"

	positionDuration = 30 * 24 * 3600
	gracePeriod      = 7 * 24 * 3600
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func d(n int64) decimal.Decimal { return decimal.NewFromInt(n) }

type fixture struct {
	db        *gorm.DB
	service   *Service
	positions *position.Service
	providers *provider.Service
	escrows   *escrow.Service
	rolls     *rolls.Service
	prices    *oracle.StaticSource
	now       time.Time

	providerOfferID uint
	escrowOfferID   uint
}

func (f *fixture) setNow(t time.Time) {
	f.now = t
	clock := func() time.Time { return f.now }
	f.service.SetNow(clock)
	f.positions.SetNow(clock)
	f.rolls.SetNow(clock)
	f.escrows.SetNow(clock)
}

func (f *fixture) advance(delta time.Duration) {
	f.setNow(f.now.Add(delta))
}

// setupLoans funds three parties and stands up one provider offer and one
// escrow offer, both sized well beyond a single 100 ETH loan at price 1000.
func setupLoans(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	reg := registry.NewService(db)
	require.NoError(t, reg.UpsertPair(&registry.AssetPair{
		Pair:             pair,
		UnderlyingAsset:  underlyingAsset,
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

	prices := oracle.NewStaticSource()
	prices.SetPrice(pair, d(1000))

	positions := position.NewService(db, reg, prices)
	f := &fixture{
		db:        db,
		service:   NewService(db, reg, prices, swap.NewLedgerVenue(prices), positions),
		positions: positions,
		providers: provider.NewService(db, reg),
		escrows:   escrow.NewService(db),
		rolls:     rolls.NewService(db, reg, prices),
		prices:    prices,
	}
	f.setNow(baseTime)

	tre := treasury.NewService(db)
	require.NoError(t, tre.Deposit(borrower, underlyingAsset, d(100)))
	require.NoError(t, tre.Deposit(borrower, cashAsset, d(1_000)))
	require.NoError(t, tre.Deposit(providerAcct, cashAsset, d(50_000)))
	require.NoError(t, tre.Deposit(supplier, cashAsset, d(200_000)))

	providerOffer, err := f.providers.CreateOffer(providerAcct, provider.CreateOfferParams{
		Pair:          pair,
		PutStrikeBPS:  9000,
		CallStrikeBPS: 11000,
		Duration:      positionDuration,
		Amount:        d(10_000),
	})
	require.NoError(t, err)
	f.providerOfferID = providerOffer.ID

	escrowOffer, err := f.escrows.CreateOffer(supplier, escrow.CreateOfferParams{
		Asset:          cashAsset,
		Amount:         d(100_000),
		Duration:       positionDuration,
		InterestAPRBPS: 500,
		MaxGracePeriod: gracePeriod,
		LateFeeAPRBPS:  1000,
	})
	require.NoError(t, err)
	f.escrowOfferID = escrowOffer.ID
	return f
}

// openEscrowed originates the canonical test loan: 100 ETH at price 1000
// swaps to 100000 cash, ltv 8000 disburses 80000 and locks 20000.
func (f *fixture) openEscrowed(t *testing.T) *types.Loan {
	t.Helper()
	loan, err := f.service.Open(context.Background(), borrower, OpenParams{
		Pair:            pair,
		Underlying:      d(100),
		ProviderOfferID: f.providerOfferID,
		LTVBPS:          8000,
		EscrowOfferID:   f.escrowOfferID,
	})
	require.NoError(t, err)
	return loan
}

func balance(t *testing.T, db *gorm.DB, account, asset string) decimal.Decimal {
	t.Helper()
	bal, err := treasury.BalanceOf(db, account, asset)
	require.NoError(t, err)
	return bal
}

func TestOpenLoanDisbursesPrincipal(t *testing.T) {
	f := setupLoans(t)
	loan := f.openEscrowed(t)

	assert.True(t, loan.LoanAmount.Equal(d(80_000)))
	assert.True(t, loan.Underlying.Equal(d(100)))
	assert.True(t, loan.UsesEscrow)
	assert.Equal(t, types.LoanStatusOpen, loan.Status)
	assert.NotZero(t, loan.PairedPositionID)
	assert.NotZero(t, loan.EscrowRecordID)

	// The borrower nets the principal minus the prepaid escrow fees: a 500
	// bps interest fee over 30 days (329) plus a late-fee reservation for 7
	// days at 1000 bps (154).
	assert.True(t, balance(t, f.db, borrower, underlyingAsset).IsZero())
	assert.True(t, balance(t, f.db, borrower, cashAsset).Equal(d(80_517)))

	// The coordinator account holds nothing between operations.
	assert.True(t, balance(t, f.db, core.SystemLoans, underlyingAsset).IsZero())
	assert.True(t, balance(t, f.db, core.SystemLoans, cashAsset).IsZero())

	pos, err := f.positions.GetPosition(loan.PairedPositionID)
	require.NoError(t, err)
	assert.True(t, pos.TakerLocked.Equal(d(20_000)))
	assert.True(t, pos.StartPrice.Equal(d(1000)))

	offer, err := f.escrows.GetOffer(f.escrowOfferID)
	require.NoError(t, err)
	assert.True(t, offer.Available.Equal(d(20_000)))

	// The position certificate is held by the coordinator, not the borrower.
	_, err = f.positions.Withdraw(loan.PairedPositionID, borrower)
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestOpenLoanValidation(t *testing.T) {
	f := setupLoans(t)

	_, err := f.service.Open(context.Background(), borrower, OpenParams{
		Pair:            pair,
		Underlying:      d(100),
		ProviderOfferID: f.providerOfferID,
		LTVBPS:          9500,
	})
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = f.service.Open(context.Background(), borrower, OpenParams{
		Pair:            pair,
		Underlying:      d(100),
		ProviderOfferID: f.providerOfferID,
		LTVBPS:          8000,
		MinSwapOut:      d(200_000),
	})
	assert.ErrorIs(t, err, core.ErrSlippage)

	// An escrow that expires before the position cannot back the loan.
	shortOffer, err := f.escrows.CreateOffer(supplier, escrow.CreateOfferParams{
		Asset:    cashAsset,
		Amount:   d(100_000),
		Duration: 24 * 3600,
	})
	require.NoError(t, err)
	_, err = f.service.Open(context.Background(), borrower, OpenParams{
		Pair:            pair,
		Underlying:      d(100),
		ProviderOfferID: f.providerOfferID,
		LTVBPS:          8000,
		EscrowOfferID:   shortOffer.ID,
	})
	assert.ErrorIs(t, err, core.ErrValidation)

	// Failed attempts leave every balance untouched.
	assert.True(t, balance(t, f.db, borrower, underlyingAsset).Equal(d(100)))
	assert.True(t, balance(t, f.db, borrower, cashAsset).Equal(d(1_000)))
}

func TestCloseLoanReturnsUnderlying(t *testing.T) {
	f := setupLoans(t)
	loan := f.openEscrowed(t)

	f.advance(positionDuration*time.Second + time.Minute)
	resp, err := f.service.Close(context.Background(), borrower, loan.ID, d(0))
	require.NoError(t, err)

	assert.True(t, resp.Repaid.Equal(d(80_000)))
	// Flat price: the position returns the full 20000, the escrow release
	// returns the repayment plus the unused late-fee reservation minus one
	// unit of late fee for the minute past expiry, and 100153 cash swaps
	// back to exactly 100 ETH.
	assert.True(t, resp.UnderlyingReturned.Equal(d(100)), "returned %s", resp.UnderlyingReturned)
	assert.Equal(t, types.LoanStatusClosed, resp.Status)

	assert.True(t, balance(t, f.db, borrower, underlyingAsset).Equal(d(100)))
	assert.True(t, balance(t, f.db, borrower, cashAsset).Equal(d(517)))
	assert.True(t, balance(t, f.db, core.SystemLoans, cashAsset).IsZero())
	assert.True(t, balance(t, f.db, core.SystemLoans, underlyingAsset).IsZero())

	// The supplier recovers the escrowed amount plus the earned fees.
	got, err := f.escrows.WithdrawReleased(loan.EscrowRecordID, supplier)
	require.NoError(t, err)
	assert.True(t, got.Equal(d(80_330)), "supplier recovered %s", got)

	_, err = f.service.Close(context.Background(), borrower, loan.ID, d(0))
	assert.ErrorIs(t, err, core.ErrPrecondition)
}

func TestCloseBeforeExpiryFails(t *testing.T) {
	f := setupLoans(t)
	loan := f.openEscrowed(t)

	_, err := f.service.Close(context.Background(), borrower, loan.ID, d(0))
	assert.ErrorIs(t, err, core.ErrNotExpired)
}

func TestCloseByKeeper(t *testing.T) {
	f := setupLoans(t)
	loan := f.openEscrowed(t)

	f.advance(positionDuration*time.Second + time.Minute)

	_, err := f.service.Close(context.Background(), stranger, loan.ID, d(0))
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	require.NoError(t, f.service.SetKeeper(borrower, keeper, true))
	resp, err := f.service.Close(context.Background(), keeper, loan.ID, d(0))
	require.NoError(t, err)
	assert.Equal(t, types.LoanStatusClosed, resp.Status)

	// The keeper only triggers; repayment and proceeds are the borrower's.
	assert.True(t, balance(t, f.db, borrower, underlyingAsset).Equal(d(100)))
	assert.True(t, balance(t, f.db, keeper, underlyingAsset).IsZero())

	// Revoked keepers lose the capability.
	loan2, err := f.service.Open(context.Background(), borrower, OpenParams{
		Pair:            pair,
		Underlying:      d(100),
		ProviderOfferID: f.providerOfferID,
		LTVBPS:          8000,
	})
	require.NoError(t, err)
	require.NoError(t, f.service.SetKeeper(borrower, keeper, false))
	f.advance(positionDuration*time.Second + time.Minute)
	_, err = f.service.Close(context.Background(), keeper, loan2.ID, d(0))
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}

func TestSetKeeperValidation(t *testing.T) {
	f := setupLoans(t)
	assert.ErrorIs(t, f.service.SetKeeper(borrower, "", true), core.ErrValidation)
	assert.ErrorIs(t, f.service.SetKeeper(borrower, borrower, true), core.ErrValidation)
}

func TestForecloseAfterGrace(t *testing.T) {
	f := setupLoans(t)
	loan := f.openEscrowed(t)

	// Expired, but still inside the escrow grace period.
	f.advance(positionDuration*time.Second + time.Minute)
	_, err := f.service.Foreclose(context.Background(), stranger, loan.ID)
	assert.ErrorIs(t, err, core.ErrPrecondition)

	f.advance(gracePeriod*time.Second + time.Minute)
	resp, err := f.service.Foreclose(context.Background(), stranger, loan.ID)
	require.NoError(t, err)

	// No repayment: the late fee consumes the whole reservation, the escrow
	// release leaves nothing for the loan side, and only the position's
	// 20000 swaps back.
	assert.True(t, resp.Repaid.IsZero())
	assert.True(t, resp.UnderlyingReturned.Equal(d(20)), "returned %s", resp.UnderlyingReturned)
	assert.Equal(t, types.LoanStatusForeclosed, resp.Status)

	assert.True(t, balance(t, f.db, borrower, underlyingAsset).Equal(d(20)))
	assert.True(t, balance(t, f.db, borrower, cashAsset).Equal(d(80_517)))

	// The supplier recovers everything held: escrow, interest fee, late fee.
	got, err := f.escrows.WithdrawReleased(loan.EscrowRecordID, supplier)
	require.NoError(t, err)
	assert.True(t, got.Equal(d(80_483)), "supplier recovered %s", got)
}

func TestRollLoanCarriesPrincipal(t *testing.T) {
	f := setupLoans(t)

	loan, err := f.service.Open(context.Background(), borrower, OpenParams{
		Pair:            pair,
		Underlying:      d(100),
		ProviderOfferID: f.providerOfferID,
		LTVBPS:          8000,
	})
	require.NoError(t, err)
	assert.True(t, balance(t, f.db, borrower, cashAsset).Equal(d(81_000)))

	rollOffer, err := f.rolls.CreateOffer(context.Background(), providerAcct, rolls.CreateOfferParams{
		PositionID:      loan.PairedPositionID,
		ProviderOfferID: f.providerOfferID,
		FeeAmount:       d(100),
		MinPrice:        d(800),
		MaxPrice:        d(1200),
		DeadlineSeconds: 3600,
		MinToProvider:   d(-5_000),
	})
	require.NoError(t, err)

	f.prices.SetPrice(pair, d(1100))
	resp, err := f.service.Roll(context.Background(), borrower, loan.ID, RollParams{
		RollOfferID: rollOffer.ID,
	})
	require.NoError(t, err)

	// At the call strike the old position pays the taker side 22000; after
	// re-locking 20000 and the 100 fee the borrower nets 1900. The principal
	// is unchanged.
	assert.True(t, resp.LoanAmount.Equal(d(80_000)))
	assert.True(t, resp.NetToBorrower.Equal(d(1_900)), "net %s", resp.NetToBorrower)
	assert.True(t, resp.RollFee.Equal(d(100)))
	assert.True(t, balance(t, f.db, borrower, cashAsset).Equal(d(82_900)))
	assert.True(t, balance(t, f.db, core.SystemLoans, cashAsset).IsZero())

	oldLoan, err := f.service.GetLoan(loan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LoanStatusRolled, oldLoan.Status)
	assert.Equal(t, resp.NewLoanID, oldLoan.RolledTo)

	newLoan, err := f.service.GetLoan(resp.NewLoanID)
	require.NoError(t, err)
	assert.Equal(t, types.LoanStatusOpen, newLoan.Status)
	assert.True(t, newLoan.LoanAmount.Equal(d(80_000)))

	newPos, err := f.positions.GetPosition(resp.NewPositionID)
	require.NoError(t, err)
	assert.True(t, newPos.TakerLocked.Equal(d(20_000)))
	assert.True(t, newPos.StartPrice.Equal(d(1100)))

	// A superseded loan cannot be acted on again.
	_, err = f.service.Close(context.Background(), borrower, loan.ID, d(0))
	assert.ErrorIs(t, err, core.ErrPrecondition)

	// The replacement closes like any other loan. Flat at 1100 the position
	// returns 20000; 100000 cash buys back 90 ETH.
	f.advance(positionDuration*time.Second + time.Minute)
	closeResp, err := f.service.Close(context.Background(), borrower, resp.NewLoanID, d(0))
	require.NoError(t, err)
	assert.True(t, closeResp.UnderlyingReturned.Equal(d(90)), "returned %s", closeResp.UnderlyingReturned)
	assert.True(t, balance(t, f.db, borrower, cashAsset).Equal(d(2_900)))
}

func TestRollEscrowMustCoverReplacementPosition(t *testing.T) {
	f := setupLoans(t)
	loan := f.openEscrowed(t)

	require.NoError(t, treasury.NewService(f.db).Deposit(supplier, cashAsset, d(100_000)))
	shortOffer, err := f.escrows.CreateOffer(supplier, escrow.CreateOfferParams{
		Asset:    cashAsset,
		Amount:   d(80_000),
		Duration: 24 * 3600,
	})
	require.NoError(t, err)
	fullOffer, err := f.escrows.CreateOffer(supplier, escrow.CreateOfferParams{
		Asset:    cashAsset,
		Amount:   d(80_000),
		Duration: positionDuration,
	})
	require.NoError(t, err)

	rollOffer, err := f.rolls.CreateOffer(context.Background(), providerAcct, rolls.CreateOfferParams{
		PositionID:      loan.PairedPositionID,
		ProviderOfferID: f.providerOfferID,
		FeeAmount:       d(100),
		MinPrice:        d(800),
		MaxPrice:        d(1200),
		DeadlineSeconds: 3600,
		MinToProvider:   d(-5_000),
	})
	require.NoError(t, err)

	// A replacement record expiring before the replacement position would let
	// the supplier seize while the loan is still live.
	_, err = f.service.Roll(context.Background(), borrower, loan.ID, RollParams{
		RollOfferID:   rollOffer.ID,
		MinToUser:     d(-100),
		EscrowOfferID: shortOffer.ID,
	})
	assert.ErrorIs(t, err, core.ErrValidation)

	// The rejection rolls everything back: the loan stays open, the old
	// record stays live, no cash moved.
	got, err := f.service.GetLoan(loan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LoanStatusOpen, got.Status)
	rec, err := escrow.GetRecord(f.db, loan.EscrowRecordID)
	require.NoError(t, err)
	assert.False(t, rec.Released)
	assert.True(t, balance(t, f.db, borrower, cashAsset).Equal(d(80_517)))

	// A covering record rolls cleanly: the old record refunds the full 483 of
	// prepaid fees, the zero-fee replacement costs nothing, and the flat-price
	// position side nets -100.
	resp, err := f.service.Roll(context.Background(), borrower, loan.ID, RollParams{
		RollOfferID:   rollOffer.ID,
		MinToUser:     d(-100),
		EscrowOfferID: fullOffer.ID,
	})
	require.NoError(t, err)

	newLoan, err := f.service.GetLoan(resp.NewLoanID)
	require.NoError(t, err)
	assert.True(t, newLoan.UsesEscrow)
	newRec, err := escrow.GetRecord(f.db, newLoan.EscrowRecordID)
	require.NoError(t, err)
	newPos, err := f.positions.GetPosition(newLoan.PairedPositionID)
	require.NoError(t, err)
	assert.False(t, newRec.Expiration.Before(newPos.Expiration))
	assert.True(t, balance(t, f.db, borrower, cashAsset).Equal(d(80_900)))
	assert.True(t, balance(t, f.db, core.SystemLoans, cashAsset).IsZero())
}

func TestRollRejectsEscrowOfferOnPlainLoan(t *testing.T) {
	f := setupLoans(t)
	loan, err := f.service.Open(context.Background(), borrower, OpenParams{
		Pair:            pair,
		Underlying:      d(100),
		ProviderOfferID: f.providerOfferID,
		LTVBPS:          8000,
	})
	require.NoError(t, err)

	offer, err := f.rolls.CreateOffer(context.Background(), providerAcct, rolls.CreateOfferParams{
		PositionID:      loan.PairedPositionID,
		ProviderOfferID: f.providerOfferID,
		MinPrice:        d(800),
		MaxPrice:        d(1200),
		DeadlineSeconds: 3600,
		MinToProvider:   d(-5_000),
	})
	require.NoError(t, err)

	_, err = f.service.Roll(context.Background(), borrower, loan.ID, RollParams{
		RollOfferID:   offer.ID,
		EscrowOfferID: f.escrowOfferID,
	})
	assert.ErrorIs(t, err, core.ErrValidation)
}

func TestMutationsRecheckStatusInTransaction(t *testing.T) {
	f := setupLoans(t)
	loan := f.openEscrowed(t)

	// A competing writer can commit between a handler's status read and its
	// transaction; the in-transaction gate is what protects the cash
	// movements.
	require.NoError(t, f.db.Model(&types.Loan{}).Where("id = ?", loan.ID).
		Update("status", types.LoanStatusClosed).Error)

	err := f.db.Transaction(func(tx *gorm.DB) error {
		_, txErr := requireOpen(tx, loan.ID)
		return txErr
	})
	assert.ErrorIs(t, err, core.ErrPrecondition)

	f.advance(positionDuration*time.Second + time.Minute)
	_, err = f.service.Close(context.Background(), borrower, loan.ID, d(0))
	assert.ErrorIs(t, err, core.ErrPrecondition)
	_, err = f.service.Foreclose(context.Background(), stranger, loan.ID)
	assert.ErrorIs(t, err, core.ErrPrecondition)
}

func TestRollOfferMustTargetLoanPosition(t *testing.T) {
	f := setupLoans(t)

	loanA, err := f.service.Open(context.Background(), borrower, OpenParams{
		Pair:            pair,
		Underlying:      d(50),
		ProviderOfferID: f.providerOfferID,
		LTVBPS:          8000,
	})
	require.NoError(t, err)
	loanB, err := f.service.Open(context.Background(), borrower, OpenParams{
		Pair:            pair,
		Underlying:      d(50),
		ProviderOfferID: f.providerOfferID,
		LTVBPS:          8000,
	})
	require.NoError(t, err)

	offer, err := f.rolls.CreateOffer(context.Background(), providerAcct, rolls.CreateOfferParams{
		PositionID:      loanA.PairedPositionID,
		ProviderOfferID: f.providerOfferID,
		MinPrice:        d(800),
		MaxPrice:        d(1200),
		DeadlineSeconds: 3600,
		MinToProvider:   d(-5_000),
	})
	require.NoError(t, err)

	_, err = f.service.Roll(context.Background(), borrower, loanB.ID, RollParams{RollOfferID: offer.ID})
	assert.ErrorIs(t, err, core.ErrValidation)
}
