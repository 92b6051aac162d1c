// Package loans is the top-level coordinator binding a paired position to an
// optional escrow record and the externally visible loan amount. The
// coordinator operates the sys:loans ledger account: that account holds the
// certificate of every loan-bound position, so a borrower cannot settle or
// withdraw around an outstanding loan, and every loan cash flow passes
// through it inside one transaction.
package loans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/CollarNetworks/protocol-core-sub007/internal/certificates"
	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
	"github.com/CollarNetworks/protocol-core-sub007/internal/escrow"
	"github.com/CollarNetworks/protocol-core-sub007/internal/metrics"
	"github.com/CollarNetworks/protocol-core-sub007/internal/oracle"
	"github.com/CollarNetworks/protocol-core-sub007/internal/position"
	"github.com/CollarNetworks/protocol-core-sub007/internal/registry"
	"github.com/CollarNetworks/protocol-core-sub007/internal/rolls"
	"github.com/CollarNetworks/protocol-core-sub007/internal/swap"
	"github.com/CollarNetworks/protocol-core-sub007/internal/treasury"
	"github.com/CollarNetworks/protocol-core-sub007/internal/types"
	"github.com/CollarNetworks/protocol-core-sub007/pkg/request"
	"github.com/CollarNetworks/protocol-core-sub007/pkg/response"
)

// Service orchestrates the loan lifecycle.
type Service struct {
	db        *Database
	gorm      *gorm.DB
	registry  *registry.Service
	prices    oracle.PriceSource
	venue     swap.Venue
	positions *position.Service
	now       func() time.Time
}

func NewService(gormDB *gorm.DB, reg *registry.Service, prices oracle.PriceSource, venue swap.Venue, positions *position.Service) *Service {
	return &Service{
		db:        NewDatabase(gormDB),
		gorm:      gormDB,
		registry:  reg,
		prices:    prices,
		venue:     venue,
		positions: positions,
		now:       time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// OpenParams are the borrower-supplied terms for opening a loan.
type OpenParams struct {
	Pair            string          `json:"pair" binding:"required"`
	Underlying      decimal.Decimal `json:"underlying" binding:"required"`
	ProviderOfferID uint            `json:"provider_offer_id" binding:"required"`
	LTVBPS          int64           `json:"ltv_bps" binding:"required"`
	MinSwapOut      decimal.Decimal `json:"min_swap_out"`
	EscrowOfferID   uint            `json:"escrow_offer_id"`
}

// Open originates a loan: the borrower's underlying is swapped to cash, the
// loan-to-value share of the cash is disbursed to the borrower, and the
// remainder is locked as taker collateral in a paired position held by the
// coordinator. With an escrow offer, supplier collateral equal to the loan
// amount backs the loan and the borrower prepays the escrow fees.
func (s *Service) Open(ctx context.Context, borrower string, p OpenParams) (*types.Loan, error) {
	logger := log.With().
		Str("service", "loans").
		Str("borrower", borrower).
		Str("pair", p.Pair).
		Logger()

	cfg, err := s.registry.RequireActive(p.Pair)
	if err != nil {
		return nil, err
	}
	if err := cfg.CheckLTV(p.LTVBPS); err != nil {
		return nil, err
	}
	if err := core.CheckPositive("underlying", p.Underlying); err != nil {
		return nil, err
	}

	startPrice, err := s.prices.CurrentPrice(ctx, p.Pair)
	if err != nil {
		return nil, err
	}

	var loan *types.Loan
	err = s.gorm.Transaction(func(tx *gorm.DB) error {
		if err := treasury.Debit(tx, borrower, cfg.UnderlyingAsset, p.Underlying); err != nil {
			return err
		}
		if err := treasury.Credit(tx, core.SystemLoans, cfg.UnderlyingAsset, p.Underlying); err != nil {
			return err
		}

		cash, err := s.swapChecked(ctx, tx, cfg.UnderlyingAsset, cfg.CashAsset, p.Underlying, p.MinSwapOut)
		if err != nil {
			return err
		}

		loanAmount := core.ApplyBPS(cash, p.LTVBPS)
		takerLocked := cash.Sub(loanAmount)
		if !loanAmount.IsPositive() || !takerLocked.IsPositive() {
			return fmt.Errorf("%w: underlying too small for ltv %d bps", core.ErrValidation, p.LTVBPS)
		}

		loan = &types.Loan{
			Borrower:        borrower,
			Pair:            cfg.Pair,
			UnderlyingAsset: cfg.UnderlyingAsset,
			CashAsset:       cfg.CashAsset,
			Underlying:      p.Underlying,
			LoanAmount:      loanAmount,
			Status:          types.LoanStatusOpen,
		}
		if err := tx.Create(loan).Error; err != nil {
			return fmt.Errorf("failed to create loan: %w", err)
		}

		pos, err := position.OpenAt(tx, cfg, p.ProviderOfferID, core.SystemLoans, takerLocked, startPrice, s.now())
		if err != nil {
			return err
		}
		loan.PairedPositionID = pos.ID

		// Disburse before opening escrow: the borrower prepays the escrow
		// fees out of the disbursed cash.
		if err := treasury.Debit(tx, core.SystemLoans, cfg.CashAsset, loanAmount); err != nil {
			return err
		}
		if err := treasury.Credit(tx, borrower, cfg.CashAsset, loanAmount); err != nil {
			return err
		}

		if p.EscrowOfferID != 0 {
			offer, err := escrow.GetOffer(tx, p.EscrowOfferID)
			if err != nil {
				return err
			}
			if offer.Asset != cfg.CashAsset {
				return fmt.Errorf("%w: escrow offer %d is denominated in %s, loan cash is %s",
					core.ErrValidation, p.EscrowOfferID, offer.Asset, cfg.CashAsset)
			}
			rec, err := escrow.OpenAt(tx, p.EscrowOfferID, loan.ID, loanAmount, borrower, s.now())
			if err != nil {
				return err
			}
			if rec.Expiration.Before(pos.Expiration) {
				return fmt.Errorf("%w: escrow offer %d expires before the position",
					core.ErrValidation, p.EscrowOfferID)
			}
			loan.UsesEscrow = true
			loan.EscrowRecordID = rec.ID
		}

		if err := tx.Save(loan).Error; err != nil {
			return fmt.Errorf("failed to bind loan: %w", err)
		}
		_, err = certificates.Mint(tx, types.CertLoan, loan.ID, borrower)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open loan")
		return nil, err
	}

	metrics.LoansByEvent.WithLabelValues("opened").Inc()
	metrics.ActivePositions.Inc()
	logger.Info().
		Uint("loan_id", loan.ID).
		Uint("position_id", loan.PairedPositionID).
		Str("loan_amount", loan.LoanAmount.String()).
		Bool("uses_escrow", loan.UsesEscrow).
		Msg("loan opened")
	return loan, nil
}

// swapChecked runs a venue swap for the coordinator account and validates
// the reported output against the observed balance delta. A venue that lies
// about its output aborts the whole operation.
func (s *Service) swapChecked(ctx context.Context, tx *gorm.DB, assetIn, assetOut string, amountIn, minOut decimal.Decimal) (decimal.Decimal, error) {
	before, err := treasury.BalanceOf(tx, core.SystemLoans, assetOut)
	if err != nil {
		return decimal.Zero, err
	}
	out, err := s.venue.Swap(ctx, tx, core.SystemLoans, assetIn, assetOut, amountIn, minOut)
	if err != nil {
		return decimal.Zero, err
	}
	after, err := treasury.BalanceOf(tx, core.SystemLoans, assetOut)
	if err != nil {
		return decimal.Zero, err
	}
	if !after.Sub(before).Equal(out) {
		return decimal.Zero, fmt.Errorf("%w: venue reported %s out, balance moved %s",
			core.ErrDependency, out, after.Sub(before))
	}
	return out, nil
}

// resolveCloser returns the borrower of record and validates that caller may
// trigger close actions: the loan certificate holder, or a keeper the holder
// authorized. Proceeds always go to the holder.
func (s *Service) resolveCloser(db *gorm.DB, loanID uint, caller string) (string, error) {
	borrower, err := certificates.OwnerOf(db, types.CertLoan, loanID)
	if err != nil {
		return "", err
	}
	if caller == borrower {
		return borrower, nil
	}
	ok, err := isAuthorizedKeeper(db, borrower, caller)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: loan %d is held by another account", core.ErrUnauthorized, loanID)
	}
	return borrower, nil
}

// settleIfNeeded settles the loan's position once it has expired. Racing
// settlements are tolerated: somebody else settling first is fine.
func (s *Service) settleIfNeeded(ctx context.Context, pos *types.PairedPosition) error {
	if pos.Settled {
		return nil
	}
	if s.now().Before(pos.Expiration) {
		return fmt.Errorf("%w: %w: loan position expires at %s",
			core.ErrPrecondition, core.ErrNotExpired, pos.Expiration.Format(time.RFC3339))
	}
	if _, err := s.positions.Settle(ctx, pos.ID); err != nil && !errors.Is(err, core.ErrAlreadySettled) {
		return err
	}
	return nil
}

// Close repays and closes a loan at or after expiration. The borrower (or an
// authorized keeper) repays the loan amount, the position's proceeds are
// withdrawn, escrow is released with the repayment feeding the release split,
// and the net cash is swapped back to underlying for the borrower.
func (s *Service) Close(ctx context.Context, caller string, loanID uint, minUnderlyingOut decimal.Decimal) (*types.CloseLoanResponse, error) {
	if err := core.CheckAmount("min_underlying_out", minUnderlyingOut); err != nil {
		return nil, err
	}
	loan, err := requireOpen(s.gorm, loanID)
	if err != nil {
		return nil, err
	}
	borrower, err := s.resolveCloser(s.gorm, loanID, caller)
	if err != nil {
		return nil, err
	}
	pos, err := position.GetPositionTx(s.gorm, loan.PairedPositionID)
	if err != nil {
		return nil, err
	}
	if err := s.settleIfNeeded(ctx, pos); err != nil {
		return nil, err
	}

	var underlyingOut decimal.Decimal
	err = s.gorm.Transaction(func(tx *gorm.DB) error {
		var txErr error
		loan, txErr = requireOpen(tx, loanID)
		if txErr != nil {
			return txErr
		}
		if err := treasury.Debit(tx, borrower, loan.CashAsset, loan.LoanAmount); err != nil {
			return err
		}
		if err := treasury.Credit(tx, core.SystemLoans, loan.CashAsset, loan.LoanAmount); err != nil {
			return err
		}

		pos, err := position.GetPositionTx(tx, loan.PairedPositionID)
		if err != nil {
			return err
		}
		proceeds := decimal.Zero
		if pos.Withdrawable.IsPositive() {
			proceeds, err = position.WithdrawAt(tx, pos.ID, core.SystemLoans)
			if err != nil {
				return err
			}
		}

		cashOut := loan.LoanAmount.Add(proceeds)
		if loan.UsesEscrow {
			split, err := escrow.ReleaseAt(tx, loan.EscrowRecordID, loan.LoanAmount, core.SystemLoans, s.now())
			if err != nil {
				return err
			}
			cashOut = proceeds.Add(split.ToLoans)
		}

		if cashOut.IsPositive() {
			underlyingOut, err = s.swapChecked(ctx, tx, loan.CashAsset, loan.UnderlyingAsset, cashOut, minUnderlyingOut)
			if err != nil {
				return err
			}
			if err := treasury.Debit(tx, core.SystemLoans, loan.UnderlyingAsset, underlyingOut); err != nil {
				return err
			}
			if err := treasury.Credit(tx, borrower, loan.UnderlyingAsset, underlyingOut); err != nil {
				return err
			}
		} else if minUnderlyingOut.IsPositive() {
			return fmt.Errorf("%w: %w: nothing left to swap back", core.ErrDependency, core.ErrSlippage)
		}

		loan.Status = types.LoanStatusClosed
		if err := tx.Save(loan).Error; err != nil {
			return fmt.Errorf("failed to close loan: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.LoansByEvent.WithLabelValues("closed").Inc()
	log.Info().
		Str("service", "loans").
		Uint("loan_id", loanID).
		Str("borrower", borrower).
		Str("underlying_returned", underlyingOut.String()).
		Msg("loan closed")
	return &types.CloseLoanResponse{
		LoanID:             loanID,
		Repaid:             loan.LoanAmount,
		UnderlyingReturned: underlyingOut,
		Status:             loan.Status,
		Timestamp:          s.now(),
	}, nil
}

// RollParams are the borrower-supplied terms for rolling a loan.
type RollParams struct {
	RollOfferID   uint            `json:"roll_offer_id" binding:"required"`
	MinToUser     decimal.Decimal `json:"min_to_user"`
	EscrowOfferID uint            `json:"escrow_offer_id"`
}

// Roll migrates a loan to a fresh position via a roll offer. The old loan is
// superseded, never mutated in place: a new Loan row binds the replacement
// position, the principal carries over unchanged, and the borrower pays or
// receives the position-side net in one transfer. With escrow, the old record
// is released with its prorated refund and a new record sized to the same
// loan amount is opened against the given escrow offer.
func (s *Service) Roll(ctx context.Context, caller string, loanID uint, p RollParams) (*types.RollLoanResponse, error) {
	loan, err := requireOpen(s.gorm, loanID)
	if err != nil {
		return nil, err
	}
	if err := certificates.RequireOwner(s.gorm, types.CertLoan, loanID, caller); err != nil {
		return nil, err
	}
	if loan.UsesEscrow && p.EscrowOfferID == 0 {
		return nil, fmt.Errorf("%w: escrowed loan requires a replacement escrow offer", core.ErrValidation)
	}
	if !loan.UsesEscrow && p.EscrowOfferID != 0 {
		return nil, fmt.Errorf("%w: loan %d carries no escrow to replace", core.ErrValidation, loanID)
	}
	// The coordinator holds the certificates for every loan-bound position,
	// so the offer must be pinned to this loan's position explicitly.
	rollOffer, err := rolls.GetOffer(s.gorm, p.RollOfferID)
	if err != nil {
		return nil, err
	}
	if rollOffer.PositionID != loan.PairedPositionID {
		return nil, fmt.Errorf("%w: roll offer %d targets position %d, loan %d is bound to %d",
			core.ErrValidation, p.RollOfferID, rollOffer.PositionID, loanID, loan.PairedPositionID)
	}
	cfg, err := s.registry.RequireActive(loan.Pair)
	if err != nil {
		return nil, err
	}
	price, err := s.prices.CurrentPrice(ctx, loan.Pair)
	if err != nil {
		return nil, err
	}

	var resp *types.RollLoanResponse
	err = s.gorm.Transaction(func(tx *gorm.DB) error {
		var txErr error
		loan, txErr = requireOpen(tx, loanID)
		if txErr != nil {
			return txErr
		}
		split, err := rolls.PreviewAt(tx, p.RollOfferID, price)
		if err != nil {
			return err
		}

		// The principal carries over unchanged; every cash unit the borrower
		// nets here is collected from the roll itself, so the coordinator
		// account never fronts funds it does not hold.
		newLoanAmount := loan.LoanAmount
		netToBorrower := split.ToTaker

		if netToBorrower.IsNegative() {
			if err := treasury.Debit(tx, caller, loan.CashAsset, netToBorrower.Neg()); err != nil {
				return err
			}
			if err := treasury.Credit(tx, core.SystemLoans, loan.CashAsset, netToBorrower.Neg()); err != nil {
				return err
			}
		}

		rollResp, err := rolls.ExecuteAt(tx, cfg, p.RollOfferID, core.SystemLoans, p.MinToUser, price, s.now())
		if err != nil {
			return err
		}

		if netToBorrower.IsPositive() {
			if err := treasury.Debit(tx, core.SystemLoans, loan.CashAsset, netToBorrower); err != nil {
				return err
			}
			if err := treasury.Credit(tx, caller, loan.CashAsset, netToBorrower); err != nil {
				return err
			}
		}

		newLoan := &types.Loan{
			Borrower:         caller,
			Pair:             loan.Pair,
			UnderlyingAsset:  loan.UnderlyingAsset,
			CashAsset:        loan.CashAsset,
			PairedPositionID: rollResp.NewPositionID,
			Underlying:       loan.Underlying,
			LoanAmount:       newLoanAmount,
			Status:           types.LoanStatusOpen,
		}
		if err := tx.Create(newLoan).Error; err != nil {
			return fmt.Errorf("failed to create rolled loan: %w", err)
		}

		if loan.UsesEscrow {
			offer, err := escrow.GetOffer(tx, p.EscrowOfferID)
			if err != nil {
				return err
			}
			if offer.Asset != loan.CashAsset {
				return fmt.Errorf("%w: escrow offer %d is denominated in %s, loan cash is %s",
					core.ErrValidation, p.EscrowOfferID, offer.Asset, loan.CashAsset)
			}
			rec, _, err := escrow.SwitchAt(tx, loan.EscrowRecordID, p.EscrowOfferID, newLoan.ID, newLoanAmount, caller, s.now())
			if err != nil {
				return err
			}
			newPos, err := position.GetPositionTx(tx, rollResp.NewPositionID)
			if err != nil {
				return err
			}
			if rec.Expiration.Before(newPos.Expiration) {
				return fmt.Errorf("%w: escrow offer %d expires before the replacement position",
					core.ErrValidation, p.EscrowOfferID)
			}
			newLoan.UsesEscrow = true
			newLoan.EscrowRecordID = rec.ID
			if err := tx.Save(newLoan).Error; err != nil {
				return fmt.Errorf("failed to bind rolled loan escrow: %w", err)
			}
		}

		if _, err := certificates.Mint(tx, types.CertLoan, newLoan.ID, caller); err != nil {
			return err
		}

		loan.Status = types.LoanStatusRolled
		loan.RolledTo = newLoan.ID
		if err := tx.Save(loan).Error; err != nil {
			return fmt.Errorf("failed to supersede loan: %w", err)
		}

		resp = &types.RollLoanResponse{
			OldLoanID:      loan.ID,
			NewLoanID:      newLoan.ID,
			NewPositionID:  rollResp.NewPositionID,
			LoanAmount:     newLoanAmount,
			NetToBorrower:  netToBorrower,
			RollFee:        rollResp.RollFee,
			ExecutionPrice: price,
			Timestamp:      s.now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.LoansByEvent.WithLabelValues("rolled").Inc()
	log.Info().
		Str("service", "loans").
		Uint("old_loan_id", resp.OldLoanID).
		Uint("new_loan_id", resp.NewLoanID).
		Str("loan_amount", resp.LoanAmount.String()).
		Str("net_to_borrower", resp.NetToBorrower.String()).
		Msg("loan rolled")
	return resp, nil
}

// Foreclose forces a stuck loan closed. Callable by anyone once the position
// has expired and, for escrowed loans, the escrow grace period has elapsed.
// No repayment: the position proceeds and whatever the escrow release leaves
// after late fees are swapped back and pushed directly to the borrower of
// record.
func (s *Service) Foreclose(ctx context.Context, caller string, loanID uint) (*types.CloseLoanResponse, error) {
	loan, err := requireOpen(s.gorm, loanID)
	if err != nil {
		return nil, err
	}
	pos, err := position.GetPositionTx(s.gorm, loan.PairedPositionID)
	if err != nil {
		return nil, err
	}
	if s.now().Before(pos.Expiration) {
		return nil, fmt.Errorf("%w: %w: position expires at %s",
			core.ErrPrecondition, core.ErrNotExpired, pos.Expiration.Format(time.RFC3339))
	}
	if loan.UsesEscrow {
		rec, err := escrow.GetRecord(s.gorm, loan.EscrowRecordID)
		if err != nil {
			return nil, err
		}
		deadline := rec.Expiration.Add(time.Duration(rec.GracePeriod) * time.Second)
		if s.now().Before(deadline) {
			return nil, fmt.Errorf("%w: escrow grace period runs until %s",
				core.ErrPrecondition, deadline.Format(time.RFC3339))
		}
	}
	borrower, err := certificates.OwnerOf(s.gorm, types.CertLoan, loanID)
	if err != nil {
		return nil, err
	}
	if err := s.settleIfNeeded(ctx, pos); err != nil {
		return nil, err
	}

	var underlyingOut decimal.Decimal
	err = s.gorm.Transaction(func(tx *gorm.DB) error {
		var txErr error
		loan, txErr = requireOpen(tx, loanID)
		if txErr != nil {
			return txErr
		}
		pos, err := position.GetPositionTx(tx, loan.PairedPositionID)
		if err != nil {
			return err
		}
		cashOut := decimal.Zero
		if pos.Withdrawable.IsPositive() {
			cashOut, err = position.WithdrawAt(tx, pos.ID, core.SystemLoans)
			if err != nil {
				return err
			}
		}

		if loan.UsesEscrow {
			rec, err := escrow.GetRecord(tx, loan.EscrowRecordID)
			if err != nil {
				return err
			}
			// A supplier may have seized first; foreclosure then recovers
			// only the position side.
			if !rec.Released && !rec.Seized {
				split, err := escrow.ReleaseAt(tx, loan.EscrowRecordID, decimal.Zero, core.SystemLoans, s.now())
				if err != nil {
					return err
				}
				cashOut = cashOut.Add(split.ToLoans)
			}
		}

		if cashOut.IsPositive() {
			underlyingOut, err = s.swapChecked(ctx, tx, loan.CashAsset, loan.UnderlyingAsset, cashOut, decimal.Zero)
			if err != nil {
				return err
			}
			if err := treasury.Debit(tx, core.SystemLoans, loan.UnderlyingAsset, underlyingOut); err != nil {
				return err
			}
			if err := treasury.Credit(tx, borrower, loan.UnderlyingAsset, underlyingOut); err != nil {
				return err
			}
		}

		loan.Status = types.LoanStatusForeclosed
		if err := tx.Save(loan).Error; err != nil {
			return fmt.Errorf("failed to foreclose loan: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.LoansByEvent.WithLabelValues("foreclosed").Inc()
	log.Warn().
		Str("service", "loans").
		Uint("loan_id", loanID).
		Str("caller", caller).
		Str("underlying_returned", underlyingOut.String()).
		Msg("loan foreclosed")
	return &types.CloseLoanResponse{
		LoanID:             loanID,
		Repaid:             decimal.Zero,
		UnderlyingReturned: underlyingOut,
		Status:             loan.Status,
		Timestamp:          s.now(),
	}, nil
}

// SetKeeper authorizes or revokes a keeper address for the borrower. An
// authorized keeper may trigger close on the borrower's loans; proceeds
// always go to the borrower.
func (s *Service) SetKeeper(borrower, keeper string, active bool) error {
	if keeper == "" {
		return fmt.Errorf("%w: keeper address is required", core.ErrValidation)
	}
	if keeper == borrower {
		return fmt.Errorf("%w: keeper must differ from borrower", core.ErrValidation)
	}
	return s.gorm.Transaction(func(tx *gorm.DB) error {
		var auth types.KeeperAuthorization
		err := tx.Where("borrower = ? AND keeper = ?", borrower, keeper).First(&auth).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			auth = types.KeeperAuthorization{Borrower: borrower, Keeper: keeper, Active: active}
			return tx.Create(&auth).Error
		}
		if err != nil {
			return fmt.Errorf("failed to fetch keeper authorization: %w", err)
		}
		auth.Active = active
		return tx.Save(&auth).Error
	})
}

// GetLoan returns a loan by id.
func (s *Service) GetLoan(loanID uint) (*types.Loan, error) {
	return GetLoan(s.gorm, loanID)
}

// ListLoans returns loans originated by a borrower.
func (s *Service) ListLoans(borrower string) ([]types.Loan, error) {
	return s.db.ListLoansByBorrower(borrower)
}

// GinHandlers contains HTTP handlers for loan endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) OpenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var params OpenParams
		if err := c.ShouldBindJSON(&params); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		loan, err := h.service.Open(c.Request.Context(), c.GetString("clientID"), params)
		response.Handle(c, loan, err)
	}
}

type closeRequest struct {
	MinUnderlyingOut decimal.Decimal `json:"min_underlying_out"`
}

func (h *GinHandlers) CloseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		loanID, ok := request.ID(c, "loan_id")
		if !ok {
			return
		}
		var req closeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		resp, err := h.service.Close(c.Request.Context(), c.GetString("clientID"), loanID, req.MinUnderlyingOut)
		response.Handle(c, resp, err)
	}
}

func (h *GinHandlers) RollHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		loanID, ok := request.ID(c, "loan_id")
		if !ok {
			return
		}
		var params RollParams
		if err := c.ShouldBindJSON(&params); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		resp, err := h.service.Roll(c.Request.Context(), c.GetString("clientID"), loanID, params)
		response.Handle(c, resp, err)
	}
}

func (h *GinHandlers) ForecloseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		loanID, ok := request.ID(c, "loan_id")
		if !ok {
			return
		}
		resp, err := h.service.Foreclose(c.Request.Context(), c.GetString("clientID"), loanID)
		response.Handle(c, resp, err)
	}
}

func (h *GinHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		loanID, ok := request.ID(c, "loan_id")
		if !ok {
			return
		}
		loan, err := h.service.GetLoan(loanID)
		response.Handle(c, loan, err)
	}
}

func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		loans, err := h.service.ListLoans(c.GetString("clientID"))
		response.Handle(c, loans, err)
	}
}

type keeperRequest struct {
	Keeper string `json:"keeper" binding:"required"`
	Active *bool  `json:"active" binding:"required"`
}

func (h *GinHandlers) SetKeeperHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req keeperRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.service.SetKeeper(c.GetString("clientID"), req.Keeper, *req.Active)
		response.Handle(c, gin.H{"keeper": req.Keeper, "active": *req.Active}, err)
	}
}
