// Package escrow is the ledger of supplier collateral backing loans. Fees
// are prepaid at escrow creation and held by the ledger: an interest fee for
// the full duration plus a late-fee reservation sized for the maximum grace
// period. Release refunds what was not earned; seizure after the grace period
// hands the supplier everything held.
package escrow

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/CollarNetworks/protocol-core-sub007/internal/certificates"
	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
	"github.com/CollarNetworks/protocol-core-sub007/internal/metrics"
	"github.com/CollarNetworks/protocol-core-sub007/internal/treasury"
	"github.com/CollarNetworks/protocol-core-sub007/internal/types"
	"github.com/CollarNetworks/protocol-core-sub007/pkg/request"
	"github.com/CollarNetworks/protocol-core-sub007/pkg/response"
)

// Service manages escrow offers and records.
type Service struct {
	db   *Database
	gorm *gorm.DB
	now  func() time.Time
}

func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db:   NewDatabase(gormDB),
		gorm: gormDB,
		now:  time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// CreateOfferParams are the supplier-supplied terms of a standing offer.
type CreateOfferParams struct {
	Asset          string          `json:"asset" binding:"required"`
	Amount         decimal.Decimal `json:"amount" binding:"required"`
	Duration       int64           `json:"duration_seconds" binding:"required"`
	InterestAPRBPS int64           `json:"interest_apr_bps"`
	MaxGracePeriod int64           `json:"max_grace_period_seconds"`
	LateFeeAPRBPS  int64           `json:"late_fee_apr_bps"`
	MinEscrow      decimal.Decimal `json:"min_escrow"`
}

// CreateOffer escrows the supplier's capital and opens the offer.
func (s *Service) CreateOffer(supplier string, p CreateOfferParams) (*types.EscrowOffer, error) {
	if err := core.CheckPositive("amount", p.Amount); err != nil {
		return nil, err
	}
	if err := core.CheckAmount("min_escrow", p.MinEscrow); err != nil {
		return nil, err
	}
	if p.Duration <= 0 {
		return nil, fmt.Errorf("%w: duration must be positive", core.ErrValidation)
	}
	if p.InterestAPRBPS < 0 || p.LateFeeAPRBPS < 0 || p.MaxGracePeriod < 0 {
		return nil, fmt.Errorf("%w: rates and grace period must not be negative", core.ErrValidation)
	}
	if p.MinEscrow.GreaterThan(p.Amount) {
		return nil, fmt.Errorf("%w: min_escrow exceeds offered amount", core.ErrValidation)
	}

	offer := &types.EscrowOffer{
		Supplier:       supplier,
		Asset:          p.Asset,
		Available:      p.Amount,
		Duration:       p.Duration,
		InterestAPRBPS: p.InterestAPRBPS,
		MaxGracePeriod: p.MaxGracePeriod,
		LateFeeAPRBPS:  p.LateFeeAPRBPS,
		MinEscrow:      p.MinEscrow,
		Active:         true,
	}
	err := s.gorm.Transaction(func(tx *gorm.DB) error {
		if err := treasury.Debit(tx, supplier, p.Asset, p.Amount); err != nil {
			return err
		}
		return tx.Create(offer).Error
	})
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("service", "escrow").
		Str("supplier", supplier).
		Uint("offer_id", offer.ID).
		Str("amount", p.Amount.String()).
		Msg("escrow offer created")
	return offer, nil
}

// CancelOffer deactivates an offer and refunds its unallocated remainder.
func (s *Service) CancelOffer(offerID uint, caller string) error {
	return s.gorm.Transaction(func(tx *gorm.DB) error {
		offer, err := GetOffer(tx, offerID)
		if err != nil {
			return err
		}
		if offer.Supplier != caller {
			return fmt.Errorf("%w: offer %d belongs to another supplier", core.ErrUnauthorized, offerID)
		}
		if !offer.Active {
			return fmt.Errorf("%w: %w", core.ErrPrecondition, core.ErrOfferConsumed)
		}
		if offer.Available.IsPositive() {
			if err := treasury.Credit(tx, offer.Supplier, offer.Asset, offer.Available); err != nil {
				return err
			}
		}
		offer.Available = decimal.Zero
		offer.Active = false
		if err := tx.Save(offer).Error; err != nil {
			return fmt.Errorf("failed to cancel escrow offer: %w", err)
		}
		return nil
	})
}

// OpenAt carves an escrow record out of an offer inside tx. The payer (the
// loan ledger account) prepays the interest fee and the late-fee reservation;
// both are held by the ledger until release or seizure. Called only by the
// loan coordinator.
func OpenAt(tx *gorm.DB, offerID, loanID uint, amount decimal.Decimal, payer string, now time.Time) (*types.EscrowRecord, error) {
	if err := core.CheckPositive("amount", amount); err != nil {
		return nil, err
	}
	offer, err := GetOffer(tx, offerID)
	if err != nil {
		return nil, err
	}
	if !offer.Active {
		return nil, fmt.Errorf("%w: %w", core.ErrPrecondition, core.ErrOfferConsumed)
	}
	if amount.LessThan(offer.MinEscrow) {
		return nil, fmt.Errorf("%w: escrow %s below offer minimum %s",
			core.ErrPrecondition, amount, offer.MinEscrow)
	}
	if offer.Available.LessThan(amount) {
		return nil, fmt.Errorf("%w: escrow offer %d has %s available, needs %s",
			core.ErrPrecondition, offerID, offer.Available, amount)
	}

	duration := time.Duration(offer.Duration) * time.Second
	interestFee := core.AccrueFee(amount, offer.InterestAPRBPS, duration)
	lateFeeReserved := core.AccrueFee(amount, offer.LateFeeAPRBPS, time.Duration(offer.MaxGracePeriod)*time.Second)

	if err := treasury.Debit(tx, payer, offer.Asset, interestFee.Add(lateFeeReserved)); err != nil {
		return nil, err
	}

	offer.Available = offer.Available.Sub(amount)
	if err := tx.Save(offer).Error; err != nil {
		return nil, fmt.Errorf("failed to decrement escrow offer: %w", err)
	}

	rec := &types.EscrowRecord{
		OfferID:         offerID,
		LoanID:          loanID,
		Asset:           offer.Asset,
		StartedAt:       now,
		Expiration:      now.Add(duration),
		Duration:        offer.Duration,
		GracePeriod:     offer.MaxGracePeriod,
		InterestAPRBPS:  offer.InterestAPRBPS,
		LateFeeAPRBPS:   offer.LateFeeAPRBPS,
		Escrowed:        amount,
		InterestFeeHeld: interestFee,
		LateFeeReserved: lateFeeReserved,
		Withdrawable:    decimal.Zero,
	}
	if err := tx.Create(rec).Error; err != nil {
		return nil, fmt.Errorf("failed to create escrow record: %w", err)
	}
	if _, err := certificates.Mint(tx, types.CertEscrowRecord, rec.ID, offer.Supplier); err != nil {
		return nil, err
	}
	return rec, nil
}

// preview computes the release split at a point in time without mutating
// anything.
//
// Before expiration the borrower side is refunded interest in proportion to
// the unused duration (floored, so the refund never exceeds what was held).
// After expiration a late fee accrues on the escrowed amount, capped by the
// reservation; the unused reservation flows back to the borrower side. The
// supplier always recovers the escrowed amount plus every fee actually
// earned.
func preview(rec *types.EscrowRecord, repaid decimal.Decimal, at time.Time) *types.ReleasePreview {
	interestRefund := decimal.Zero
	lateFee := decimal.Zero

	if at.Before(rec.Expiration) {
		remaining := decimal.NewFromInt(int64(rec.Expiration.Sub(at) / time.Second))
		total := decimal.NewFromInt(rec.Duration)
		interestRefund = core.MulDivFloor(rec.InterestFeeHeld, remaining, total)
	} else {
		overdue := at.Sub(rec.Expiration)
		lateFee = core.MinD(rec.LateFeeReserved, core.AccrueFee(rec.Escrowed, rec.LateFeeAPRBPS, overdue))
	}

	toLoans := core.ClampZero(repaid.Add(interestRefund).Add(rec.LateFeeReserved).Sub(lateFee))
	toSupplier := rec.Escrowed.
		Add(rec.InterestFeeHeld.Sub(interestRefund)).
		Add(lateFee)

	return &types.ReleasePreview{
		EscrowID:       rec.ID,
		InterestRefund: interestRefund,
		LateFee:        lateFee,
		ToLoans:        toLoans,
		ToSupplier:     toSupplier,
	}
}

// PreviewRelease reports what a release at the current time would pay.
func (s *Service) PreviewRelease(escrowID uint, repaid decimal.Decimal) (*types.ReleasePreview, error) {
	if err := core.CheckAmount("repaid", repaid); err != nil {
		return nil, err
	}
	rec, err := GetRecord(s.gorm, escrowID)
	if err != nil {
		return nil, err
	}
	if rec.Released || rec.Seized {
		return nil, fmt.Errorf("%w: %w", core.ErrPrecondition, core.ErrAlreadyReleased)
	}
	return preview(rec, repaid, s.now()), nil
}

// ReleaseAt releases an escrow record inside tx: the payer account funds the
// repaid amount, the supplier's withdrawable is set, and the borrower-side
// net flows back to the payer. Flips released exactly once. Called only by
// the loan coordinator.
func ReleaseAt(tx *gorm.DB, escrowID uint, repaid decimal.Decimal, payer string, at time.Time) (*types.ReleasePreview, error) {
	if err := core.CheckAmount("repaid", repaid); err != nil {
		return nil, err
	}
	rec, err := GetRecord(tx, escrowID)
	if err != nil {
		return nil, err
	}
	if rec.Released || rec.Seized {
		return nil, fmt.Errorf("%w: %w", core.ErrPrecondition, core.ErrAlreadyReleased)
	}

	split := preview(rec, repaid, at)

	if repaid.IsPositive() {
		if err := treasury.Debit(tx, payer, rec.Asset, repaid); err != nil {
			return nil, err
		}
	}
	if split.ToLoans.IsPositive() {
		if err := treasury.Credit(tx, payer, rec.Asset, split.ToLoans); err != nil {
			return nil, err
		}
	}

	rec.Released = true
	rec.Withdrawable = split.ToSupplier
	if err := tx.Save(rec).Error; err != nil {
		return nil, fmt.Errorf("failed to release escrow record: %w", err)
	}
	return split, nil
}

// SwitchAt moves a loan's escrow from one record to a fresh one inside tx:
// the old record is released with its prorated refund flowing to the payer,
// and a new record of the given size is opened against newOfferID with the
// payer funding the new fees. Either both happen or neither does. Called only
// by the loan coordinator during a roll.
func SwitchAt(tx *gorm.DB, oldEscrowID, newOfferID, loanID uint, amount decimal.Decimal, payer string, now time.Time) (*types.EscrowRecord, *types.ReleasePreview, error) {
	split, err := ReleaseAt(tx, oldEscrowID, decimal.Zero, payer, now)
	if err != nil {
		return nil, nil, err
	}
	rec, err := OpenAt(tx, newOfferID, loanID, amount, payer, now)
	if err != nil {
		return nil, nil, err
	}
	return rec, split, nil
}

// Seize lets the supplier claim everything held once the grace period after
// expiration has elapsed without a release. This is the liveness backstop: a
// supplier is never kept waiting on loan closure indefinitely.
func (s *Service) Seize(escrowID uint, caller string) (decimal.Decimal, error) {
	var seized decimal.Decimal
	err := s.gorm.Transaction(func(tx *gorm.DB) error {
		if err := certificates.RequireOwner(tx, types.CertEscrowRecord, escrowID, caller); err != nil {
			return err
		}
		rec, err := GetRecord(tx, escrowID)
		if err != nil {
			return err
		}
		if rec.Released || rec.Seized {
			return fmt.Errorf("%w: %w", core.ErrPrecondition, core.ErrAlreadyReleased)
		}
		deadline := rec.Expiration.Add(time.Duration(rec.GracePeriod) * time.Second)
		if s.now().Before(deadline) {
			return fmt.Errorf("%w: grace period runs until %s",
				core.ErrPrecondition, deadline.Format(time.RFC3339))
		}

		seized = rec.Escrowed.Add(rec.InterestFeeHeld).Add(rec.LateFeeReserved)
		rec.Seized = true
		rec.Released = true
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("failed to seize escrow record: %w", err)
		}
		return treasury.Credit(tx, caller, rec.Asset, seized)
	})
	if err != nil {
		return decimal.Zero, err
	}
	metrics.EscrowSeizures.Inc()
	log.Warn().
		Str("service", "escrow").
		Uint("escrow_id", escrowID).
		Str("seized", seized.String()).
		Msg("escrow seized after grace period")
	return seized, nil
}

// WithdrawReleased drains a released record's withdrawable to the current
// certificate holder.
func (s *Service) WithdrawReleased(escrowID uint, caller string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := s.gorm.Transaction(func(tx *gorm.DB) error {
		if err := certificates.RequireOwner(tx, types.CertEscrowRecord, escrowID, caller); err != nil {
			return err
		}
		rec, err := GetRecord(tx, escrowID)
		if err != nil {
			return err
		}
		if !rec.Released {
			return fmt.Errorf("%w: escrow %d is not released", core.ErrPrecondition, escrowID)
		}
		if !rec.Withdrawable.IsPositive() {
			return fmt.Errorf("%w: escrow %d has nothing to withdraw", core.ErrPrecondition, escrowID)
		}
		amount = rec.Withdrawable
		rec.Withdrawable = decimal.Zero
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("failed to drain escrow record: %w", err)
		}
		return treasury.Credit(tx, caller, rec.Asset, amount)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// GetOffer returns an escrow offer by id.
func (s *Service) GetOffer(offerID uint) (*types.EscrowOffer, error) {
	return GetOffer(s.gorm, offerID)
}

// GetRecord returns an escrow record by id.
func (s *Service) GetRecord(escrowID uint) (*types.EscrowRecord, error) {
	return GetRecord(s.gorm, escrowID)
}

// ListOffers returns active offers for an asset.
func (s *Service) ListOffers(asset string) ([]types.EscrowOffer, error) {
	return s.db.ListOffersByAsset(asset)
}

// GinHandlers contains HTTP handlers for escrow endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) CreateOfferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var params CreateOfferParams
		if err := c.ShouldBindJSON(&params); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		offer, err := h.service.CreateOffer(c.GetString("clientID"), params)
		response.Handle(c, offer, err)
	}
}

func (h *GinHandlers) CancelOfferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		offerID, ok := request.ID(c, "offer_id")
		if !ok {
			return
		}
		err := h.service.CancelOffer(offerID, c.GetString("clientID"))
		response.Handle(c, gin.H{"offer_id": offerID, "active": false}, err)
	}
}

func (h *GinHandlers) GetOfferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		offerID, ok := request.ID(c, "offer_id")
		if !ok {
			return
		}
		offer, err := h.service.GetOffer(offerID)
		response.Handle(c, offer, err)
	}
}

func (h *GinHandlers) ListOffersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		offers, err := h.service.ListOffers(c.Param("asset"))
		response.Handle(c, offers, err)
	}
}

func (h *GinHandlers) GetRecordHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		escrowID, ok := request.ID(c, "escrow_id")
		if !ok {
			return
		}
		rec, err := h.service.GetRecord(escrowID)
		response.Handle(c, rec, err)
	}
}

func (h *GinHandlers) PreviewReleaseHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		escrowID, ok := request.ID(c, "escrow_id")
		if !ok {
			return
		}
		repaid, err := decimal.NewFromString(c.DefaultQuery("repaid", "0"))
		if err != nil {
			response.BadRequest(c, "repaid must be a number")
			return
		}
		split, err := h.service.PreviewRelease(escrowID, repaid)
		response.Handle(c, split, err)
	}
}

func (h *GinHandlers) SeizeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		escrowID, ok := request.ID(c, "escrow_id")
		if !ok {
			return
		}
		seized, err := h.service.Seize(escrowID, c.GetString("clientID"))
		response.Handle(c, gin.H{"escrow_id": escrowID, "seized": seized}, err)
	}
}

func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		escrowID, ok := request.ID(c, "escrow_id")
		if !ok {
			return
		}
		amount, err := h.service.WithdrawReleased(escrowID, c.GetString("clientID"))
		response.Handle(c, gin.H{"escrow_id": escrowID, "withdrawn": amount}, err)
	}
}
