// Package rolls migrates an open collar pair to new terms before expiry. A
// roll offer is provider-signed: it names the position, the provider offer
// funding the replacement, a base fee with a linear price adjustment, a price
// window and a deadline. Execution hypothetically settles the old pair at the
// current price, opens the replacement at that price with the same taker
// notional, nets out both sides minus the fee, and irreversibly closes the
// old pair. One transaction, all or nothing.
package rolls

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/CollarNetworks/protocol-core-sub007/internal/certificates"
	"github.com/CollarNetworks/protocol-core-sub007/internal/collar"
	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
	"github.com/CollarNetworks/protocol-core-sub007/internal/metrics"
	"github.com/CollarNetworks/protocol-core-sub007/internal/oracle"
	"github.com/CollarNetworks/protocol-core-sub007/internal/position"
	"github.com/CollarNetworks/protocol-core-sub007/internal/provider"
	"github.com/CollarNetworks/protocol-core-sub007/internal/registry"
	"github.com/CollarNetworks/protocol-core-sub007/internal/treasury"
	"github.com/CollarNetworks/protocol-core-sub007/internal/types"
	"github.com/CollarNetworks/protocol-core-sub007/pkg/request"
	"github.com/CollarNetworks/protocol-core-sub007/pkg/response"
)

// Service manages roll offers and executes rolls.
type Service struct {
	db       *Database
	gorm     *gorm.DB
	registry *registry.Service
	prices   oracle.PriceSource
	now      func() time.Time
}

func NewService(gormDB *gorm.DB, reg *registry.Service, prices oracle.PriceSource) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		gorm:     gormDB,
		registry: reg,
		prices:   prices,
		now:      time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (s *Service) SetNow(now func() time.Time) { s.now = now }

// CreateOfferParams are the provider-supplied terms of a roll offer.
type CreateOfferParams struct {
	PositionID        uint            `json:"position_id" binding:"required"`
	ProviderOfferID   uint            `json:"provider_offer_id" binding:"required"`
	FeeAmount         decimal.Decimal `json:"fee_amount"`
	FeeDeltaFactorBPS int64           `json:"fee_delta_factor_bps"`
	MinPrice          decimal.Decimal `json:"min_price" binding:"required"`
	MaxPrice          decimal.Decimal `json:"max_price" binding:"required"`
	DeadlineSeconds   int64           `json:"deadline_seconds" binding:"required"`
	MinToProvider     decimal.Decimal `json:"min_to_provider"`
}

// CreateOffer records a roll offer. The caller must currently hold the
// provider position certificate of the position being rolled; the reference
// price is pinned to the oracle price at creation.
func (s *Service) CreateOffer(ctx context.Context, caller string, p CreateOfferParams) (*types.RollOffer, error) {
	if err := core.CheckAmount("fee_amount", p.FeeAmount); err != nil {
		return nil, err
	}
	if p.FeeDeltaFactorBPS < -core.BPSBase || p.FeeDeltaFactorBPS > core.BPSBase {
		return nil, fmt.Errorf("%w: fee delta factor %d outside [-%d, %d]",
			core.ErrValidation, p.FeeDeltaFactorBPS, core.BPSBase, core.BPSBase)
	}
	if !p.MinPrice.IsPositive() || p.MaxPrice.LessThan(p.MinPrice) {
		return nil, fmt.Errorf("%w: price window [%s, %s] is invalid", core.ErrValidation, p.MinPrice, p.MaxPrice)
	}
	if p.DeadlineSeconds <= 0 {
		return nil, fmt.Errorf("%w: deadline must be in the future", core.ErrValidation)
	}

	pos, err := position.GetPositionTx(s.gorm, p.PositionID)
	if err != nil {
		return nil, err
	}
	if pos.Settled {
		return nil, fmt.Errorf("%w: %w", core.ErrPrecondition, core.ErrAlreadySettled)
	}
	if err := certificates.RequireOwner(s.gorm, types.CertProviderPosition, pos.ProviderPositionID, caller); err != nil {
		return nil, err
	}
	replacement, err := provider.GetOffer(s.gorm, p.ProviderOfferID)
	if err != nil {
		return nil, err
	}
	if replacement.Pair != pos.Pair {
		return nil, fmt.Errorf("%w: replacement offer %d is for pair %s, position pair is %s",
			core.ErrValidation, p.ProviderOfferID, replacement.Pair, pos.Pair)
	}

	referencePrice, err := s.prices.CurrentPrice(ctx, pos.Pair)
	if err != nil {
		return nil, err
	}

	offer := &types.RollOffer{
		PositionID:        p.PositionID,
		ProviderOfferID:   p.ProviderOfferID,
		FeeAmount:         p.FeeAmount,
		FeeDeltaFactorBPS: p.FeeDeltaFactorBPS,
		ReferencePrice:    referencePrice,
		MinPrice:          p.MinPrice,
		MaxPrice:          p.MaxPrice,
		Deadline:          s.now().Add(time.Duration(p.DeadlineSeconds) * time.Second),
		MinToProvider:     p.MinToProvider,
		Active:            true,
	}
	if err := s.gorm.Create(offer).Error; err != nil {
		return nil, fmt.Errorf("failed to create roll offer: %w", err)
	}
	log.Info().
		Str("service", "rolls").
		Uint("offer_id", offer.ID).
		Uint("position_id", p.PositionID).
		Str("reference_price", referencePrice.String()).
		Msg("roll offer created")
	return offer, nil
}

// CancelOffer deactivates an unexecuted roll offer. Same capability as
// creation: the current provider position certificate holder.
func (s *Service) CancelOffer(offerID uint, caller string) error {
	return s.gorm.Transaction(func(tx *gorm.DB) error {
		offer, err := GetOffer(tx, offerID)
		if err != nil {
			return err
		}
		if !offer.Active || offer.Executed {
			return fmt.Errorf("%w: %w", core.ErrPrecondition, core.ErrOfferConsumed)
		}
		pos, err := position.GetPositionTx(tx, offer.PositionID)
		if err != nil {
			return err
		}
		if err := certificates.RequireOwner(tx, types.CertProviderPosition, pos.ProviderPositionID, caller); err != nil {
			return err
		}
		offer.Active = false
		if err := tx.Save(offer).Error; err != nil {
			return fmt.Errorf("failed to cancel roll offer: %w", err)
		}
		return nil
	})
}

// CalculateRollFee returns the fee at executionPrice: the base fee plus a
// linear adjustment of feeDeltaFactorBPS of the fee per unit of relative
// price move, with the adjustment magnitude capped at the base fee scaled by
// the factor. A negative result means the provider pays the taker.
func CalculateRollFee(offer *types.RollOffer, executionPrice decimal.Decimal) decimal.Decimal {
	if offer.FeeDeltaFactorBPS == 0 || !offer.ReferencePrice.IsPositive() {
		return offer.FeeAmount
	}
	factor := decimal.NewFromInt(offer.FeeDeltaFactorBPS)
	num := offer.FeeAmount.Mul(factor).Mul(executionPrice.Sub(offer.ReferencePrice))
	den := offer.ReferencePrice.Mul(core.BPS)
	adjustment, _ := num.QuoRem(den, 0)

	bound := core.MulDivFloor(offer.FeeAmount, factor.Abs(), core.BPS)
	if adjustment.Abs().GreaterThan(bound) {
		if adjustment.IsNegative() {
			adjustment = bound.Neg()
		} else {
			adjustment = bound
		}
	}
	return offer.FeeAmount.Add(adjustment)
}

// preview computes the fee and net transfers a roll at price would apply.
// takerProceeds/providerProceeds come from a hypothetical settlement of the
// old pair; funding for the replacement is the same taker notional plus the
// provider capital the new offer's call strike implies.
func preview(offer *types.RollOffer, pos *types.PairedPosition, ppos *types.ProviderPosition, newOffer *types.ProviderOffer, price decimal.Decimal) (*types.RollPreview, error) {
	terms := collar.Terms{
		StartPrice:     pos.StartPrice,
		PutStrikeBPS:   pos.PutStrikeBPS,
		CallStrikeBPS:  pos.CallStrikeBPS,
		TakerLocked:    pos.TakerLocked,
		ProviderLocked: ppos.ProviderLocked,
	}
	payout, err := terms.Settle(price)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	fee := CalculateRollFee(offer, price)
	newProviderLocked := collar.ProviderLockedFor(pos.TakerLocked, newOffer.CallStrikeBPS)

	return &types.RollPreview{
		RollFee:        fee,
		CurrentPrice:   price,
		ToTaker:        payout.TakerPayout.Sub(pos.TakerLocked).Sub(fee),
		ToProvider:     payout.ProviderPayout.Sub(newProviderLocked).Add(fee),
		NewTakerLocked: pos.TakerLocked,
	}, nil
}

// PreviewAt computes the preview at a known execution price. Works on a
// transaction handle; used by the loan coordinator to size transfers before
// executing inside the same tx.
func PreviewAt(db *gorm.DB, offerID uint, price decimal.Decimal) (*types.RollPreview, error) {
	offer, err := GetOffer(db, offerID)
	if err != nil {
		return nil, err
	}
	pos, err := position.GetPositionTx(db, offer.PositionID)
	if err != nil {
		return nil, err
	}
	ppos, err := provider.GetPosition(db, pos.ProviderPositionID)
	if err != nil {
		return nil, err
	}
	newOffer, err := provider.GetOffer(db, offer.ProviderOfferID)
	if err != nil {
		return nil, err
	}
	return preview(offer, pos, ppos, newOffer, price)
}

// PreviewRoll reports the fee and net transfers an execution at the current
// oracle price would apply, without mutating anything.
func (s *Service) PreviewRoll(ctx context.Context, offerID uint) (*types.RollPreview, error) {
	offer, err := GetOffer(s.gorm, offerID)
	if err != nil {
		return nil, err
	}
	pos, err := position.GetPositionTx(s.gorm, offer.PositionID)
	if err != nil {
		return nil, err
	}
	ppos, err := provider.GetPosition(s.gorm, pos.ProviderPositionID)
	if err != nil {
		return nil, err
	}
	newOffer, err := provider.GetOffer(s.gorm, offer.ProviderOfferID)
	if err != nil {
		return nil, err
	}
	price, err := s.prices.CurrentPrice(ctx, pos.Pair)
	if err != nil {
		return nil, err
	}
	return preview(offer, pos, ppos, newOffer, price)
}

// Execute rolls a position: caller must hold the paired position certificate
// and supplies minToUser as their slippage bound.
func (s *Service) Execute(ctx context.Context, offerID uint, caller string, minToUser decimal.Decimal) (*types.RollResponse, error) {
	offer, err := GetOffer(s.gorm, offerID)
	if err != nil {
		return nil, err
	}
	pos, err := position.GetPositionTx(s.gorm, offer.PositionID)
	if err != nil {
		return nil, err
	}
	cfg, err := s.registry.RequireActive(pos.Pair)
	if err != nil {
		return nil, err
	}
	price, err := s.prices.CurrentPrice(ctx, pos.Pair)
	if err != nil {
		return nil, err
	}

	var resp *types.RollResponse
	err = s.gorm.Transaction(func(tx *gorm.DB) error {
		var txErr error
		resp, txErr = ExecuteAt(tx, cfg, offerID, caller, minToUser, price, s.now())
		return txErr
	})
	if err != nil {
		return nil, err
	}

	metrics.Rolls.Inc()
	log.Info().
		Str("service", "rolls").
		Uint("old_position_id", resp.OldPositionID).
		Uint("new_position_id", resp.NewPositionID).
		Str("execution_price", price.String()).
		Str("roll_fee", resp.RollFee.String()).
		Msg("position rolled")
	return resp, nil
}

// ExecuteAt performs the roll state transition inside tx. Every precondition
// is re-validated here at execution time. The old pair's locked funds are
// released as hypothetical settlement proceeds, the replacement is opened at
// price against the offer's provider offer, the fee moves between taker and
// provider, and the old pair closes with zero withdrawable and a rolled-to
// link.
func ExecuteAt(tx *gorm.DB, cfg *registry.AssetPair, offerID uint, caller string, minToUser, price decimal.Decimal, now time.Time) (*types.RollResponse, error) {
	offer, err := GetOffer(tx, offerID)
	if err != nil {
		return nil, err
	}
	if !offer.Active || offer.Executed {
		return nil, fmt.Errorf("%w: %w", core.ErrPrecondition, core.ErrOfferConsumed)
	}
	if now.After(offer.Deadline) {
		return nil, fmt.Errorf("%w: roll offer %d expired at %s",
			core.ErrPrecondition, offerID, offer.Deadline.Format(time.RFC3339))
	}
	if price.LessThan(offer.MinPrice) || price.GreaterThan(offer.MaxPrice) {
		return nil, fmt.Errorf("%w: price %s outside roll window [%s, %s]",
			core.ErrPrecondition, price, offer.MinPrice, offer.MaxPrice)
	}

	pos, err := position.GetPositionTx(tx, offer.PositionID)
	if err != nil {
		return nil, err
	}
	if pos.Settled {
		return nil, fmt.Errorf("%w: %w", core.ErrPrecondition, core.ErrAlreadySettled)
	}
	if !now.Before(pos.Expiration) {
		return nil, fmt.Errorf("%w: position %d already expired, settle instead",
			core.ErrPrecondition, offer.PositionID)
	}
	if err := certificates.RequireOwner(tx, types.CertPairedPosition, pos.ID, caller); err != nil {
		return nil, err
	}
	providerOwner, err := certificates.OwnerOf(tx, types.CertProviderPosition, pos.ProviderPositionID)
	if err != nil {
		return nil, err
	}
	ppos, err := provider.GetPosition(tx, pos.ProviderPositionID)
	if err != nil {
		return nil, err
	}
	newOffer, err := provider.GetOffer(tx, offer.ProviderOfferID)
	if err != nil {
		return nil, err
	}

	split, err := preview(offer, pos, ppos, newOffer, price)
	if err != nil {
		return nil, err
	}
	if split.ToTaker.LessThan(minToUser) {
		return nil, fmt.Errorf("%w: %w: taker would net %s, minimum %s",
			core.ErrDependency, core.ErrSlippage, split.ToTaker, minToUser)
	}
	if split.ToProvider.LessThan(offer.MinToProvider) {
		return nil, fmt.Errorf("%w: %w: provider would net %s, minimum %s",
			core.ErrDependency, core.ErrSlippage, split.ToProvider, offer.MinToProvider)
	}

	// Release the old pair's locked funds as settlement proceeds, then move
	// the fee between the two sides. The replacement's provider capital is
	// already parked in the new offer, so the provider's cash movement here
	// is proceeds plus fee.
	terms := collar.Terms{
		StartPrice:     pos.StartPrice,
		PutStrikeBPS:   pos.PutStrikeBPS,
		CallStrikeBPS:  pos.CallStrikeBPS,
		TakerLocked:    pos.TakerLocked,
		ProviderLocked: ppos.ProviderLocked,
	}
	payout, err := terms.Settle(price)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}
	if !terms.Conserved(payout) {
		return nil, fmt.Errorf("%w: roll settlement split does not conserve locked total", core.ErrInvariant)
	}

	if err := treasury.Credit(tx, caller, pos.CashAsset, payout.TakerPayout); err != nil {
		return nil, err
	}
	if err := treasury.Credit(tx, providerOwner, pos.CashAsset, payout.ProviderPayout); err != nil {
		return nil, err
	}
	fee := split.RollFee
	switch {
	case fee.IsPositive():
		if err := treasury.Debit(tx, caller, pos.CashAsset, fee); err != nil {
			return nil, err
		}
		if err := treasury.Credit(tx, providerOwner, pos.CashAsset, fee); err != nil {
			return nil, err
		}
	case fee.IsNegative():
		if err := treasury.Debit(tx, providerOwner, pos.CashAsset, fee.Neg()); err != nil {
			return nil, err
		}
		if err := treasury.Credit(tx, caller, pos.CashAsset, fee.Neg()); err != nil {
			return nil, err
		}
	}

	newPos, err := position.OpenAt(tx, cfg, offer.ProviderOfferID, caller, pos.TakerLocked, price, now)
	if err != nil {
		return nil, err
	}

	pos.Settled = true
	pos.SettlementPrice = price
	pos.Withdrawable = decimal.Zero
	pos.RolledTo = newPos.ID
	if err := tx.Save(pos).Error; err != nil {
		return nil, fmt.Errorf("failed to close rolled position: %w", err)
	}
	if err := provider.SettlePosition(tx, ppos.ID, decimal.Zero, newPos.ProviderPositionID); err != nil {
		return nil, err
	}

	offer.Executed = true
	offer.Active = false
	if err := tx.Save(offer).Error; err != nil {
		return nil, fmt.Errorf("failed to consume roll offer: %w", err)
	}

	return &types.RollResponse{
		OldPositionID:  pos.ID,
		NewPositionID:  newPos.ID,
		RollFee:        fee,
		ExecutionPrice: price,
		ToTaker:        split.ToTaker,
		ToProvider:     split.ToProvider,
		Timestamp:      now,
	}, nil
}

// ListOffers returns active roll offers for a position.
func (s *Service) ListOffers(positionID uint) ([]types.RollOffer, error) {
	return s.db.ListOffersByPosition(positionID)
}

// GetOffer returns a roll offer by id.
func (s *Service) GetOffer(offerID uint) (*types.RollOffer, error) {
	return GetOffer(s.gorm, offerID)
}

// GinHandlers contains HTTP handlers for roll endpoints.
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
		offer, err := h.service.CreateOffer(c.Request.Context(), c.GetString("clientID"), params)
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

func (h *GinHandlers) PreviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		offerID, ok := request.ID(c, "offer_id")
		if !ok {
			return
		}
		split, err := h.service.PreviewRoll(c.Request.Context(), offerID)
		response.Handle(c, split, err)
	}
}

type executeRequest struct {
	MinToUser decimal.Decimal `json:"min_to_user"`
}

func (h *GinHandlers) ExecuteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		offerID, ok := request.ID(c, "offer_id")
		if !ok {
			return
		}
		var req executeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		resp, err := h.service.Execute(c.Request.Context(), offerID, c.GetString("clientID"), req.MinToUser)
		response.Handle(c, resp, err)
	}
}
