// Package position is the taker-side paired-position ledger: it opens collar
// pairs against provider offers, settles them once at or after expiry, and
// pays out withdrawable balances. The payoff arithmetic lives in
// internal/collar; this package owns lifecycle, locking and conservation.
package position

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
	"github.com/CollarNetworks/protocol-core-sub007/internal/provider"
	"github.com/CollarNetworks/protocol-core-sub007/internal/registry"
	"github.com/CollarNetworks/protocol-core-sub007/internal/treasury"
	"github.com/CollarNetworks/protocol-core-sub007/internal/types"
	"github.com/CollarNetworks/protocol-core-sub007/pkg/request"
	"github.com/CollarNetworks/protocol-core-sub007/pkg/response"
)

// Service manages the paired-position lifecycle.
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

// OpenParams are the taker-supplied terms for opening a position.
type OpenParams struct {
	Pair        string          `json:"pair" binding:"required"`
	OfferID     uint            `json:"offer_id" binding:"required"`
	TakerLocked decimal.Decimal `json:"taker_locked" binding:"required"`
}

// Open locks the taker's capital against a provider offer at the current
// reference price. The taker pays and holds the position certificate.
func (s *Service) Open(ctx context.Context, taker string, p OpenParams) (*types.PairedPosition, error) {
	logger := log.With().
		Str("service", "position").
		Str("taker", taker).
		Str("pair", p.Pair).
		Uint("offer_id", p.OfferID).
		Logger()

	cfg, err := s.registry.RequireActive(p.Pair)
	if err != nil {
		return nil, err
	}
	startPrice, err := s.prices.CurrentPrice(ctx, p.Pair)
	if err != nil {
		return nil, err
	}

	var pos *types.PairedPosition
	err = s.gorm.Transaction(func(tx *gorm.DB) error {
		var txErr error
		pos, txErr = OpenAt(tx, cfg, p.OfferID, taker, p.TakerLocked, startPrice, s.now())
		return txErr
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to open paired position")
		return nil, err
	}

	metrics.PositionsOpened.Inc()
	metrics.ActivePositions.Inc()
	logger.Info().
		Uint("position_id", pos.ID).
		Str("start_price", startPrice.String()).
		Str("taker_locked", pos.TakerLocked.String()).
		Time("expiration", pos.Expiration).
		Msg("paired position opened")
	return pos, nil
}

// OpenAt creates a collar pair inside tx: debits the owner's cash for
// takerLocked, reserves provider capital from the offer, and mints the taker
// certificate to owner. Preconditions are validated here, at execution time,
// regardless of what the caller checked earlier.
func OpenAt(tx *gorm.DB, cfg *registry.AssetPair, offerID uint, owner string, takerLocked, startPrice decimal.Decimal, now time.Time) (*types.PairedPosition, error) {
	if err := core.CheckPositive("taker_locked", takerLocked); err != nil {
		return nil, err
	}

	offer, err := provider.GetOffer(tx, offerID)
	if err != nil {
		return nil, err
	}
	if offer.Pair != cfg.Pair {
		return nil, fmt.Errorf("%w: offer %d is for pair %s", core.ErrValidation, offerID, offer.Pair)
	}

	providerLocked := collar.ProviderLockedFor(takerLocked, offer.CallStrikeBPS)
	if !providerLocked.IsPositive() {
		return nil, fmt.Errorf("%w: taker amount too small to require provider capital", core.ErrValidation)
	}

	terms := collar.Terms{
		StartPrice:     startPrice,
		PutStrikeBPS:   offer.PutStrikeBPS,
		CallStrikeBPS:  offer.CallStrikeBPS,
		TakerLocked:    takerLocked,
		ProviderLocked: providerLocked,
	}
	if err := terms.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}

	if err := treasury.Debit(tx, owner, cfg.CashAsset, takerLocked); err != nil {
		return nil, err
	}

	expiration := now.Add(time.Duration(offer.Duration) * time.Second)
	pos := &types.PairedPosition{
		Pair:          cfg.Pair,
		CashAsset:     cfg.CashAsset,
		StartPrice:    startPrice,
		PutStrikeBPS:  offer.PutStrikeBPS,
		CallStrikeBPS: offer.CallStrikeBPS,
		TakerLocked:   takerLocked,
		Expiration:    expiration,
		Withdrawable:  decimal.Zero,
	}
	if err := tx.Create(pos).Error; err != nil {
		return nil, fmt.Errorf("failed to create paired position: %w", err)
	}

	ppos, err := provider.ReserveForPosition(tx, offerID, providerLocked, pos.ID, cfg.CashAsset, expiration)
	if err != nil {
		return nil, err
	}
	pos.ProviderPositionID = ppos.ID
	if err := tx.Save(pos).Error; err != nil {
		return nil, fmt.Errorf("failed to link provider position: %w", err)
	}

	if _, err := certificates.Mint(tx, types.CertPairedPosition, pos.ID, owner); err != nil {
		return nil, err
	}
	return pos, nil
}

// Settle settles a pair once, callable by anyone at or after expiration. The
// end price is the oracle's price at expiration; when history at the boundary
// is unavailable the current price is used. Never caller-supplied.
func (s *Service) Settle(ctx context.Context, positionID uint) (*types.SettlementResponse, error) {
	pos, err := s.db.GetPosition(positionID)
	if err != nil {
		return nil, err
	}

	endPrice, err := s.prices.HistoricalPrice(ctx, pos.Pair, pos.Expiration)
	if err != nil {
		endPrice, err = s.prices.CurrentPrice(ctx, pos.Pair)
		if err != nil {
			return nil, err
		}
	}

	var resp *types.SettlementResponse
	err = s.gorm.Transaction(func(tx *gorm.DB) error {
		var txErr error
		resp, txErr = SettleAt(tx, positionID, endPrice, s.now())
		return txErr
	})
	if err != nil {
		return nil, err
	}

	metrics.Settlements.Inc()
	metrics.ActivePositions.Dec()
	log.Info().
		Str("service", "position").
		Uint("position_id", positionID).
		Str("end_price", endPrice.String()).
		Str("taker_payout", resp.TakerPayout.String()).
		Str("provider_payout", resp.ProviderPayout.String()).
		Msg("paired position settled")
	return resp, nil
}

// SettleAt performs the settlement state transition inside tx. The position
// and its paired provider position flip settled exactly once and receive
// their withdrawable split. Conservation is re-asserted before anything is
// written; a violation aborts with ErrInvariant.
func SettleAt(tx *gorm.DB, positionID uint, endPrice decimal.Decimal, now time.Time) (*types.SettlementResponse, error) {
	pos, err := getPosition(tx, positionID)
	if err != nil {
		return nil, err
	}
	if pos.Settled {
		return nil, fmt.Errorf("%w: %w", core.ErrPrecondition, core.ErrAlreadySettled)
	}
	if now.Before(pos.Expiration) {
		return nil, fmt.Errorf("%w: %w: position %d expires at %s",
			core.ErrPrecondition, core.ErrNotExpired, positionID, pos.Expiration.Format(time.RFC3339))
	}

	ppos, err := provider.GetPosition(tx, pos.ProviderPositionID)
	if err != nil {
		return nil, err
	}

	terms := collar.Terms{
		StartPrice:     pos.StartPrice,
		PutStrikeBPS:   pos.PutStrikeBPS,
		CallStrikeBPS:  pos.CallStrikeBPS,
		TakerLocked:    pos.TakerLocked,
		ProviderLocked: ppos.ProviderLocked,
	}
	payout, err := terms.Settle(endPrice)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrValidation, err)
	}
	if !terms.Conserved(payout) {
		log.Error().
			Uint("position_id", positionID).
			Str("taker_payout", payout.TakerPayout.String()).
			Str("provider_payout", payout.ProviderPayout.String()).
			Msg("settlement split does not conserve locked total")
		return nil, fmt.Errorf("%w: settlement split does not conserve locked total", core.ErrInvariant)
	}

	pos.Settled = true
	pos.SettlementPrice = endPrice
	pos.Withdrawable = payout.TakerPayout
	if err := tx.Save(pos).Error; err != nil {
		return nil, fmt.Errorf("failed to settle paired position: %w", err)
	}
	if err := provider.SettlePosition(tx, ppos.ID, payout.ProviderPayout, 0); err != nil {
		return nil, err
	}

	return &types.SettlementResponse{
		PositionID:     positionID,
		EndPrice:       endPrice,
		TakerPayout:    payout.TakerPayout,
		ProviderPayout: payout.ProviderPayout,
		Timestamp:      now,
	}, nil
}

// Withdraw drains a settled position's withdrawable amount to the current
// certificate holder.
func (s *Service) Withdraw(positionID uint, caller string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := s.gorm.Transaction(func(tx *gorm.DB) error {
		var txErr error
		amount, txErr = WithdrawAt(tx, positionID, caller)
		return txErr
	})
	if err != nil {
		return decimal.Zero, err
	}
	log.Info().
		Str("service", "position").
		Uint("position_id", positionID).
		Str("amount", amount.String()).
		Msg("paired position withdrawn")
	return amount, nil
}

// WithdrawAt drains the withdrawable balance inside tx, crediting the caller,
// who must currently hold the position certificate.
func WithdrawAt(tx *gorm.DB, positionID uint, caller string) (decimal.Decimal, error) {
	if err := certificates.RequireOwner(tx, types.CertPairedPosition, positionID, caller); err != nil {
		return decimal.Zero, err
	}
	pos, err := getPosition(tx, positionID)
	if err != nil {
		return decimal.Zero, err
	}
	if !pos.Settled {
		return decimal.Zero, fmt.Errorf("%w: position %d is not settled", core.ErrPrecondition, positionID)
	}
	if !pos.Withdrawable.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: position %d has nothing to withdraw", core.ErrPrecondition, positionID)
	}
	amount := pos.Withdrawable
	pos.Withdrawable = decimal.Zero
	if err := tx.Save(pos).Error; err != nil {
		return decimal.Zero, fmt.Errorf("failed to drain paired position: %w", err)
	}
	if err := treasury.Credit(tx, caller, pos.CashAsset, amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// GetPosition returns a paired position by id.
func (s *Service) GetPosition(positionID uint) (*types.PairedPosition, error) {
	return s.db.GetPosition(positionID)
}

// GinHandlers contains HTTP handlers for paired-position endpoints.
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
		pos, err := h.service.Open(c.Request.Context(), c.GetString("clientID"), params)
		response.Handle(c, pos, err)
	}
}

func (h *GinHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positionID, ok := request.ID(c, "position_id")
		if !ok {
			return
		}
		pos, err := h.service.GetPosition(positionID)
		response.Handle(c, pos, err)
	}
}

func (h *GinHandlers) SettleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positionID, ok := request.ID(c, "position_id")
		if !ok {
			return
		}
		resp, err := h.service.Settle(c.Request.Context(), positionID)
		response.Handle(c, resp, err)
	}
}

func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positionID, ok := request.ID(c, "position_id")
		if !ok {
			return
		}
		amount, err := h.service.Withdraw(positionID, c.GetString("clientID"))
		response.Handle(c, gin.H{"position_id": positionID, "withdrawn": amount}, err)
	}
}
