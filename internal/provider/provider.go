// Package provider is the standing-offer book for provider capital and the
// ledger of provider-side positions carved out of those offers.
package provider

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/CollarNetworks/protocol-core-sub007/internal/certificates"
	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
	"github.com/CollarNetworks/protocol-core-sub007/internal/registry"
	"github.com/CollarNetworks/protocol-core-sub007/internal/treasury"
	"github.com/CollarNetworks/protocol-core-sub007/internal/types"
	"github.com/CollarNetworks/protocol-core-sub007/pkg/request"
	"github.com/CollarNetworks/protocol-core-sub007/pkg/response"
)

// Service manages provider offers and provider positions.
type Service struct {
	db       *Database
	gorm     *gorm.DB
	registry *registry.Service
}

func NewService(gormDB *gorm.DB, reg *registry.Service) *Service {
	return &Service{
		db:       NewDatabase(gormDB),
		gorm:     gormDB,
		registry: reg,
	}
}

// CreateOfferParams are the provider-supplied terms of a standing offer.
type CreateOfferParams struct {
	Pair          string          `json:"pair" binding:"required"`
	PutStrikeBPS  int64           `json:"put_strike_bps" binding:"required"`
	CallStrikeBPS int64           `json:"call_strike_bps" binding:"required"`
	Duration      int64           `json:"duration_seconds" binding:"required"`
	Amount        decimal.Decimal `json:"amount" binding:"required"`
	MinTake       decimal.Decimal `json:"min_take"`
}

// CreateOffer validates terms against the registry, escrows the offered
// capital from the provider's cash balance, and opens the offer.
func (s *Service) CreateOffer(provider string, p CreateOfferParams) (*types.ProviderOffer, error) {
	logger := log.With().
		Str("service", "provider").
		Str("provider", provider).
		Str("pair", p.Pair).
		Logger()

	cfg, err := s.registry.RequireActive(p.Pair)
	if err != nil {
		return nil, err
	}
	if err := cfg.CheckStrikes(p.PutStrikeBPS, p.CallStrikeBPS); err != nil {
		return nil, err
	}
	if err := cfg.CheckDuration(p.Duration); err != nil {
		return nil, err
	}
	if err := core.CheckPositive("amount", p.Amount); err != nil {
		return nil, err
	}
	if err := core.CheckAmount("min_take", p.MinTake); err != nil {
		return nil, err
	}
	if p.MinTake.GreaterThan(p.Amount) {
		return nil, fmt.Errorf("%w: min_take exceeds offered amount", core.ErrValidation)
	}

	offer := &types.ProviderOffer{
		Provider:      provider,
		Pair:          p.Pair,
		PutStrikeBPS:  p.PutStrikeBPS,
		CallStrikeBPS: p.CallStrikeBPS,
		Duration:      p.Duration,
		Available:     p.Amount,
		MinTake:       p.MinTake,
		Active:        true,
	}

	err = s.gorm.Transaction(func(tx *gorm.DB) error {
		if err := treasury.Debit(tx, provider, cfg.CashAsset, p.Amount); err != nil {
			return err
		}
		return tx.Create(offer).Error
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to create provider offer")
		return nil, err
	}

	logger.Info().
		Uint("offer_id", offer.ID).
		Str("amount", p.Amount.String()).
		Int64("put_strike_bps", p.PutStrikeBPS).
		Int64("call_strike_bps", p.CallStrikeBPS).
		Msg("provider offer created")
	return offer, nil
}

// CancelOffer deactivates an offer and refunds its unallocated remainder.
func (s *Service) CancelOffer(offerID uint, caller string) error {
	return s.gorm.Transaction(func(tx *gorm.DB) error {
		offer, err := GetOffer(tx, offerID)
		if err != nil {
			return err
		}
		if offer.Provider != caller {
			return fmt.Errorf("%w: offer %d belongs to another provider", core.ErrUnauthorized, offerID)
		}
		if !offer.Active {
			return fmt.Errorf("%w: %w", core.ErrPrecondition, core.ErrOfferConsumed)
		}

		cfg, err := pairConfig(tx, offer.Pair)
		if err != nil {
			return err
		}
		if offer.Available.IsPositive() {
			if err := treasury.Credit(tx, offer.Provider, cfg.CashAsset, offer.Available); err != nil {
				return err
			}
		}
		offer.Available = decimal.Zero
		offer.Active = false
		if err := tx.Save(offer).Error; err != nil {
			return fmt.Errorf("failed to cancel offer: %w", err)
		}
		log.Info().
			Str("service", "provider").
			Uint("offer_id", offerID).
			Msg("provider offer cancelled")
		return nil
	})
}

// pairConfig reads a pair row without the enabled/paused gate. Exit paths
// (cancel, withdraw) must not trap funds behind a pause.
func pairConfig(db *gorm.DB, pair string) (*registry.AssetPair, error) {
	var cfg registry.AssetPair
	if err := db.Where("pair = ?", pair).First(&cfg).Error; err != nil {
		return nil, fmt.Errorf("%w: pair %s configuration missing", core.ErrDependency, pair)
	}
	return &cfg, nil
}

// ReserveForPosition carves providerLocked out of an offer and mints the
// provider-side position. Called only by the paired-position ledger inside
// its transaction; all preconditions are re-validated here at execution time.
func ReserveForPosition(tx *gorm.DB, offerID uint, providerLocked decimal.Decimal, pairedPositionID uint, cashAsset string, expiration time.Time) (*types.ProviderPosition, error) {
	offer, err := GetOffer(tx, offerID)
	if err != nil {
		return nil, err
	}
	if !offer.Active {
		return nil, fmt.Errorf("%w: %w", core.ErrPrecondition, core.ErrOfferConsumed)
	}
	if providerLocked.LessThan(offer.MinTake) {
		return nil, fmt.Errorf("%w: take %s below offer minimum %s",
			core.ErrPrecondition, providerLocked, offer.MinTake)
	}
	if offer.Available.LessThan(providerLocked) {
		return nil, fmt.Errorf("%w: offer %d has %s available, needs %s",
			core.ErrPrecondition, offerID, offer.Available, providerLocked)
	}

	offer.Available = offer.Available.Sub(providerLocked)
	if err := tx.Save(offer).Error; err != nil {
		return nil, fmt.Errorf("failed to decrement offer: %w", err)
	}

	pos := &types.ProviderPosition{
		OfferID:          offerID,
		PairedPositionID: pairedPositionID,
		Pair:             offer.Pair,
		CashAsset:        cashAsset,
		Expiration:       expiration,
		ProviderLocked:   providerLocked,
		Settled:          false,
		Withdrawable:     decimal.Zero,
	}
	if err := tx.Create(pos).Error; err != nil {
		return nil, fmt.Errorf("failed to create provider position: %w", err)
	}
	if _, err := certificates.Mint(tx, types.CertProviderPosition, pos.ID, offer.Provider); err != nil {
		return nil, err
	}
	return pos, nil
}

// SettlePosition flips a provider position to settled exactly once and
// records its withdrawable amount. Called by the paired-position ledger
// inside the settlement transaction.
func SettlePosition(tx *gorm.DB, positionID uint, withdrawable decimal.Decimal, rolledTo uint) error {
	pos, err := GetPosition(tx, positionID)
	if err != nil {
		return err
	}
	if pos.Settled {
		return fmt.Errorf("%w: %w", core.ErrPrecondition, core.ErrAlreadySettled)
	}
	pos.Settled = true
	pos.Withdrawable = withdrawable
	pos.RolledTo = rolledTo
	if err := tx.Save(pos).Error; err != nil {
		return fmt.Errorf("failed to settle provider position: %w", err)
	}
	return nil
}

// Withdraw drains a settled position's withdrawable amount to the current
// certificate holder's cash balance.
func (s *Service) Withdraw(positionID uint, caller string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := s.gorm.Transaction(func(tx *gorm.DB) error {
		if err := certificates.RequireOwner(tx, types.CertProviderPosition, positionID, caller); err != nil {
			return err
		}
		pos, err := GetPosition(tx, positionID)
		if err != nil {
			return err
		}
		if !pos.Settled {
			return fmt.Errorf("%w: position %d is not settled", core.ErrPrecondition, positionID)
		}
		if !pos.Withdrawable.IsPositive() {
			return fmt.Errorf("%w: position %d has nothing to withdraw", core.ErrPrecondition, positionID)
		}
		amount = pos.Withdrawable
		pos.Withdrawable = decimal.Zero
		if err := tx.Save(pos).Error; err != nil {
			return fmt.Errorf("failed to drain provider position: %w", err)
		}
		return treasury.Credit(tx, caller, pos.CashAsset, amount)
	})
	if err != nil {
		return decimal.Zero, err
	}
	log.Info().
		Str("service", "provider").
		Uint("position_id", positionID).
		Str("amount", amount.String()).
		Msg("provider position withdrawn")
	return amount, nil
}

// GetOffer returns an offer by id.
func (s *Service) GetOffer(offerID uint) (*types.ProviderOffer, error) {
	return GetOffer(s.gorm, offerID)
}

// GetPosition returns a provider position by id.
func (s *Service) GetPosition(positionID uint) (*types.ProviderPosition, error) {
	return GetPosition(s.gorm, positionID)
}

// ListOffers returns active offers for a pair.
func (s *Service) ListOffers(pair string) ([]types.ProviderOffer, error) {
	return s.db.ListOffersByPair(pair)
}

// GinHandlers contains HTTP handlers for provider endpoints.
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
		offers, err := h.service.ListOffers(c.Param("pair"))
		response.Handle(c, offers, err)
	}
}

func (h *GinHandlers) GetPositionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		positionID, ok := request.ID(c, "position_id")
		if !ok {
			return
		}
		pos, err := h.service.GetPosition(positionID)
		response.Handle(c, pos, err)
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
