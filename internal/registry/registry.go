// Package registry holds protocol configuration: supported asset pairs with
// their strike, duration and loan-to-value bounds, and the global pause flag.
// Every state-mutating entry point re-reads this configuration at execution
// time and fails closed when the pair is missing, disabled, or the protocol
// is paused.
package registry

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
	"github.com/CollarNetworks/protocol-core-sub007/pkg/response"
)

// AssetPair is the configuration for one supported underlying/cash pair.
// Pair names use hyphen form, e.g. "ETH-USDC".
type AssetPair struct {
	gorm.Model       `json:"-"`
	Pair             string `gorm:"uniqueIndex" json:"pair"`
	UnderlyingAsset  string `json:"underlying_asset"`
	CashAsset        string `json:"cash_asset"`
	Enabled          bool   `json:"enabled"`
	MinDuration      int64  `json:"min_duration_seconds"`
	MaxDuration      int64  `json:"max_duration_seconds"`
	MinPutStrikeBPS  int64  `json:"min_put_strike_bps"`
	MinCallStrikeBPS int64  `json:"min_call_strike_bps"`
	MaxCallStrikeBPS int64  `json:"max_call_strike_bps"`
	MinLTVBPS        int64  `json:"min_ltv_bps"`
	MaxLTVBPS        int64  `json:"max_ltv_bps"`
}

// ProtocolState is a single-row table carrying the global pause flag.
type ProtocolState struct {
	gorm.Model `json:"-"`
	Paused     bool `json:"paused"`
}

// Service reads and administers protocol configuration.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// RequireActive returns the pair configuration, failing closed when the
// protocol is paused or the pair is unknown or disabled.
func (s *Service) RequireActive(pair string) (*AssetPair, error) {
	var state ProtocolState
	err := s.db.First(&state).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: failed to read protocol state: %w", core.ErrDependency, err)
	}
	if state.Paused {
		return nil, fmt.Errorf("%w: %w", core.ErrDependency, core.ErrPaused)
	}

	var cfg AssetPair
	err = s.db.Where("pair = ?", pair).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: pair %s is not configured", core.ErrDependency, pair)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read pair config: %w", core.ErrDependency, err)
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: pair %s is disabled", core.ErrDependency, pair)
	}
	return &cfg, nil
}

// CheckStrikes validates offer strikes against the pair's configured bounds.
func (cfg *AssetPair) CheckStrikes(putBPS, callBPS int64) error {
	if putBPS <= 0 || putBPS >= core.BPSBase {
		return fmt.Errorf("%w: put strike %d bps must be in (0, %d)", core.ErrValidation, putBPS, core.BPSBase)
	}
	if callBPS <= core.BPSBase {
		return fmt.Errorf("%w: call strike %d bps must exceed %d", core.ErrValidation, callBPS, core.BPSBase)
	}
	if putBPS < cfg.MinPutStrikeBPS {
		return fmt.Errorf("%w: put strike %d below pair minimum %d", core.ErrValidation, putBPS, cfg.MinPutStrikeBPS)
	}
	if callBPS < cfg.MinCallStrikeBPS || callBPS > cfg.MaxCallStrikeBPS {
		return fmt.Errorf("%w: call strike %d outside pair bounds [%d, %d]",
			core.ErrValidation, callBPS, cfg.MinCallStrikeBPS, cfg.MaxCallStrikeBPS)
	}
	return nil
}

// CheckDuration validates a duration in seconds against the pair's bounds.
func (cfg *AssetPair) CheckDuration(seconds int64) error {
	if seconds < cfg.MinDuration || seconds > cfg.MaxDuration {
		return fmt.Errorf("%w: duration %ds outside pair bounds [%ds, %ds]",
			core.ErrValidation, seconds, cfg.MinDuration, cfg.MaxDuration)
	}
	return nil
}

// CheckLTV validates a loan-to-value fraction in bps against the pair's bounds.
func (cfg *AssetPair) CheckLTV(ltvBPS int64) error {
	if ltvBPS < cfg.MinLTVBPS || ltvBPS > cfg.MaxLTVBPS {
		return fmt.Errorf("%w: ltv %d bps outside pair bounds [%d, %d]",
			core.ErrValidation, ltvBPS, cfg.MinLTVBPS, cfg.MaxLTVBPS)
	}
	return nil
}

// UpsertPair creates or replaces a pair configuration.
func (s *Service) UpsertPair(cfg *AssetPair) error {
	if cfg.Pair == "" || cfg.UnderlyingAsset == "" || cfg.CashAsset == "" {
		return fmt.Errorf("%w: pair, underlying and cash assets are required", core.ErrValidation)
	}
	if cfg.MinDuration <= 0 || cfg.MaxDuration < cfg.MinDuration {
		return fmt.Errorf("%w: invalid duration bounds", core.ErrValidation)
	}

	var existing AssetPair
	err := s.db.Where("pair = ?", cfg.Pair).First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if err := s.db.Create(cfg).Error; err != nil {
			return fmt.Errorf("failed to create pair config: %w", err)
		}
		log.Info().Str("service", "registry").Str("pair", cfg.Pair).Msg("pair configured")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read pair config: %w", err)
	}

	cfg.ID = existing.ID
	cfg.CreatedAt = existing.CreatedAt
	if err := s.db.Save(cfg).Error; err != nil {
		return fmt.Errorf("failed to update pair config: %w", err)
	}
	log.Info().Str("service", "registry").Str("pair", cfg.Pair).Msg("pair config updated")
	return nil
}

// SetPaused flips the global pause flag.
func (s *Service) SetPaused(paused bool) error {
	var state ProtocolState
	err := s.db.First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		state = ProtocolState{Paused: paused}
		return s.db.Create(&state).Error
	}
	if err != nil {
		return fmt.Errorf("failed to read protocol state: %w", err)
	}
	state.Paused = paused
	if err := s.db.Save(&state).Error; err != nil {
		return err
	}
	log.Warn().Str("service", "registry").Bool("paused", paused).Msg("protocol pause flag changed")
	return nil
}

// ListPairs returns all configured pairs.
func (s *Service) ListPairs() ([]AssetPair, error) {
	var pairs []AssetPair
	if err := s.db.Order("pair").Find(&pairs).Error; err != nil {
		return nil, fmt.Errorf("failed to list pairs: %w", err)
	}
	return pairs, nil
}

// GinHandlers contains HTTP handlers for registry administration.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) UpsertPairHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var cfg AssetPair
		if err := c.ShouldBindJSON(&cfg); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.service.UpsertPair(&cfg)
		response.Handle(c, cfg, err)
	}
}

func (h *GinHandlers) ListPairsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		pairs, err := h.service.ListPairs()
		response.Handle(c, pairs, err)
	}
}

func (h *GinHandlers) SetPausedHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Paused *bool `json:"paused" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.service.SetPaused(*req.Paused)
		response.Handle(c, gin.H{"paused": *req.Paused}, err)
	}
}
