// Package treasury is the internal balance ledger. Every lock, payout, fee
// and refund in the protocol is a Credit/Debit pair executed inside the
// calling operation's transaction, so a failed operation leaves balances
// byte-for-byte identical to before the attempt.
package treasury

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
	"github.com/CollarNetworks/protocol-core-sub007/internal/types"
	"github.com/CollarNetworks/protocol-core-sub007/pkg/response"
)

// Credit adds amount to (account, asset) inside tx, creating the balance row
// on first use.
func Credit(tx *gorm.DB, account, asset string, amount decimal.Decimal) error {
	if err := core.CheckAmount("amount", amount); err != nil {
		return err
	}
	var bal types.Balance
	err := tx.Where("account = ? AND asset = ?", account, asset).First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		bal = types.Balance{Account: account, Asset: asset, Amount: amount}
		return tx.Create(&bal).Error
	}
	if err != nil {
		return fmt.Errorf("failed to fetch balance: %w", err)
	}
	bal.Amount = bal.Amount.Add(amount)
	return tx.Save(&bal).Error
}

// Debit removes amount from (account, asset) inside tx. Fails with
// ErrInsufficientFunds when the balance cannot cover it.
func Debit(tx *gorm.DB, account, asset string, amount decimal.Decimal) error {
	if err := core.CheckAmount("amount", amount); err != nil {
		return err
	}
	var bal types.Balance
	err := tx.Where("account = ? AND asset = ?", account, asset).First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %w: %s has no %s balance", core.ErrPrecondition, core.ErrInsufficientFunds, account, asset)
	}
	if err != nil {
		return fmt.Errorf("failed to fetch balance: %w", err)
	}
	if bal.Amount.LessThan(amount) {
		return fmt.Errorf("%w: %w: %s has %s %s, needs %s",
			core.ErrPrecondition, core.ErrInsufficientFunds, account, bal.Amount, asset, amount)
	}
	bal.Amount = bal.Amount.Sub(amount)
	return tx.Save(&bal).Error
}

// BalanceOf returns the current balance, zero when the row does not exist.
func BalanceOf(db *gorm.DB, account, asset string) (decimal.Decimal, error) {
	var bal types.Balance
	err := db.Where("account = ? AND asset = ?", account, asset).First(&bal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to fetch balance: %w", err)
	}
	return bal.Amount, nil
}

// Service exposes deposits, withdrawals and balance queries over the ledger.
// Deposits stand in for the external custody boundary.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Deposit credits an account.
func (s *Service) Deposit(account, asset string, amount decimal.Decimal) error {
	if err := core.CheckPositive("amount", amount); err != nil {
		return err
	}
	logger := log.With().
		Str("service", "treasury").
		Str("account", account).
		Str("asset", asset).
		Logger()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		return Credit(tx, account, asset, amount)
	})
	if err != nil {
		logger.Error().Err(err).Msg("deposit failed")
		return err
	}
	logger.Info().Str("amount", amount.String()).Msg("deposit credited")
	return nil
}

// Withdraw debits an account.
func (s *Service) Withdraw(account, asset string, amount decimal.Decimal) error {
	if err := core.CheckPositive("amount", amount); err != nil {
		return err
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		return Debit(tx, account, asset, amount)
	})
}

// GetBalance returns the balance for one account and asset.
func (s *Service) GetBalance(account, asset string) (decimal.Decimal, error) {
	return BalanceOf(s.db, account, asset)
}

// GinHandlers contains HTTP handlers for treasury endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type movementRequest struct {
	Asset  string          `json:"asset" binding:"required"`
	Amount decimal.Decimal `json:"amount" binding:"required"`
}

func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account := c.GetString("clientID")
		var req movementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.service.Deposit(account, req.Asset, req.Amount)
		response.Handle(c, gin.H{"account": account, "asset": req.Asset}, err)
	}
}

func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account := c.GetString("clientID")
		var req movementRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.service.Withdraw(account, req.Asset, req.Amount)
		response.Handle(c, gin.H{"account": account, "asset": req.Asset}, err)
	}
}

func (h *GinHandlers) GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		account := c.GetString("clientID")
		asset := c.Param("asset")
		amount, err := h.service.GetBalance(account, asset)
		response.Handle(c, gin.H{"account": account, "asset": asset, "amount": amount}, err)
	}
}
