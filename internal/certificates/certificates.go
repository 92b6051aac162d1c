// Package certificates models ownership of ledger entities as transferable
// capability tokens. Authorization is always "current holder of the
// certificate for entity X", resolved at the start of each operation and
// never cached across operations.
package certificates

import (
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
	"github.com/CollarNetworks/protocol-core-sub007/internal/types"
	"github.com/CollarNetworks/protocol-core-sub007/pkg/response"
)

var serialPrefix = map[string]string{
	types.CertProviderPosition: "PPOS",
	types.CertPairedPosition:   "TPOS",
	types.CertEscrowRecord:     "ESC",
	types.CertLoan:             "LOAN",
}

// Mint creates the certificate for a freshly created entity inside the
// creating operation's transaction.
func Mint(tx *gorm.DB, kind string, refID uint, owner string) (*types.Certificate, error) {
	prefix, ok := serialPrefix[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown certificate kind %q", core.ErrValidation, kind)
	}
	cert := &types.Certificate{
		Serial: prefix + "_" + uuid.New().String(),
		Kind:   kind,
		RefID:  refID,
		Owner:  owner,
	}
	if err := tx.Create(cert).Error; err != nil {
		return nil, fmt.Errorf("failed to mint certificate: %w", err)
	}
	return cert, nil
}

// OwnerOf resolves the current holder of the certificate for an entity.
func OwnerOf(db *gorm.DB, kind string, refID uint) (string, error) {
	var cert types.Certificate
	err := db.Where("kind = ? AND ref_id = ?", kind, refID).First(&cert).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%w: no certificate for %s %d", core.ErrNotFound, kind, refID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve certificate owner: %w", err)
	}
	return cert.Owner, nil
}

// RequireOwner fails with ErrUnauthorized unless caller currently holds the
// certificate for the entity.
func RequireOwner(db *gorm.DB, kind string, refID uint, caller string) error {
	owner, err := OwnerOf(db, kind, refID)
	if err != nil {
		return err
	}
	if owner != caller {
		return fmt.Errorf("%w: %s %d is held by another account", core.ErrUnauthorized, kind, refID)
	}
	return nil
}

// Service exposes certificate transfer and lookup.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Transfer moves a certificate from its current holder to another account.
func (s *Service) Transfer(serial, from, to string) error {
	if to == "" {
		return fmt.Errorf("%w: recipient is required", core.ErrValidation)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var cert types.Certificate
		err := tx.Where("serial = ?", serial).First(&cert).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: certificate %s", core.ErrNotFound, serial)
		}
		if err != nil {
			return fmt.Errorf("failed to fetch certificate: %w", err)
		}
		if cert.Owner != from {
			return fmt.Errorf("%w: certificate %s is held by another account", core.ErrUnauthorized, serial)
		}
		cert.Owner = to
		if err := tx.Save(&cert).Error; err != nil {
			return fmt.Errorf("failed to transfer certificate: %w", err)
		}
		log.Info().
			Str("service", "certificates").
			Str("serial", serial).
			Str("to", to).
			Msg("certificate transferred")
		return nil
	})
}

// Get returns a certificate by serial.
func (s *Service) Get(serial string) (*types.Certificate, error) {
	var cert types.Certificate
	if err := s.db.Where("serial = ?", serial).First(&cert).Error; err != nil {
		return nil, err
	}
	return &cert, nil
}

// ListByOwner returns the certificates an account currently holds.
func (s *Service) ListByOwner(owner string) ([]types.Certificate, error) {
	var certs []types.Certificate
	if err := s.db.Where("owner = ?", owner).Order("id").Find(&certs).Error; err != nil {
		return nil, err
	}
	return certs, nil
}

// GinHandlers contains HTTP handlers for certificate endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

func (h *GinHandlers) TransferHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString("clientID")
		var req struct {
			Serial string `json:"serial" binding:"required"`
			To     string `json:"to" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		err := h.service.Transfer(req.Serial, caller, req.To)
		response.Handle(c, gin.H{"serial": req.Serial, "owner": req.To}, err)
	}
}

func (h *GinHandlers) ListMineHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		certs, err := h.service.ListByOwner(c.GetString("clientID"))
		response.Handle(c, certs, err)
	}
}
