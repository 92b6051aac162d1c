package provider

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
	"github.com/CollarNetworks/protocol-core-sub007/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetOffer fetches an offer by id on the given handle (service db or tx).
func GetOffer(db *gorm.DB, offerID uint) (*types.ProviderOffer, error) {
	var offer types.ProviderOffer
	err := db.First(&offer, offerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: provider offer %d", core.ErrNotFound, offerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch provider offer: %w", err)
	}
	return &offer, nil
}

// GetPosition fetches a provider position by id on the given handle.
func GetPosition(db *gorm.DB, positionID uint) (*types.ProviderPosition, error) {
	var pos types.ProviderPosition
	err := db.First(&pos, positionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: provider position %d", core.ErrNotFound, positionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch provider position: %w", err)
	}
	return &pos, nil
}

func (d *Database) ListOffersByPair(pair string) ([]types.ProviderOffer, error) {
	var offers []types.ProviderOffer
	err := d.db.Where("pair = ? AND active = ?", pair, true).Order("id").Find(&offers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list provider offers: %w", err)
	}
	return offers, nil
}

func (d *Database) ListOffersByProvider(provider string) ([]types.ProviderOffer, error) {
	var offers []types.ProviderOffer
	err := d.db.Where("provider = ?", provider).Order("id").Find(&offers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list provider offers: %w", err)
	}
	return offers, nil
}
