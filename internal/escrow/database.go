package escrow

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

// GetOffer fetches an escrow offer on the given handle (service db or tx).
func GetOffer(db *gorm.DB, offerID uint) (*types.EscrowOffer, error) {
	var offer types.EscrowOffer
	err := db.First(&offer, offerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: escrow offer %d", core.ErrNotFound, offerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch escrow offer: %w", err)
	}
	return &offer, nil
}

// GetRecord fetches an escrow record on the given handle.
func GetRecord(db *gorm.DB, escrowID uint) (*types.EscrowRecord, error) {
	var rec types.EscrowRecord
	err := db.First(&rec, escrowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: escrow record %d", core.ErrNotFound, escrowID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch escrow record: %w", err)
	}
	return &rec, nil
}

func (d *Database) ListOffersByAsset(asset string) ([]types.EscrowOffer, error) {
	var offers []types.EscrowOffer
	err := d.db.Where("asset = ? AND active = ?", asset, true).Order("id").Find(&offers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list escrow offers: %w", err)
	}
	return offers, nil
}
