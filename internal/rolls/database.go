package rolls

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
	"github.com/CollarNetworks/protocol-core-sub007/internal/types"
)

// Database wraps roll offer queries.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetOffer fetches a roll offer by id. Works on a transaction handle.
func GetOffer(db *gorm.DB, offerID uint) (*types.RollOffer, error) {
	var offer types.RollOffer
	err := db.First(&offer, offerID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: roll offer %d", core.ErrNotFound, offerID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch roll offer: %w", err)
	}
	return &offer, nil
}

// ListOffersByPosition returns active, unexecuted offers for a position.
func (d *Database) ListOffersByPosition(positionID uint) ([]types.RollOffer, error) {
	var offers []types.RollOffer
	err := d.db.Where("position_id = ? AND active = ? AND executed = ?", positionID, true, false).
		Order("id").Find(&offers).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list roll offers: %w", err)
	}
	return offers, nil
}
