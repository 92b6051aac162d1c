package position

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

func (d *Database) GetPosition(positionID uint) (*types.PairedPosition, error) {
	return getPosition(d.db, positionID)
}

func getPosition(db *gorm.DB, positionID uint) (*types.PairedPosition, error) {
	var pos types.PairedPosition
	err := db.First(&pos, positionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: paired position %d", core.ErrNotFound, positionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch paired position: %w", err)
	}
	return &pos, nil
}

// GetPositionTx exposes the tx-scoped lookup to sibling ledgers.
func GetPositionTx(tx *gorm.DB, positionID uint) (*types.PairedPosition, error) {
	return getPosition(tx, positionID)
}
