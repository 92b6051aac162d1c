package database

import (
	"os"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/CollarNetworks/protocol-core-sub007/internal/auth"
	"github.com/CollarNetworks/protocol-core-sub007/internal/oracle"
	"github.com/CollarNetworks/protocol-core-sub007/internal/registry"
	"github.com/CollarNetworks/protocol-core-sub007/internal/types"
)

// NewDatabase initializes and returns a new GORM DB connection. The database
// path comes from DATABASE_PATH, defaulting to a local file.
func NewDatabase() (*gorm.DB, error) {
	path := os.Getenv("DATABASE_PATH")
	if path == "" {
		path = "protocol.db"
	}
	return Open(path)
}

// Open opens the database at path and migrates the schema.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate auto-migrates every ledger entity.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.ProviderOffer{},
		&types.ProviderPosition{},
		&types.PairedPosition{},
		&types.RollOffer{},
		&types.EscrowOffer{},
		&types.EscrowRecord{},
		&types.Loan{},
		&types.KeeperAuthorization{},
		&types.Certificate{},
		&types.Balance{},
		&registry.AssetPair{},
		&registry.ProtocolState{},
		&oracle.PriceObservation{},
		&auth.Account{},
	)
}
