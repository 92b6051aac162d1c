package loans

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/CollarNetworks/protocol-core-sub007/internal/core"
	"github.com/CollarNetworks/protocol-core-sub007/internal/types"
)

// Database wraps loan and keeper queries.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// GetLoan fetches a loan by id. Works on a transaction handle.
func GetLoan(db *gorm.DB, loanID uint) (*types.Loan, error) {
	var loan types.Loan
	err := db.First(&loan, loanID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: loan %d", core.ErrNotFound, loanID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch loan: %w", err)
	}
	return &loan, nil
}

// requireOpen fetches a loan and gates on its status. Mutating paths call
// this a second time inside their transaction: the pre-transaction read can
// go stale under a concurrent close, roll or foreclosure.
func requireOpen(db *gorm.DB, loanID uint) (*types.Loan, error) {
	loan, err := GetLoan(db, loanID)
	if err != nil {
		return nil, err
	}
	if loan.Status != types.LoanStatusOpen {
		return nil, fmt.Errorf("%w: loan %d is %s", core.ErrPrecondition, loanID, loan.Status)
	}
	return loan, nil
}

// ListLoansByBorrower returns loans originated by a borrower, newest first.
func (d *Database) ListLoansByBorrower(borrower string) ([]types.Loan, error) {
	var loans []types.Loan
	err := d.db.Where("borrower = ?", borrower).Order("id DESC").Find(&loans).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	return loans, nil
}

// isAuthorizedKeeper reports whether keeper holds an active delegation from
// borrower.
func isAuthorizedKeeper(db *gorm.DB, borrower, keeper string) (bool, error) {
	var auth types.KeeperAuthorization
	err := db.Where("borrower = ? AND keeper = ? AND active = ?", borrower, keeper, true).
		First(&auth).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check keeper authorization: %w", err)
	}
	return true, nil
}
