package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// SettlementResponse reports the outcome of settling a paired position.
type SettlementResponse struct {
	PositionID     uint            `json:"position_id"`
	EndPrice       decimal.Decimal `json:"end_price"`
	TakerPayout    decimal.Decimal `json:"taker_payout"`
	ProviderPayout decimal.Decimal `json:"provider_payout"`
	Timestamp      time.Time       `json:"timestamp"`
}

// RollPreview reports the fee and net transfers a roll execution would apply.
type RollPreview struct {
	RollFee        decimal.Decimal `json:"roll_fee"`
	CurrentPrice   decimal.Decimal `json:"current_price"`
	ToTaker        decimal.Decimal `json:"to_taker"`
	ToProvider     decimal.Decimal `json:"to_provider"`
	NewTakerLocked decimal.Decimal `json:"new_taker_locked"`
}

// RollResponse reports an executed roll.
type RollResponse struct {
	OldPositionID  uint            `json:"old_position_id"`
	NewPositionID  uint            `json:"new_position_id"`
	RollFee        decimal.Decimal `json:"roll_fee"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
	ToTaker        decimal.Decimal `json:"to_taker"`
	ToProvider     decimal.Decimal `json:"to_provider"`
	Timestamp      time.Time       `json:"timestamp"`
}

// RollLoanResponse reports a loan migrated to a new position and loan record.
type RollLoanResponse struct {
	OldLoanID      uint            `json:"old_loan_id"`
	NewLoanID      uint            `json:"new_loan_id"`
	NewPositionID  uint            `json:"new_position_id"`
	LoanAmount     decimal.Decimal `json:"loan_amount"`
	NetToBorrower  decimal.Decimal `json:"net_to_borrower"`
	RollFee        decimal.Decimal `json:"roll_fee"`
	ExecutionPrice decimal.Decimal `json:"execution_price"`
	Timestamp      time.Time       `json:"timestamp"`
}

// ReleasePreview reports what an escrow release would pay at a given time.
type ReleasePreview struct {
	EscrowID       uint            `json:"escrow_id"`
	InterestRefund decimal.Decimal `json:"interest_refund"`
	LateFee        decimal.Decimal `json:"late_fee"`
	ToLoans        decimal.Decimal `json:"to_loans"`
	ToSupplier     decimal.Decimal `json:"to_supplier"`
}

// LoanResponse reports loan state to the borrower.
type LoanResponse struct {
	LoanID           uint            `json:"loan_id"`
	Borrower         string          `json:"borrower"`
	Pair             string          `json:"pair"`
	PairedPositionID uint            `json:"paired_position_id"`
	Underlying       decimal.Decimal `json:"underlying"`
	LoanAmount       decimal.Decimal `json:"loan_amount"`
	UsesEscrow       bool            `json:"uses_escrow"`
	EscrowRecordID   uint            `json:"escrow_record_id,omitempty"`
	Status           string          `json:"status"`
	Timestamp        time.Time       `json:"timestamp"`
}

// CloseLoanResponse reports the net result of closing a loan.
type CloseLoanResponse struct {
	LoanID             uint            `json:"loan_id"`
	Repaid             decimal.Decimal `json:"repaid"`
	UnderlyingReturned decimal.Decimal `json:"underlying_returned"`
	Status             string          `json:"status"`
	Timestamp          time.Time       `json:"timestamp"`
}
