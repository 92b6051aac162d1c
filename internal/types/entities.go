package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Entities are stored append-only: records are never deleted, terminal state
// is a flag. The auto-increment primary key is the public identifier for
// every entity and is monotonically increasing.

// Model is the gorm base with the primary key exposed as the public id.
type Model struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// ProviderOffer is standing provider capital offered for paired positions.
type ProviderOffer struct {
	Model
	Provider      string          `json:"provider"`
	Pair          string          `json:"pair"`
	PutStrikeBPS  int64           `json:"put_strike_bps"`
	CallStrikeBPS int64           `json:"call_strike_bps"`
	Duration      int64           `json:"duration_seconds"`
	Available     decimal.Decimal `json:"available"`
	MinTake       decimal.Decimal `json:"min_take"`
	Active        bool            `json:"active"`
}

// ProviderPosition is provider capital locked against one paired position.
// Mutated exactly once at settlement; withdrawable drains to zero afterwards.
type ProviderPosition struct {
	Model
	OfferID          uint            `json:"offer_id"`
	PairedPositionID uint            `json:"paired_position_id"`
	Pair             string          `json:"pair"`
	CashAsset        string          `json:"cash_asset"`
	Expiration       time.Time       `json:"expiration"`
	ProviderLocked   decimal.Decimal `json:"provider_locked"`
	Settled          bool            `json:"settled"`
	Withdrawable     decimal.Decimal `json:"withdrawable"`
	RolledTo         uint            `json:"rolled_to,omitempty"`
}

// PairedPosition is the taker side of a collar pair.
type PairedPosition struct {
	Model
	ProviderPositionID uint            `json:"provider_position_id"`
	Pair               string          `json:"pair"`
	CashAsset          string          `json:"cash_asset"`
	StartPrice         decimal.Decimal `json:"start_price"`
	PutStrikeBPS       int64           `json:"put_strike_bps"`
	CallStrikeBPS      int64           `json:"call_strike_bps"`
	TakerLocked        decimal.Decimal `json:"taker_locked"`
	Expiration         time.Time       `json:"expiration"`
	Settled            bool            `json:"settled"`
	SettlementPrice    decimal.Decimal `json:"settlement_price,omitempty"`
	Withdrawable       decimal.Decimal `json:"withdrawable"`
	RolledTo           uint            `json:"rolled_to,omitempty"`
}

// RollOffer is a provider's standing offer to migrate one paired position to
// new terms. Consumed at most once.
type RollOffer struct {
	Model
	PositionID        uint            `json:"position_id"`
	ProviderOfferID   uint            `json:"provider_offer_id"`
	FeeAmount         decimal.Decimal `json:"fee_amount"`
	FeeDeltaFactorBPS int64           `json:"fee_delta_factor_bps"`
	ReferencePrice    decimal.Decimal `json:"reference_price"`
	MinPrice          decimal.Decimal `json:"min_price"`
	MaxPrice          decimal.Decimal `json:"max_price"`
	Deadline          time.Time       `json:"deadline"`
	MinToProvider     decimal.Decimal `json:"min_to_provider"`
	Active            bool            `json:"active"`
	Executed          bool            `json:"executed"`
}

// EscrowOffer is standing supplier collateral offered to back loans.
type EscrowOffer struct {
	Model
	Supplier       string          `json:"supplier"`
	Asset          string          `json:"asset"`
	Available      decimal.Decimal `json:"available"`
	Duration       int64           `json:"duration_seconds"`
	InterestAPRBPS int64           `json:"interest_apr_bps"`
	MaxGracePeriod int64           `json:"max_grace_period_seconds"`
	LateFeeAPRBPS  int64           `json:"late_fee_apr_bps"`
	MinEscrow      decimal.Decimal `json:"min_escrow"`
	Active         bool            `json:"active"`
}

// EscrowRecord is supplier collateral escrowed behind one loan, with the
// interest fee and late-fee reservation prepaid and held by the ledger.
type EscrowRecord struct {
	Model
	OfferID         uint            `json:"offer_id"`
	LoanID          uint            `json:"loan_id"`
	Asset           string          `json:"asset"`
	StartedAt       time.Time       `json:"started_at"`
	Expiration      time.Time       `json:"expiration"`
	Duration        int64           `json:"duration_seconds"`
	GracePeriod     int64           `json:"grace_period_seconds"`
	InterestAPRBPS  int64           `json:"interest_apr_bps"`
	LateFeeAPRBPS   int64           `json:"late_fee_apr_bps"`
	Escrowed        decimal.Decimal `json:"escrowed"`
	InterestFeeHeld decimal.Decimal `json:"interest_fee_held"`
	LateFeeReserved decimal.Decimal `json:"late_fee_reserved"`
	Released        bool            `json:"released"`
	Seized          bool            `json:"seized"`
	Withdrawable    decimal.Decimal `json:"withdrawable"`
}

// Loan statuses.
const (
	LoanStatusOpen       = "OPEN"
	LoanStatusRolled     = "ROLLED"
	LoanStatusClosed     = "CLOSED"
	LoanStatusForeclosed = "FORECLOSED"
)

// Loan binds one paired position to an optional escrow record and tracks the
// externally visible loan amount. A roll supersedes a loan with a new record
// rather than mutating it.
type Loan struct {
	Model
	Borrower         string          `json:"borrower"`
	Pair             string          `json:"pair"`
	UnderlyingAsset  string          `json:"underlying_asset"`
	CashAsset        string          `json:"cash_asset"`
	PairedPositionID uint            `json:"paired_position_id"`
	Underlying       decimal.Decimal `json:"underlying"`
	LoanAmount       decimal.Decimal `json:"loan_amount"`
	UsesEscrow       bool            `json:"uses_escrow"`
	EscrowRecordID   uint            `json:"escrow_record_id,omitempty"`
	Status           string          `json:"status"`
	RolledTo         uint            `json:"rolled_to,omitempty"`
}

// KeeperAuthorization lets a borrower delegate close/settlement triggering to
// a keeper address. Proceeds always go to the borrower.
type KeeperAuthorization struct {
	Model
	Borrower string `gorm:"index" json:"borrower"`
	Keeper   string `json:"keeper"`
	Active   bool   `json:"active"`
}

// Certificate kinds.
const (
	CertProviderPosition = "PROVIDER_POSITION"
	CertPairedPosition   = "PAIRED_POSITION"
	CertEscrowRecord     = "ESCROW_RECORD"
	CertLoan             = "LOAN"
)

// Certificate is the transferable ownership token for a ledger entity.
// Authorization always resolves the current holder, never a cached owner.
type Certificate struct {
	Model
	Serial string `gorm:"uniqueIndex" json:"serial"`
	Kind   string `gorm:"index:idx_cert_ref" json:"kind"`
	RefID  uint   `gorm:"index:idx_cert_ref" json:"ref_id"`
	Owner  string `json:"owner"`
}

// Balance is a treasury account balance for one asset.
type Balance struct {
	Model
	Account string          `gorm:"uniqueIndex:idx_account_asset" json:"account"`
	Asset   string          `gorm:"uniqueIndex:idx_account_asset" json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
}
