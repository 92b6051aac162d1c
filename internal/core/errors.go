package core

import "errors"

// Error taxonomy for ledger operations. Every failure surfaced by a service
// wraps exactly one of the category sentinels so pkg/response can map it to
// an HTTP status without inspecting message text.
var (
	// ErrValidation marks malformed or out-of-bound parameters, rejected
	// before any state is touched.
	ErrValidation = errors.New("validation failed")

	// ErrPrecondition marks a well-formed request whose ledger state does
	// not allow it (already settled, insufficient offer capital, not yet
	// expired). Also rejected before mutation.
	ErrPrecondition = errors.New("precondition failed")

	// ErrUnauthorized marks a caller that does not hold the capability for
	// the record it is trying to mutate.
	ErrUnauthorized = errors.New("not authorized")

	// ErrDependency marks an external collaborator failure (stale price,
	// swap slippage, registry refusal). The whole operation aborts with no
	// partial effect.
	ErrDependency = errors.New("external dependency failed")

	// ErrInvariant marks an internal accounting violation. Operations that
	// detect one must abort; nothing may be committed on this path.
	ErrInvariant = errors.New("invariant violated")
)

// Specific failures, each wrapped around its category sentinel at the call
// site via fmt.Errorf("%w: %w", ...) or pre-joined here.
var (
	ErrNotFound          = errors.New("record not found")
	ErrStalePrice        = errors.New("price feed stale or unavailable")
	ErrOfferConsumed     = errors.New("offer already consumed or cancelled")
	ErrAlreadySettled    = errors.New("position already settled")
	ErrAlreadyReleased   = errors.New("escrow already released")
	ErrNotExpired        = errors.New("not yet expired")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrSlippage          = errors.New("slippage bound not met")
	ErrPaused            = errors.New("protocol paused")
)
