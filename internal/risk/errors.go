package risk

import (
	"errors"
	"fmt"
)

// Code classifies every rejection the engine and the market tokens can
// produce. Codes are stable: the HTTP layer and the operation log persist
// them by name.
type Code int

const (
	CodeUnknown Code = iota

	// Configuration errors: admin/caller mistakes, never retried.
	CodeInvalidParameter
	CodeAlreadyListed
	CodeMarketNotListed

	// Solvency errors: business-rule rejections, caller adjusts and retries.
	CodeInsufficientLiquidity
	CodeBorrowerHealthy
	CodeTooMuchRepay

	// Resource errors: requested value exceeds available liquidity.
	CodeInsufficientCash

	// Arithmetic errors: fatal abort of the current operation.
	CodeRepayExceedsDebt
	CodeZeroPrice

	// Authorization errors: protocol-invariant violation, always fatal.
	CodeUnauthorized
)

func (c Code) String() string {
	switch c {
	case CodeInvalidParameter:
		return "InvalidParameter"
	case CodeAlreadyListed:
		return "AlreadyListed"
	case CodeMarketNotListed:
		return "MarketNotListed"
	case CodeInsufficientLiquidity:
		return "InsufficientLiquidity"
	case CodeBorrowerHealthy:
		return "BorrowerHealthy"
	case CodeTooMuchRepay:
		return "TooMuchRepay"
	case CodeInsufficientCash:
		return "InsufficientCash"
	case CodeRepayExceedsDebt:
		return "RepayExceedsDebt"
	case CodeZeroPrice:
		return "ZeroPrice"
	case CodeUnauthorized:
		return "Unauthorized"
	default:
		return "Unknown"
	}
}

// Error is the structured rejection carried out of every gated operation:
// a code, the operation that rejected, and free-form detail.
type Error struct {
	Code   Code
	Op     string
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Detail)
}

// Errf builds a structured rejection with printf-style detail.
func Errf(code Code, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the rejection code from an error chain, or CodeUnknown.
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return CodeUnknown
}

// Is lets errors.Is match on bare codes via risk.Coded(code).
func (e *Error) Is(target error) bool {
	var re *Error
	if errors.As(target, &re) {
		return re.Code == e.Code && (re.Op == "" || re.Op == e.Op)
	}
	return false
}

// Coded returns a matcher error for errors.Is comparisons against a code.
func Coded(code Code) error {
	return &Error{Code: code}
}
