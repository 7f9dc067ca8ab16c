package apperrors

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Standardized Exchange Errors
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrOrderNotFound         = errors.New("order not found")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")

	// ErrPositionDesync marks a close rejected because the exchange no longer
	// holds the position (closed out-of-band). Callers reset local state
	// instead of retrying.
	ErrPositionDesync = errors.New("position desync")
)

// Runtime errors
var (
	ErrInvalidConfig      = errors.New("invalid strategy configuration")
	ErrInstanceNotFound   = errors.New("strategy instance not found")
	ErrOperationInFlight  = errors.New("order operation already in flight")
	ErrNotInitialized     = errors.New("strategy not initialized")
	ErrInsufficientKlines = errors.New("insufficient kline history")
)

// InfeasibleError reports that no optimizer candidate satisfied the
// constraints, with enough market context for the caller to act on.
type InfeasibleError struct {
	Support    decimal.Decimal
	Resistance decimal.Decimal
	Volatility decimal.Decimal
	Capital    decimal.Decimal
}

func (e *InfeasibleError) Error() string {
	return fmt.Sprintf(
		"no feasible grid configuration: expected price range %s - %s, volatility %s%%, capital %s too small for current market conditions",
		e.Support.StringFixed(4), e.Resistance.StringFixed(4),
		e.Volatility.Mul(decimal.NewFromInt(100)).StringFixed(2), e.Capital.StringFixed(2),
	)
}

// IsInfeasible reports whether err is an optimizer infeasibility
func IsInfeasible(err error) bool {
	var ie *InfeasibleError
	return errors.As(err, &ie)
}
