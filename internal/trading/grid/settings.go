package grid

import (
	"fmt"
	"strings"

	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"
)

// ValidateSettings checks a grid configuration once, at construction. An
// instance is never built from a partially valid configuration; presence
// checks do not reappear at tick time.
func ValidateSettings(creds core.Credentials, s core.GridSettings) error {
	var problems []string

	if creds.APIKey == "" || creds.APISecret == "" {
		problems = append(problems, "api credentials are required")
	}
	if s.Symbol == "" {
		problems = append(problems, "symbol is required")
	}
	if !s.Side.Valid() {
		problems = append(problems, fmt.Sprintf("position side must be LONG or SHORT, got %q", s.Side))
	}
	if !s.Spacing.IsPositive() {
		problems = append(problems, "grid price difference must be positive")
	}

	// Either the single fallback quantity, or both directional quantities
	hasFallback := s.TradeQuantity.IsPositive()
	hasDirectional := s.OpenQuantity.IsPositive() && s.CloseQuantity.IsPositive()
	if !hasFallback && !hasDirectional {
		problems = append(problems, "either a trade quantity or both open and close quantities must be set")
	}

	if s.MinPositionQty.IsPositive() && s.MaxPositionQty.IsPositive() &&
		s.MinPositionQty.GreaterThan(s.MaxPositionQty) {
		problems = append(problems, "min position quantity exceeds max position quantity")
	}
	if s.LowerLimitPrice.IsPositive() && s.UpperLimitPrice.IsPositive() &&
		s.LowerLimitPrice.GreaterThanOrEqual(s.UpperLimitPrice) {
		problems = append(problems, "lower limit price must be below upper limit price")
	}
	if s.FallPrevention.IsNegative() {
		problems = append(problems, "fall prevention coefficient must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}
