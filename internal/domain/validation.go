package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// AmountLimits bounds a single contribution.
type AmountLimits struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// DefaultAmountLimits is 1.00 to 10000.00.
func DefaultAmountLimits() AmountLimits {
	return AmountLimits{
		Min: decimal.RequireFromString("1.00"),
		Max: decimal.RequireFromString("10000.00"),
	}
}

// NewAmountLimits parses configured bounds. A non-numeric or inverted pair is a
// configuration mistake and is reported as an error rather than a validation result.
func NewAmountLimits(minAmount, maxAmount string) (AmountLimits, error) {
	lower, err := decimal.NewFromString(strings.TrimSpace(minAmount))
	if err != nil {
		return AmountLimits{}, fmt.Errorf("invalid minimum amount %q: %w", minAmount, err)
	}
	upper, err := decimal.NewFromString(strings.TrimSpace(maxAmount))
	if err != nil {
		return AmountLimits{}, fmt.Errorf("invalid maximum amount %q: %w", maxAmount, err)
	}
	if lower.IsNegative() || upper.LessThan(lower) {
		return AmountLimits{}, fmt.Errorf("invalid amount bounds: min=%s max=%s", lower, upper)
	}
	return AmountLimits{Min: lower, Max: upper}, nil
}

// ValidationResult is the outcome of ValidateAmount. Amount is only meaningful when Valid.
type ValidationResult struct {
	Valid        bool            `json:"valid"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Amount       decimal.Decimal `json:"-"`
}

// Err returns the sentinel for a failed result wrapped with its message, or nil.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: %s", r.ErrorKind.Err(), r.ErrorMessage)
}

func invalid(kind ErrorKind, format string, args ...any) ValidationResult {
	return ValidationResult{ErrorKind: kind, ErrorMessage: fmt.Sprintf(format, args...)}
}

// ValidateAmount checks a contribution amount in the order: parseable, minimum,
// maximum, at most two decimal places. raw may be a string, a JSON number, an
// integer, a float or a decimal.
func ValidateAmount(raw any, limits AmountLimits) ValidationResult {
	amount, ok := parseAmount(raw)
	if !ok {
		return invalid(KindInvalidAmount, "Please enter a valid amount")
	}
	if amount.LessThan(limits.Min) {
		return invalid(KindBelowMinimum, "Minimum contribution is %s", limits.Min.StringFixed(2))
	}
	if amount.GreaterThan(limits.Max) {
		return invalid(KindAboveMaximum, "Maximum contribution is %s", limits.Max.StringFixed(2))
	}
	if !amount.Equal(amount.Truncate(2)) {
		return invalid(KindTooManyDecimals, "Amount can have at most 2 decimal places")
	}
	return ValidationResult{Valid: true, Amount: amount}
}

func parseAmount(raw any) (decimal.Decimal, bool) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, true
	case *decimal.Decimal:
		if v == nil {
			return decimal.Decimal{}, false
		}
		return *v, true
	case string:
		return parseAmountString(v)
	case json.Number:
		return parseAmountString(v.String())
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat(v), true
	case float32:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromFloat32(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case int32:
		return decimal.NewFromInt32(v), true
	default:
		return decimal.Decimal{}, false
	}
}

func parseAmountString(s string) (decimal.Decimal, bool) {
	clean := strings.TrimSpace(s)
	if clean == "" {
		return decimal.Decimal{}, false
	}
	lower := strings.ToLower(clean)
	if strings.Contains(lower, "inf") || strings.Contains(lower, "nan") {
		return decimal.Decimal{}, false
	}
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Decimal{}, false
	}
	return d, true
}

// ValidateMessage enforces the contribution note length, counted in characters.
func ValidateMessage(message string) error {
	if len([]rune(message)) > MaxContributionMessageLength {
		return fmt.Errorf("%w: limit is %d characters", ErrMessageTooLong, MaxContributionMessageLength)
	}
	return nil
}

// ParseTargetAmount validates an event target: positive with at most two decimals.
func ParseTargetAmount(raw string) (decimal.Decimal, error) {
	target, ok := parseAmountString(raw)
	if !ok || !target.IsPositive() || !target.Equal(target.Truncate(2)) {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidTarget, raw)
	}
	return target, nil
}
