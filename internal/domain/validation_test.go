package domain

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAmount(t *testing.T) {
	limits := DefaultAmountLimits()

	tests := []struct {
		name string
		raw  any
		kind ErrorKind
	}{
		{name: "plain string", raw: "25.50"},
		{name: "json number", raw: json.Number("10")},
		{name: "integer", raw: 42},
		{name: "minimum is inclusive", raw: "1.00"},
		{name: "maximum is inclusive", raw: 10000.0},
		{name: "trailing zeros are not extra decimals", raw: "10.500"},
		{name: "empty string", raw: "  ", kind: KindInvalidAmount},
		{name: "letters", raw: "ten", kind: KindInvalidAmount},
		{name: "nil", raw: nil, kind: KindInvalidAmount},
		{name: "NaN", raw: math.NaN(), kind: KindInvalidAmount},
		{name: "infinity", raw: math.Inf(1), kind: KindInvalidAmount},
		{name: "infinity string", raw: "Infinity", kind: KindInvalidAmount},
		{name: "bool", raw: true, kind: KindInvalidAmount},
		{name: "just below minimum", raw: 0.999, kind: KindBelowMinimum},
		{name: "zero", raw: "0", kind: KindBelowMinimum},
		{name: "negative", raw: "-3", kind: KindBelowMinimum},
		{name: "just above maximum", raw: 10000.01, kind: KindAboveMaximum},
		{name: "three decimals", raw: 10.555, kind: KindTooManyDecimals},
		{name: "three decimals string", raw: "2.001", kind: KindTooManyDecimals},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateAmount(tt.raw, limits)
			if tt.kind == "" {
				require.True(t, result.Valid, "expected valid, got %s: %s", result.ErrorKind, result.ErrorMessage)
				assert.NoError(t, result.Err())
				return
			}
			require.False(t, result.Valid)
			assert.Equal(t, tt.kind, result.ErrorKind)
			assert.NotEmpty(t, result.ErrorMessage)
			assert.True(t, errors.Is(result.Err(), tt.kind.Err()))
		})
	}
}

func TestValidateAmount_BelowMinimumCheckedBeforeDecimals(t *testing.T) {
	result := ValidateAmount("0.001", DefaultAmountLimits())
	assert.Equal(t, KindBelowMinimum, result.ErrorKind)
}

func TestValidateAmount_ReturnsParsedAmount(t *testing.T) {
	result := ValidateAmount(" 12.34 ", DefaultAmountLimits())
	require.True(t, result.Valid)
	assert.True(t, result.Amount.Equal(decimal.RequireFromString("12.34")))
}

func TestNewAmountLimits(t *testing.T) {
	limits, err := NewAmountLimits("5", "500.00")
	require.NoError(t, err)
	assert.Equal(t, "5.00", limits.Min.StringFixed(2))

	_, err = NewAmountLimits("five", "500")
	assert.Error(t, err)

	_, err = NewAmountLimits("50", "10")
	assert.Error(t, err)
}

func TestValidateMessage(t *testing.T) {
	assert.NoError(t, ValidateMessage(""))
	assert.NoError(t, ValidateMessage(strings.Repeat("é", MaxContributionMessageLength)))
	assert.ErrorIs(t, ValidateMessage(strings.Repeat("a", MaxContributionMessageLength+1)), ErrMessageTooLong)
}

func TestParseTargetAmount(t *testing.T) {
	target, err := ParseTargetAmount("250.00")
	require.NoError(t, err)
	assert.Equal(t, "250.00", target.StringFixed(2))

	for _, raw := range []string{"", "0", "-1", "1.234", "abc"} {
		_, err := ParseTargetAmount(raw)
		assert.ErrorIs(t, err, ErrInvalidTarget, raw)
	}
}

func TestKindOf(t *testing.T) {
	kind, ok := KindOf(&FundingCapError{Remaining: decimal.NewFromInt(10)})
	require.True(t, ok)
	assert.Equal(t, KindFundingCapExceeded, kind)

	kind, ok = KindOf(&TransitionError{From: EventStatusActive, To: EventStatusInvested})
	require.True(t, ok)
	assert.Equal(t, KindIllegalTransition, kind)

	_, ok = KindOf(errors.New("boom"))
	assert.False(t, ok)
}
