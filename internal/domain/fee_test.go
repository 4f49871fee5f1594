package domain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateFee_KnownAmounts(t *testing.T) {
	tests := []struct {
		amount string
		fee    string
		total  string
	}{
		{amount: "1", fee: "0.33", total: "1.33"},
		{amount: "10", fee: "0.59", total: "10.59"},
		{amount: "25", fee: "1.03", total: "26.03"},
		{amount: "100", fee: "3.20", total: "103.20"},
		{amount: "10000", fee: "290.30", total: "10290.30"},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			got, err := CalculateFee(decimal.RequireFromString(tt.amount), DefaultFeeSchedule())
			require.NoError(t, err)
			assert.Equal(t, tt.fee, got.Fee.StringFixed(2))
			assert.Equal(t, tt.total, got.Total.StringFixed(2))
			assert.Equal(t, "2.9", got.FeeRatePercent.String())
			assert.Equal(t, "0.30", got.FixedFee.StringFixed(2))
		})
	}
}

func TestCalculateFee_TotalIsAmountPlusFeeAcrossRange(t *testing.T) {
	schedule := DefaultFeeSchedule()
	step := decimal.RequireFromString("7.37")
	upper := decimal.NewFromInt(10000)

	for amount := decimal.NewFromInt(1); amount.LessThanOrEqual(upper); amount = amount.Add(step) {
		got, err := CalculateFee(amount, schedule)
		require.NoError(t, err)

		expectedFee := amount.Mul(schedule.Rate).Add(schedule.FixedFee).Round(2)
		if !got.Fee.Equal(expectedFee) {
			t.Fatalf("amount %s: expected fee %s, got %s", amount, expectedFee, got.Fee)
		}
		if !got.Total.Equal(amount.Add(got.Fee)) {
			t.Fatalf("amount %s: total %s != amount + fee %s", amount, got.Total, got.Fee)
		}
	}
}

func TestCalculateFee_RejectsNonPositive(t *testing.T) {
	for _, raw := range []string{"0", "-5"} {
		_, err := CalculateFee(decimal.RequireFromString(raw), DefaultFeeSchedule())
		if !errors.Is(err, ErrInvalidAmount) {
			t.Fatalf("amount %s: expected ErrInvalidAmount, got %v", raw, err)
		}
	}
}

func TestToMinorUnits(t *testing.T) {
	assert.Equal(t, int64(1059), ToMinorUnits(decimal.RequireFromString("10.59")))
	assert.Equal(t, int64(100), ToMinorUnits(decimal.NewFromInt(1)))
	assert.Equal(t, int64(1029030), ToMinorUnits(decimal.RequireFromString("10290.30")))
}
