package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FeeSchedule holds the card processing fee parameters.
type FeeSchedule struct {
	Rate     decimal.Decimal // fraction of the amount, e.g. 0.029
	FixedFee decimal.Decimal // flat fee per charge, e.g. 0.30
}

// DefaultFeeSchedule is 2.9% + 0.30.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		Rate:     decimal.RequireFromString("0.029"),
		FixedFee: decimal.RequireFromString("0.30"),
	}
}

// FeeBreakdown is the result of a fee calculation. The contributor is charged Total
// so that the full Amount reaches the event.
type FeeBreakdown struct {
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Total          decimal.Decimal `json:"total"`
	FeeRatePercent decimal.Decimal `json:"fee_rate_percent"`
	FixedFee       decimal.Decimal `json:"fixed_fee"`
}

// CalculateFee computes fee = round(amount*rate + fixed, 2) and total = amount + fee.
// Monetary fields are rounded half-up to cents.
func CalculateFee(amount decimal.Decimal, schedule FeeSchedule) (FeeBreakdown, error) {
	if !amount.IsPositive() {
		return FeeBreakdown{}, fmt.Errorf("%w: fee requires a positive amount, got %s", ErrInvalidAmount, amount.String())
	}

	rounded := amount.Round(2)
	fee := amount.Mul(schedule.Rate).Add(schedule.FixedFee).Round(2)

	return FeeBreakdown{
		Amount:         rounded,
		Fee:            fee,
		Total:          rounded.Add(fee),
		FeeRatePercent: schedule.Rate.Mul(decimal.NewFromInt(100)),
		FixedFee:       schedule.FixedFee.Round(2),
	}, nil
}

// ToMinorUnits converts a two-decimal amount to cents for the payment processor.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Round(2).Shift(2).IntPart()
}
