package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrorKind names a failure category shared by the validator, the ledger and the API layer.
type ErrorKind string

const (
	KindInvalidAmount                ErrorKind = "InvalidAmount"
	KindBelowMinimum                 ErrorKind = "BelowMinimum"
	KindAboveMaximum                 ErrorKind = "AboveMaximum"
	KindTooManyDecimals              ErrorKind = "TooManyDecimals"
	KindDuplicateReference           ErrorKind = "DuplicateReference"
	KindNotFound                     ErrorKind = "NotFound"
	KindAlreadyApplied               ErrorKind = "AlreadyApplied"
	KindFundingCapExceeded           ErrorKind = "FundingCapExceeded"
	KindIllegalTransition            ErrorKind = "IllegalTransition"
	KindRefundNotAllowedAfterFunding ErrorKind = "RefundNotAllowedAfterFunding"
	KindInvalidState                 ErrorKind = "InvalidState"
	KindUnknownPaymentReference      ErrorKind = "UnknownPaymentReference"
)

var (
	ErrInvalidAmount                = errors.New("amount is not a valid number")
	ErrBelowMinimum                 = errors.New("amount is below the minimum contribution")
	ErrAboveMaximum                 = errors.New("amount is above the maximum contribution")
	ErrTooManyDecimals              = errors.New("amount has more than two decimal places")
	ErrDuplicateReference           = errors.New("payment reference already has an active contribution")
	ErrNotFound                     = errors.New("no pending contribution for payment reference")
	ErrAlreadyApplied               = errors.New("contribution already applied")
	ErrFundingCapExceeded           = errors.New("contribution would exceed the event target")
	ErrIllegalTransition            = errors.New("illegal event status transition")
	ErrRefundNotAllowedAfterFunding = errors.New("refund not allowed after event is funded")
	ErrInvalidState                 = errors.New("contribution is not in a valid state for this operation")
	ErrUnknownPaymentReference      = errors.New("unknown payment reference")

	ErrEventNotFound           = errors.New("event not found")
	ErrContributionNotFound    = errors.New("contribution not found")
	ErrEventNotAccepting       = errors.New("event is not accepting contributions")
	ErrMessageTooLong          = errors.New("contribution message is too long")
	ErrInvalidTarget           = errors.New("target amount must be positive with at most two decimal places")
	ErrInvalidDeadline         = errors.New("deadline must be in the future")
	ErrForbidden               = errors.New("not allowed to act on this resource")
	ErrRateLimited             = errors.New("too many requests")
	ErrPaymentProcessorFailure = errors.New("payment processor request failed")
)

var kindErrors = map[ErrorKind]error{
	KindInvalidAmount:                ErrInvalidAmount,
	KindBelowMinimum:                 ErrBelowMinimum,
	KindAboveMaximum:                 ErrAboveMaximum,
	KindTooManyDecimals:              ErrTooManyDecimals,
	KindDuplicateReference:           ErrDuplicateReference,
	KindNotFound:                     ErrNotFound,
	KindAlreadyApplied:               ErrAlreadyApplied,
	KindFundingCapExceeded:           ErrFundingCapExceeded,
	KindIllegalTransition:            ErrIllegalTransition,
	KindRefundNotAllowedAfterFunding: ErrRefundNotAllowedAfterFunding,
	KindInvalidState:                 ErrInvalidState,
	KindUnknownPaymentReference:      ErrUnknownPaymentReference,
}

// Err returns the sentinel error for the kind, or nil for an unknown kind.
func (k ErrorKind) Err() error {
	return kindErrors[k]
}

// KindOf maps err to its ErrorKind. The boolean is false for errors outside the catalogue.
func KindOf(err error) (ErrorKind, bool) {
	if err == nil {
		return "", false
	}
	for kind, sentinel := range kindErrors {
		if errors.Is(err, sentinel) {
			return kind, true
		}
	}
	return "", false
}

// FundingCapError is returned when applying a contribution would overshoot the target.
// Remaining is the amount the caller may re-offer instead.
type FundingCapError struct {
	Remaining decimal.Decimal
}

func (e *FundingCapError) Error() string {
	return fmt.Sprintf("%s: remaining amount is %s", ErrFundingCapExceeded.Error(), e.Remaining.StringFixed(2))
}

func (e *FundingCapError) Is(target error) bool {
	return target == ErrFundingCapExceeded
}

// TransitionError describes a rejected status change.
type TransitionError struct {
	From EventStatus
	To   EventStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrIllegalTransition.Error(), e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
