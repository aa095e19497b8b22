package domain

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// MaxAmountFractionDigits bounds the fractional part a client may submit.
	MaxAmountFractionDigits = 18
	// PointsDecimals is the number of fractional digits declared by the points contract.
	PointsDecimals int32 = 21
)

// MinimumMintAmount is the smallest amount a single request may mint.
var MinimumMintAmount = decimal.NewFromInt(10)

var (
	ErrAmountSyntax       = errors.New("amount is not a non-negative decimal with at most 18 fractional digits")
	ErrAmountLeadingZero  = errors.New("amount has a leading zero")
	ErrAmountBelowMinimum = errors.New("amount is below the minimum mint amount")
	ErrAmountPrecision    = errors.New("amount cannot be represented in base units without precision loss")
	ErrAmountOverflow     = errors.New("amount exceeds the uint256 range")
)

var amountPattern = regexp.MustCompile(`^[0-9]+(\.[0-9]{1,18})?$`)

// ParseAmount applies the amount grammar and the minimum threshold and returns the exact value.
func ParseAmount(raw string) (decimal.Decimal, error) {
	if !amountPattern.MatchString(raw) {
		return decimal.Zero, ErrAmountSyntax
	}
	if len(raw) > 1 && raw[0] == '0' && raw[1] >= '0' && raw[1] <= '9' {
		return decimal.Zero, ErrAmountLeadingZero
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrAmountSyntax, err)
	}
	if value.LessThan(MinimumMintAmount) {
		return decimal.Zero, ErrAmountBelowMinimum
	}
	return value, nil
}

// ValidateAmount reports whether raw is an acceptable mint amount.
func ValidateAmount(raw string) bool {
	_, err := ParseAmount(raw)
	return err == nil
}

// ToBaseUnits converts an amount to the contract's fixed-point integer representation.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, ErrAmountSyntax
	}
	shifted := amount.Shift(decimals)
	if !shifted.IsInteger() {
		return nil, ErrAmountPrecision
	}
	units := shifted.BigInt()
	if _, overflow := uint256.FromBig(units); overflow {
		return nil, ErrAmountOverflow
	}
	return units, nil
}
