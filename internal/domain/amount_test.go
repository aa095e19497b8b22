package domain

import (
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func TestValidateAmount(t *testing.T) {
	tests := []struct {
		amount string
		want   bool
	}{
		{amount: "10", want: true},
		{amount: "15", want: true},
		{amount: "10.5", want: true},
		{amount: "100.123456789012345678", want: true},
		{amount: "9.99", want: false},
		{amount: "9.999999999999999999", want: false},
		{amount: "0.5", want: false},
		{amount: "0", want: false},
		{amount: "01", want: false},
		{amount: "010", want: false},
		{amount: "10.1234567890123456789", want: false},
		{amount: "", want: false},
		{amount: "10.", want: false},
		{amount: ".5", want: false},
		{amount: "-10", want: false},
		{amount: "1e3", want: false},
		{amount: " 10", want: false},
		{amount: "１０", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			if got := ValidateAmount(tt.amount); got != tt.want {
				t.Fatalf("ValidateAmount(%q) = %t, want %t", tt.amount, got, tt.want)
			}
		})
	}
}

func TestParseAmountReportsReason(t *testing.T) {
	if _, err := ParseAmount("01"); !errors.Is(err, ErrAmountLeadingZero) {
		t.Fatalf("expected leading zero error, got %v", err)
	}
	if _, err := ParseAmount("9.99"); !errors.Is(err, ErrAmountBelowMinimum) {
		t.Fatalf("expected below minimum error, got %v", err)
	}
	if _, err := ParseAmount("abc"); !errors.Is(err, ErrAmountSyntax) {
		t.Fatalf("expected syntax error, got %v", err)
	}
}

func TestToBaseUnits(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		want    string
		wantErr error
	}{
		{name: "whole amount", amount: "15", want: "15000000000000000000000"},
		{name: "fractional amount", amount: "10.000000000000000001", want: "10000000000000000001000"},
		{name: "too many fraction digits", amount: "10.0000000000000000000001", wantErr: ErrAmountPrecision},
		{name: "beyond uint256", amount: "1" + strings.Repeat("0", 60), wantErr: ErrAmountOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value := decimal.RequireFromString(tt.amount)
			got, err := ToBaseUnits(value, PointsDecimals)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.String() != tt.want {
				t.Fatalf("expected %s base units, got %s", tt.want, got.String())
			}
		})
	}
}
