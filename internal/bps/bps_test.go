package bps_test

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/curvelaunch/graduation-engine/internal/bps"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestShare(t *testing.T) {
	tests := []struct {
		name   string
		amount string
		bp     int64
		want   string
	}{
		{"zero bp", "1000000", 0, "0"},
		{"full bp", "1000000", 10000, "1000000"},
		{"half", "1000000", 5000, "500000"},
		{"floor division", "9999", 1, "0"},
		{"one above floor boundary", "10000", 1, "1"},
		{"odd amount", "333333", 2500, "83333"},
		{"uint256 scale", "115792089237316195423570985008687907853269984665640564039457584007913129639935", 9000, "104212880313584575881213886507819117067942986199076507635511825607121816675941"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bps.Share(dec(tt.amount), tt.bp)
			if err != nil {
				t.Fatalf("Share(%s, %d): %v", tt.amount, tt.bp, err)
			}
			if !got.Equal(dec(tt.want)) {
				t.Errorf("Share(%s, %d) = %s, want %s", tt.amount, tt.bp, got, tt.want)
			}
		})
	}
}

func TestShare_InvalidBp(t *testing.T) {
	for _, bp := range []int64{-1, 10001, 1 << 40} {
		if _, err := bps.Share(dec("100"), bp); !errors.Is(err, bps.ErrInvalidBasisPoints) {
			t.Errorf("Share(100, %d) err = %v, want ErrInvalidBasisPoints", bp, err)
		}
	}
}

func TestShare_NegativeAmount(t *testing.T) {
	if _, err := bps.Share(dec("-1"), 100); !errors.Is(err, bps.ErrNegativeAmount) {
		t.Errorf("expected ErrNegativeAmount, got %v", err)
	}
}

func TestMinAcceptable(t *testing.T) {
	tests := []struct {
		name        string
		amount      string
		toleranceBp int64
		want        string
	}{
		{"zero tolerance", "1000000", 0, "1000000"},
		{"5 percent", "1000000", 500, "950000"},
		{"max graduation tolerance", "1000000", 1000, "900000"},
		{"floors down", "999", 500, "949"}, // 999*9500/10000 = 949.05
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bps.MinAcceptable(dec(tt.amount), tt.toleranceBp)
			if err != nil {
				t.Fatalf("MinAcceptable: %v", err)
			}
			if !got.Equal(dec(tt.want)) {
				t.Errorf("MinAcceptable(%s, %d) = %s, want %s", tt.amount, tt.toleranceBp, got, tt.want)
			}
		})
	}
}

func TestMinAcceptable_InvalidTolerance(t *testing.T) {
	if _, err := bps.MinAcceptable(dec("100"), 10001); !errors.Is(err, bps.ErrInvalidBasisPoints) {
		t.Errorf("expected ErrInvalidBasisPoints, got %v", err)
	}
}
