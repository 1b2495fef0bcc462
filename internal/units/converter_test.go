package units_test

import (
	"testing"

	"github.com/umemepay/prepaid-billing/internal/units"
)

func TestAmountToUnits_ExactMultiple(t *testing.T) {
	c := units.NewConverter(25.0)

	got := c.AmountToUnits(125.0)
	if got != 5.0 {
		t.Errorf("Expected 5.00 units for amount 125, got %f", got)
	}

	if rem := c.Remainder(125.0); rem != 0 {
		t.Errorf("Expected zero remainder for exact multiple, got %f", rem)
	}
}

func TestAmountToUnits_FractionalUnits(t *testing.T) {
	c := units.NewConverter(25.0)

	got := c.AmountToUnits(110.0)
	if got != 4.4 {
		t.Errorf("Expected 4.40 units for amount 110, got %f", got)
	}

	if rem := c.Remainder(110.0); rem != 10.0 {
		t.Errorf("Expected remainder 10.00 for amount 110, got %f", rem)
	}
}

func TestAmountToUnits_NonPositiveAmounts(t *testing.T) {
	c := units.NewConverter(25.0)

	if got := c.AmountToUnits(0); got != 0 {
		t.Errorf("Expected 0 units for zero amount, got %f", got)
	}
	if got := c.AmountToUnits(-50); got != 0 {
		t.Errorf("Expected 0 units for negative amount, got %f", got)
	}
	if got := c.Remainder(-50); got != 0 {
		t.Errorf("Expected 0 remainder for negative amount, got %f", got)
	}
}

func TestAmountToUnits_Monotonic(t *testing.T) {
	c := units.NewConverter(25.0)

	prev := 0.0
	for amount := 5.0; amount <= 500.0; amount += 5.0 {
		got := c.AmountToUnits(amount)
		if got < prev {
			t.Fatalf("Units decreased as amount grew: amount=%f units=%f prev=%f", amount, got, prev)
		}
		prev = got
	}
}

func TestNewConverter_RejectsNonPositivePrice(t *testing.T) {
	c := units.NewConverter(0)
	if c.PricePerUnit() != 1 {
		t.Errorf("Expected fallback price 1 for zero input, got %f", c.PricePerUnit())
	}

	c = units.NewConverter(-3)
	if c.PricePerUnit() != 1 {
		t.Errorf("Expected fallback price 1 for negative input, got %f", c.PricePerUnit())
	}
}

func TestRound2(t *testing.T) {
	cases := []struct {
		in   float64
		want float64
	}{
		{1.005, 1.0}, // 1.005 is stored as 1.00499...; rounds down
		{4.444, 4.44},
		{4.445, 4.45},
		{0.1 + 0.2, 0.3},
		{-2.5, -2.5},
	}

	for _, tc := range cases {
		if got := units.Round2(tc.in); got != tc.want {
			t.Errorf("Round2(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
