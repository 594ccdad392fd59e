package fixed

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestMulDown_RoundsTowardZero(t *testing.T) {
	got := MulDown(d("0.333333333333333333"), d("3"))
	if !got.Equal(d("0.999999999999999999")) {
		t.Errorf("expected 0.999999999999999999, got %s", got)
	}
}

func TestDivDownAndUp(t *testing.T) {
	down := DivDown(One, d("3"))
	up := DivUp(One, d("3"))
	if !down.Equal(d("0.333333333333333333")) {
		t.Errorf("DivDown: got %s", down)
	}
	if !up.Equal(d("0.333333333333333334")) {
		t.Errorf("DivUp: got %s", up)
	}
}

func TestSafeDivDown_Zero(t *testing.T) {
	if _, err := SafeDivDown(One, Zero); !errors.Is(err, ErrDivisionByZero) {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
}

func TestPow_IntegerAndFractional(t *testing.T) {
	tests := []struct {
		base, exp, want, tol string
	}{
		{"2", "10", "1024", "0"},
		{"4", "0.5", "2", "0.000000000000000001"},
		{"1000000", "0.5", "1000", "0.000000000000001"},
		{"1", "0.955", "1", "0"},
	}
	for _, tt := range tests {
		got, err := Pow(d(tt.base), d(tt.exp))
		if err != nil {
			t.Fatalf("Pow(%s, %s): %v", tt.base, tt.exp, err)
		}
		if got.Sub(d(tt.want)).Abs().GreaterThan(d(tt.tol)) {
			t.Errorf("Pow(%s, %s) = %s, want %s", tt.base, tt.exp, got, tt.want)
		}
	}
}

func TestPow_NegativeBase(t *testing.T) {
	if _, err := Pow(d("-1"), d("0.5")); !errors.Is(err, ErrNegativeBase) {
		t.Errorf("expected ErrNegativeBase, got %v", err)
	}
}

func TestPow_ZeroBase(t *testing.T) {
	got, err := Pow(Zero, d("0.5"))
	if err != nil || !got.IsZero() {
		t.Errorf("expected 0, got %s (err %v)", got, err)
	}
}

func TestClamp(t *testing.T) {
	if !Clamp(d("5"), d("0"), d("1")).Equal(One) {
		t.Error("clamp above hi")
	}
	if !Clamp(d("-5"), d("0"), d("1")).IsZero() {
		t.Error("clamp below lo")
	}
}

func TestPow_RepeatedCallsMatchDirect(t *testing.T) {
	base, exp := d("1042.5"), d("0.955")
	want, err := base.PowWithPrecision(exp, powPrecision)
	if err != nil {
		t.Fatal(err)
	}
	want = want.RoundDown(Scale)
	for i := 0; i < 3; i++ {
		got, err := Pow(base, exp)
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if !got.Equal(want) {
			t.Fatalf("call %d: got %s, want %s", i, got, want)
		}
	}
}

func TestPowKey_IgnoresTrailingZeros(t *testing.T) {
	if powKey(d("1.50"), d("0.5")) != powKey(d("1.5"), d("0.50")) {
		t.Error("equal operands must share a cache entry")
	}
	if powKey(d("1.5"), d("0.5")) == powKey(d("1.5"), d("0.05")) {
		t.Error("different exponents collided")
	}
}
