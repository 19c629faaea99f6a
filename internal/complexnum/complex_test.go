package complexnum

import (
	"errors"
	"math"
	"testing"
)

const tolerance = 1e-9

func approxEqual(a, b Complex) bool {
	scale := math.Max(1, math.Max(a.Norm(), b.Norm()))
	return math.Abs(a.Re-b.Re) <= tolerance*scale && math.Abs(a.Im-b.Im) <= tolerance*scale
}

var samples = []Complex{
	{Re: 0, Im: 0},
	{Re: 1.5, Im: 2.5},
	{Re: 3, Im: 4},
	{Re: -0.9, Im: 0.27015},
	{Re: -1e3, Im: 7.25},
	{Re: 0.1, Im: -0.2},
}

func TestNorm(t *testing.T) {
	c := Complex{Re: 3, Im: 4}
	if got := c.Norm(); got != 5.0 {
		t.Errorf("Norm() = %v, want 5", got)
	}
	if got := c.NormSqr(); got != 25.0 {
		t.Errorf("NormSqr() = %v, want 25", got)
	}
}

func TestAddition(t *testing.T) {
	got := Complex{Re: 1.5, Im: 2.5}.Add(Complex{Re: 3, Im: 4})
	if want := (Complex{Re: 4.5, Im: 6.5}); got != want {
		t.Errorf("Add = %+v, want %+v", got, want)
	}
}

func TestMultiplication(t *testing.T) {
	got := Complex{Re: 1, Im: 2}.Mul(Complex{Re: 3, Im: 4})
	if want := (Complex{Re: -5, Im: 10}); got != want {
		t.Errorf("Mul = %+v, want %+v", got, want)
	}
}

func TestAlgebraicProperties(t *testing.T) {
	for _, a := range samples {
		for _, b := range samples {
			if a.Add(b) != b.Add(a) {
				t.Errorf("%+v + %+v is not commutative", a, b)
			}
			if a.Mul(b) != b.Mul(a) {
				t.Errorf("%+v * %+v is not commutative", a, b)
			}
			if got := a.Add(b).Sub(b); !approxEqual(got, a) {
				t.Errorf("(%+v + %+v) - b = %+v, want %+v", a, b, got, a)
			}
		}
	}
}

func TestSquareMatchesMul(t *testing.T) {
	for _, a := range samples {
		if got, want := a.Square(), a.Mul(a); !approxEqual(got, want) {
			t.Errorf("Square(%+v) = %+v, want %+v", a, got, want)
		}
	}
}

func TestDiv(t *testing.T) {
	a := Complex{Re: -5, Im: 10}
	b := Complex{Re: 3, Im: 4}

	got, err := a.Div(b)
	if err != nil {
		t.Fatalf("Div returned error: %v", err)
	}
	if want := (Complex{Re: 1, Im: 2}); !approxEqual(got, want) {
		t.Errorf("Div = %+v, want %+v", got, want)
	}
}

func TestDivByZero(t *testing.T) {
	got, err := Complex{Re: 1, Im: 1}.Div(Complex{})
	if !errors.Is(err, ErrDivisionByZero) {
		t.Fatalf("Div by zero error = %v, want ErrDivisionByZero", err)
	}
	if got != (Complex{}) {
		t.Errorf("Div by zero value = %+v, want zero", got)
	}

	// A tiny but non-zero divisor is still a valid division.
	if _, err := (Complex{Re: 1}).Div(Complex{Im: 1e-300}); err != nil {
		t.Errorf("Div by tiny divisor returned error: %v", err)
	}
}

func TestPowiMatchesRepeatedMultiplication(t *testing.T) {
	for _, a := range samples {
		for _, n := range []int{0, 1, 2, 5, 10} {
			want := One
			for i := 0; i < n; i++ {
				want = want.Mul(a)
			}
			got, err := a.Powi(n)
			if err != nil {
				t.Fatalf("Powi(%d) error: %v", n, err)
			}
			if !approxEqual(got, want) {
				t.Errorf("Powi(%+v, %d) = %+v, want %+v", a, n, got, want)
			}
		}
	}
}

func TestPowiZeroIsIdentity(t *testing.T) {
	got, err := Complex{}.Powi(0)
	if err != nil {
		t.Fatalf("Powi(0) error: %v", err)
	}
	if got != One {
		t.Errorf("Powi(0) = %+v, want %+v", got, One)
	}
}

func TestPowiNegative(t *testing.T) {
	if _, err := (Complex{Re: 2}).Powi(-1); !errors.Is(err, ErrNegativeExponent) {
		t.Errorf("Powi(-1) error = %v, want ErrNegativeExponent", err)
	}
}

func TestSinCos(t *testing.T) {
	// sin²(z) + cos²(z) = 1 for every z.
	for _, z := range []Complex{{Re: 0.5, Im: 0.25}, {Re: -1, Im: 2}, {Re: 3, Im: 0}} {
		s, c := z.Sin(), z.Cos()
		if got := s.Square().Add(c.Square()); !approxEqual(got, One) {
			t.Errorf("sin²+cos² at %+v = %+v, want 1", z, got)
		}
	}

	if got := (Complex{Re: math.Pi / 2}).Sin(); !approxEqual(got, One) {
		t.Errorf("sin(pi/2) = %+v, want 1", got)
	}
}
