// Package complexnum is a small value type for complex arithmetic.
//
// Values are plain structs so they can travel on the wire as
// {"re": ..., "im": ...} and be copied freely on the escape-time hot path.
package complexnum

import (
	"errors"
	"math"
)

var (
	// ErrDivisionByZero is returned by Div when the divisor is exactly (0,0).
	ErrDivisionByZero = errors.New("complex division by zero")

	// ErrNegativeExponent is returned by Powi for exp < 0.
	ErrNegativeExponent = errors.New("negative exponent not supported")
)

// Complex is an immutable complex number.
type Complex struct {
	Re float64 `json:"re"`
	Im float64 `json:"im"`
}

// One is the multiplicative identity.
var One = Complex{Re: 1, Im: 0}

// New builds a Complex from its parts.
func New(re, im float64) Complex {
	return Complex{Re: re, Im: im}
}

// Add returns a + b.
func (a Complex) Add(b Complex) Complex {
	return Complex{Re: a.Re + b.Re, Im: a.Im + b.Im}
}

// Sub returns a - b.
func (a Complex) Sub(b Complex) Complex {
	return Complex{Re: a.Re - b.Re, Im: a.Im - b.Im}
}

// Mul returns a * b.
func (a Complex) Mul(b Complex) Complex {
	return Complex{
		Re: a.Re*b.Re - a.Im*b.Im,
		Im: a.Re*b.Im + a.Im*b.Re,
	}
}

// Square returns a * a with one multiplication fewer than Mul.
func (a Complex) Square() Complex {
	return Complex{
		Re: a.Re*a.Re - a.Im*a.Im,
		Im: 2 * a.Re * a.Im,
	}
}

// Div returns a / b. Dividing by exactly (0,0) yields ErrDivisionByZero
// and the zero value.
func (a Complex) Div(b Complex) (Complex, error) {
	if b.Re == 0 && b.Im == 0 {
		return Complex{}, ErrDivisionByZero
	}
	den := b.NormSqr()
	return Complex{
		Re: (a.Re*b.Re + a.Im*b.Im) / den,
		Im: (a.Im*b.Re - a.Re*b.Im) / den,
	}, nil
}

// Norm returns |a|.
func (a Complex) Norm() float64 {
	return math.Sqrt(a.NormSqr())
}

// NormSqr returns |a|² without the square root.
func (a Complex) NormSqr() float64 {
	return a.Re*a.Re + a.Im*a.Im
}

// Sin returns sin(a) = sin(re)cosh(im) + i cos(re)sinh(im).
func (a Complex) Sin() Complex {
	return Complex{
		Re: math.Sin(a.Re) * math.Cosh(a.Im),
		Im: math.Cos(a.Re) * math.Sinh(a.Im),
	}
}

// Cos returns cos(a) = cos(re)cosh(im) - i sin(re)sinh(im).
func (a Complex) Cos() Complex {
	return Complex{
		Re: math.Cos(a.Re) * math.Cosh(a.Im),
		Im: -math.Sin(a.Re) * math.Sinh(a.Im),
	}
}

// Powi raises a to a non-negative integer power by squaring,
// using O(log exp) multiplications. Powi(0) is One.
func (a Complex) Powi(exp int) (Complex, error) {
	if exp < 0 {
		return Complex{}, ErrNegativeExponent
	}

	result := One
	base := a
	for exp > 0 {
		if exp&1 == 1 {
			result = result.Mul(base)
		}
		exp >>= 1
		if exp > 0 {
			base = base.Mul(base)
		}
	}
	return result, nil
}
