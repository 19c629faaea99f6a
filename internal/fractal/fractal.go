// Package fractal computes escape-time fractals for one fragment.
package fractal

import (
	"fmt"

	"github.com/taskmgr818/fractal-at-home/internal/complexnum"
	"github.com/taskmgr818/fractal-at-home/internal/model"
)

// Variant is one escape-time family. Start gives the first iterate for a
// pixel coordinate p and Next advances the sequence.
type Variant interface {
	C() complexnum.Complex
	DivergenceThresholdSqr() float64
	Start(p complexnum.Complex) complexnum.Complex
	Next(z complexnum.Complex) complexnum.Complex
}

// Julia iterates z ← z² + c from z₀ = p.
type Julia struct {
	c         complexnum.Complex
	threshold float64
}

// NewJulia builds a Julia variant.
func NewJulia(c complexnum.Complex, divergenceThresholdSqr float64) Julia {
	return Julia{c: c, threshold: divergenceThresholdSqr}
}

func (j Julia) C() complexnum.Complex           { return j.c }
func (j Julia) DivergenceThresholdSqr() float64 { return j.threshold }

func (j Julia) Start(p complexnum.Complex) complexnum.Complex { return p }

func (j Julia) Next(z complexnum.Complex) complexnum.Complex {
	return z.Square().Add(j.c)
}

// Resolve maps a wire descriptor to its Variant.
func Resolve(d model.FractalDescriptor) (Variant, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	kind, _ := d.Kind()
	switch kind {
	case model.FractalJulia:
		return NewJulia(d.Julia.C, d.Julia.DivergenceThresholdSqr), nil
	default:
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownFractal, kind)
	}
}
