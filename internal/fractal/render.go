package fractal

import (
	"fmt"

	"github.com/taskmgr818/fractal-at-home/internal/complexnum"
	"github.com/taskmgr818/fractal-at-home/internal/model"
)

// EscapeTime iterates v from p and returns the number of steps taken before
// |z|² reached the divergence threshold, capped at maxIter. Points that
// never diverge return maxIter.
func EscapeTime(v Variant, p complexnum.Complex, maxIter uint32) uint32 {
	threshold := v.DivergenceThresholdSqr()
	z := v.Start(p)
	var i uint32
	for ; i < maxIter; i++ {
		if z.NormSqr() >= threshold {
			break
		}
		z = v.Next(z)
	}
	return i
}

// Lerp places pixel index i of n samples on [lo, hi]. Both endpoints are
// hit exactly. Interior samples of a sub-range can differ from the same
// samples of the enclosing range in the last bits.
func Lerp(lo, hi float64, i, n int) float64 {
	if n <= 1 {
		return lo
	}
	t := float64(i) / float64(n-1)
	return lo*(1-t) + hi*t
}

// PixelCoordinate returns the complex-plane point sampled by pixel (x, y).
func PixelCoordinate(r model.Range, res model.Resolution, x, y int) complexnum.Complex {
	return complexnum.New(
		Lerp(r.Min.X, r.Max.X, x, int(res.NX)),
		Lerp(r.Min.Y, r.Max.Y, y, int(res.NY)),
	)
}

// Render computes the task's pixels, row-major, BytesPerPixel bytes each.
func Render(task model.FragmentTask) ([]byte, error) {
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	v, err := Resolve(task.Fractal)
	if err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}

	nx, ny := int(task.Resolution.NX), int(task.Resolution.NY)
	out := make([]byte, 0, task.Resolution.ByteCount())
	for y := 0; y < ny; y++ {
		for x := 0; x < nx; x++ {
			p := PixelCoordinate(task.Range, task.Resolution, x, y)
			rgb := Colorize(EscapeTime(v, p, task.MaxIteration), task.MaxIteration)
			out = append(out, rgb[:]...)
		}
	}
	return out, nil
}
