package model

import (
	"errors"
	"fmt"
)

// BytesPerPixel is the RGB pixel width used by every buffer in the system.
const BytesPerPixel = 3

var (
	ErrEmptyResolution = errors.New("resolution must be at least 1x1")
	ErrDegenerateRange = errors.New("degenerate range")
	ErrSpanOutOfBounds = errors.New("pixel span out of bounds")
)

// Point is a location in the complex plane (x = real, y = imaginary).
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Range is the rectangle of the complex plane covered by a fragment.
type Range struct {
	Min Point `json:"min"`
	Max Point `json:"max"`
}

// Validate checks min < max on both axes. An axis sampled by a single
// pixel may collapse to min == max.
func (r Range) Validate(res Resolution) error {
	if r.Min.X > r.Max.X || (r.Min.X == r.Max.X && res.NX > 1) {
		return fmt.Errorf("%w: x in [%v, %v] for %d columns", ErrDegenerateRange, r.Min.X, r.Max.X, res.NX)
	}
	if r.Min.Y > r.Max.Y || (r.Min.Y == r.Max.Y && res.NY > 1) {
		return fmt.Errorf("%w: y in [%v, %v] for %d rows", ErrDegenerateRange, r.Min.Y, r.Max.Y, res.NY)
	}
	return nil
}

// Resolution is the pixel grid of a fragment.
type Resolution struct {
	NX uint16 `json:"nx"`
	NY uint16 `json:"ny"`
}

// Pixels returns nx*ny.
func (r Resolution) Pixels() uint32 {
	return uint32(r.NX) * uint32(r.NY)
}

// ByteCount returns the RGB buffer size for this resolution.
func (r Resolution) ByteCount() uint32 {
	return r.Pixels() * BytesPerPixel
}

// Validate rejects empty grids.
func (r Resolution) Validate() error {
	if r.NX == 0 || r.NY == 0 {
		return fmt.Errorf("%w: got %dx%d", ErrEmptyResolution, r.NX, r.NY)
	}
	return nil
}

// PixelSpan addresses a contiguous byte range inside a larger buffer.
type PixelSpan struct {
	Offset uint32 `json:"offset"`
	Count  uint32 `json:"count"`
}

// End returns the exclusive end offset. It is computed in 64 bits so a
// hostile span cannot wrap around.
func (s PixelSpan) End() uint64 {
	return uint64(s.Offset) + uint64(s.Count)
}

// Within reports whether the span fits in a buffer of n bytes.
func (s PixelSpan) Within(n int) bool {
	return s.End() <= uint64(n)
}

// CheckWithin returns ErrSpanOutOfBounds when the span overruns n bytes.
func (s PixelSpan) CheckWithin(n int) error {
	if !s.Within(n) {
		return fmt.Errorf("%w: [%d, %d) in %d bytes", ErrSpanOutOfBounds, s.Offset, s.End(), n)
	}
	return nil
}
