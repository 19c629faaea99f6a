package scheduler

import (
	"errors"
	"fmt"
	"math"

	"github.com/taskmgr818/fractal-at-home/internal/fractal"
	"github.com/taskmgr818/fractal-at-home/internal/model"
)

// JobSpec describes one image to render.
type JobSpec struct {
	Width      uint16 `json:"width"`
	Height     uint16 `json:"height"`
	TileWidth  uint16 `json:"tile_width"`
	TileHeight uint16 `json:"tile_height"`

	Range        model.Range             `json:"range"`
	Fractal      model.FractalDescriptor `json:"fractal"`
	MaxIteration uint32                  `json:"max_iteration"`
}

// Resolution returns the full image grid.
func (j JobSpec) Resolution() model.Resolution {
	return model.Resolution{NX: j.Width, NY: j.Height}
}

// BufferSize returns the byte length of the assembled RGB image.
func (j JobSpec) BufferSize() int {
	return int(j.Resolution().Pixels()) * model.BytesPerPixel
}

// Validate checks the job can be partitioned and addressed with 32-bit
// byte offsets.
func (j JobSpec) Validate() error {
	if err := j.Resolution().Validate(); err != nil {
		return fmt.Errorf("image: %w", err)
	}
	if j.TileWidth == 0 || j.TileHeight == 0 {
		return errors.New("tile size must be at least 1x1")
	}
	if uint64(j.Width)*uint64(j.Height)*model.BytesPerPixel > math.MaxUint32 {
		return fmt.Errorf("image %dx%d does not fit 32-bit offsets", j.Width, j.Height)
	}
	if err := j.Range.Validate(j.Resolution()); err != nil {
		return err
	}
	if j.MaxIteration == 0 {
		return errors.New("max_iteration must be positive")
	}
	return j.Fractal.Validate()
}

// rect is a pixel rectangle of the image.
type rect struct {
	x, y   uint16
	nx, ny uint16
}

func (r rect) pixels() uint32 {
	return uint32(r.nx) * uint32(r.ny)
}

// offset returns the byte offset of r's top-left pixel in the image buffer.
func (r rect) offset(width uint16) uint32 {
	return (uint32(r.y)*uint32(width) + uint32(r.x)) * model.BytesPerPixel
}

// partition cuts the image into row-major tiles. Edge tiles are truncated
// so the tiles cover the image exactly once.
func partition(j JobSpec) []rect {
	var out []rect
	for y := uint32(0); y < uint32(j.Height); y += uint32(j.TileHeight) {
		ny := min(uint32(j.TileHeight), uint32(j.Height)-y)
		for x := uint32(0); x < uint32(j.Width); x += uint32(j.TileWidth) {
			nx := min(uint32(j.TileWidth), uint32(j.Width)-x)
			out = append(out, rect{x: uint16(x), y: uint16(y), nx: uint16(nx), ny: uint16(ny)})
		}
	}
	return out
}

// split cuts r so that its top-left piece holds at most capacity pixels.
// Full-width row bands are preferred; when a single row is too wide the
// row is cut into columns. The first element is the piece to assign.
func split(r rect, capacity uint32) []rect {
	if r.pixels() <= capacity {
		return []rect{r}
	}
	if uint32(r.nx) <= capacity {
		rows := uint16(capacity / uint32(r.nx))
		return []rect{
			{x: r.x, y: r.y, nx: r.nx, ny: rows},
			{x: r.x, y: r.y + rows, nx: r.nx, ny: r.ny - rows},
		}
	}

	cols := uint16(capacity)
	out := []rect{
		{x: r.x, y: r.y, nx: cols, ny: 1},
		{x: r.x + cols, y: r.y, nx: r.nx - cols, ny: 1},
	}
	if r.ny > 1 {
		out = append(out, rect{x: r.x, y: r.y + 1, nx: r.nx, ny: r.ny - 1})
	}
	return out
}

// rangeOf maps r to the complex plane using the whole image's sample
// grid. A fragment's corner pixels land on exactly the coordinates the full
// image would use; interior pixels are re-interpolated by the worker and
// may differ by rounding.
func rangeOf(j JobSpec, r rect) model.Range {
	w, h := int(j.Width), int(j.Height)
	x1, y1 := int(r.x)+int(r.nx)-1, int(r.y)+int(r.ny)-1
	return model.Range{
		Min: model.Point{
			X: fractal.Lerp(j.Range.Min.X, j.Range.Max.X, int(r.x), w),
			Y: fractal.Lerp(j.Range.Min.Y, j.Range.Max.Y, int(r.y), h),
		},
		Max: model.Point{
			X: fractal.Lerp(j.Range.Min.X, j.Range.Max.X, x1, w),
			Y: fractal.Lerp(j.Range.Min.Y, j.Range.Max.Y, y1, h),
		},
	}
}
