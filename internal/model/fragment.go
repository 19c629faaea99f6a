package model

import (
	"errors"
	"fmt"

	"github.com/taskmgr818/fractal-at-home/internal/complexnum"
)

// ErrUnknownFractal is returned when a descriptor carries no known variant
// or more than one.
var ErrUnknownFractal = errors.New("fractal descriptor must carry exactly one variant")

// ─────────────────────────────────────────────
// Fractal descriptor (tagged union)
// ─────────────────────────────────────────────

// FractalKind names a variant of FractalDescriptor on the wire.
type FractalKind string

const (
	FractalJulia FractalKind = "Julia"
)

// FractalDescriptor is an externally tagged union: exactly one field is set,
// and the JSON key is the variant tag, e.g. {"Julia": {...}}.
// New families are added as new pointer fields.
type FractalDescriptor struct {
	Julia *JuliaParams `json:"Julia,omitempty"`
}

// JuliaParams parametrises z ← z² + c.
type JuliaParams struct {
	C                      complexnum.Complex `json:"c"`
	DivergenceThresholdSqr float64            `json:"divergence_threshold_sqr"`
}

// Kind returns the tag of the populated variant.
func (d FractalDescriptor) Kind() (FractalKind, error) {
	var kinds []FractalKind
	if d.Julia != nil {
		kinds = append(kinds, FractalJulia)
	}
	if len(kinds) != 1 {
		return "", fmt.Errorf("%w: found %d", ErrUnknownFractal, len(kinds))
	}
	return kinds[0], nil
}

// Validate checks the union shape and the variant's own parameters.
func (d FractalDescriptor) Validate() error {
	kind, err := d.Kind()
	if err != nil {
		return err
	}
	switch kind {
	case FractalJulia:
		if !(d.Julia.DivergenceThresholdSqr > 0) {
			return fmt.Errorf("julia: divergence_threshold_sqr must be > 0, got %v", d.Julia.DivergenceThresholdSqr)
		}
	}
	return nil
}

// ─────────────────────────────────────────────
// Fragment protocol payloads
// ─────────────────────────────────────────────

// FragmentRequest is a worker's capacity announcement.
type FragmentRequest struct {
	WorkerName      string `json:"worker_name"`
	MaximalWorkLoad uint32 `json:"maximal_work_load"`
}

// FragmentTask is a self-describing unit of work. ID addresses the
// fragment's top-left pixel in the final image buffer and covers
// 3*nx*ny bytes.
type FragmentTask struct {
	ID           PixelSpan         `json:"id"`
	Fractal      FractalDescriptor `json:"fractal"`
	MaxIteration uint32            `json:"max_iteration"`
	Resolution   Resolution        `json:"resolution"`
	Range        Range             `json:"range"`
}

// Validate checks the task is computable.
func (t FragmentTask) Validate() error {
	if err := t.Resolution.Validate(); err != nil {
		return err
	}
	if err := t.Range.Validate(t.Resolution); err != nil {
		return err
	}
	if t.ID.Count != t.Resolution.ByteCount() {
		return fmt.Errorf("task id count %d does not match %dx%d pixels", t.ID.Count, t.Resolution.NX, t.Resolution.NY)
	}
	return t.Fractal.Validate()
}

// FragmentResult is the worker's answer. ID is echoed from the task;
// Pixels addresses the frame's binary trailer, not the final image.
type FragmentResult struct {
	ID         PixelSpan  `json:"id"`
	Resolution Resolution `json:"resolution"`
	Range      Range      `json:"range"`
	Pixels     PixelSpan  `json:"pixels"`
}
