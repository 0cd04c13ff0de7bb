package solver

import (
	"fmt"
	"image"
	"math"
	"time"
)

// SolveRequest is the immutable per-run input. The caller owns Pixels; the
// request only borrows the buffer for the run's duration and no backend may
// mutate it.
type SolveRequest struct {
	Process ProcessType
	Stats   Statistics
	Pixels  []byte

	Profile Parameters
	Hints   SearchHints

	// Subframe restricts extraction to a region of the image. The zero
	// rectangle means the whole frame.
	Subframe image.Rectangle

	// Stars carries a pre-extracted star list for solve-only runs. When nil,
	// backends extract first.
	Stars []Star

	// IndexPaths are the astrometric index folders handed to solving backends.
	IndexPaths []string

	// Parallelism is the number of child partitions to race. Values below 2
	// disable partitioned search.
	Parallelism int

	// BackendTimeout caps each backend's run time. Zero means the
	// orchestrator's watchdog is the only bound.
	BackendTimeout time.Duration
}

// Validate rejects a request before anything is spawned.
func (r *SolveRequest) Validate() error {
	if len(r.Pixels) == 0 && len(r.Stars) == 0 {
		return fmt.Errorf("%w: empty pixel buffer", ErrInvalidRequest)
	}
	if len(r.Pixels) > 0 {
		if r.Stats.Width <= 0 || r.Stats.Height <= 0 {
			return fmt.Errorf("%w: image dimensions %dx%d", ErrInvalidRequest, r.Stats.Width, r.Stats.Height)
		}
		if r.Stats.BitsPerPixel != 8 && r.Stats.BitsPerPixel != 16 {
			return fmt.Errorf("%w: unsupported bit depth %d", ErrInvalidRequest, r.Stats.BitsPerPixel)
		}
		if want := r.Stats.BufferSize(); len(r.Pixels) < want {
			return fmt.Errorf("%w: pixel buffer is %d bytes, statistics imply %d", ErrInvalidRequest, len(r.Pixels), want)
		}
	}
	if r.Process.Solving() && len(r.IndexPaths) == 0 {
		return fmt.Errorf("%w: solving requires at least one index folder path", ErrInvalidRequest)
	}
	if !r.Subframe.Empty() {
		frame := image.Rect(0, 0, r.Stats.Width, r.Stats.Height)
		if !r.Subframe.In(frame) {
			return fmt.Errorf("%w: subframe %v outside image bounds %v", ErrInvalidRequest, r.Subframe, frame)
		}
	}
	if r.Hints.UseScale && r.Hints.ScaleLow > r.Hints.ScaleHigh {
		return fmt.Errorf("%w: scale range [%g, %g] inverted", ErrInvalidRequest, r.Hints.ScaleLow, r.Hints.ScaleHigh)
	}
	return nil
}

// DegreeHeight converts a scale value in the hint's units to a field height in
// degrees. ASTAP-style solvers take their scale hint this way.
func (r *SolveRequest) DegreeHeight(scale float64) float64 {
	switch r.Hints.ScaleUnits {
	case ArcminWidth:
		return scale / 60.0
	case ArcsecPerPix:
		return scale / 3600.0 * float64(r.Stats.Height)
	case FocalMM:
		// 36mm full-frame sensor assumption.
		return rad2deg(math.Atan(36.0 / (2 * scale)))
	default:
		return scale
	}
}
