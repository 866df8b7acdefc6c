package profile

import (
	"errors"
	"fmt"
)

var (
	// ErrCentroidOutOfRange is returned when a profile centroid lies outside
	// the coordinate extent of the pixel grid it is rendered on.
	ErrCentroidOutOfRange = errors.New("centroid outside pixel grid")

	// ErrNoDerivative is returned when an analytic derivative is requested
	// for a parameter the profile does not depend on analytically.
	ErrNoDerivative = errors.New("no analytic derivative")

	// ErrInvalidProfile is returned for parameter values the profile is undefined at.
	ErrInvalidProfile = errors.New("invalid profile parameters")
)

// Param names a differentiable profile parameter.
type Param string

const (
	Size Param = "size"
	E1   Param = "e1"
	E2   Param = "e2"
	Flux Param = "flux"
)

// Grid is the pixel coordinate grid of a stamp. Pixel (row i, col j) is
// sampled at its centre, (j+0.5, i+0.5) in pixel units.
type Grid struct {
	Rows       int
	Cols       int
	PixelScale float64
}

// NewGrid creates a Grid, rejecting empty shapes and non-positive scales.
func NewGrid(rows, cols int, pixelScale float64) (Grid, error) {
	if rows <= 0 || cols <= 0 {
		return Grid{}, fmt.Errorf("grid shape must be positive, got %dx%d", rows, cols)
	}
	if pixelScale <= 0 {
		return Grid{}, fmt.Errorf("pixel scale must be positive, got %f", pixelScale)
	}
	return Grid{Rows: rows, Cols: cols, PixelScale: pixelScale}, nil
}

func (g Grid) X(col int) float64 { return float64(col) + 0.5 }
func (g Grid) Y(row int) float64 { return float64(row) + 0.5 }

func (g Grid) String() string {
	return fmt.Sprintf("{Rows=%d, Cols=%d, PixelScale=%f}", g.Rows, g.Cols, g.PixelScale)
}
