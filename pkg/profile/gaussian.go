package profile

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Gaussian is an elliptical Gaussian surface-brightness profile.
//
// With e² = e1² + e2² and s = Size, the profile has covariance
// s²·[[1+e1, e2], [e2, 1-e1]] and integrates to Flux. The centroid is given in
// pixel coordinates; offsets from it are scaled by the grid's pixel scale, so
// Size is in the same angular unit as the pixel scale.
type Gaussian struct {
	Size      float64
	E1        float64
	E2        float64
	Flux      float64
	CentroidX float64
	CentroidY float64
}

func (g Gaussian) String() string {
	return fmt.Sprintf("{Size=%f, E1=%f, E2=%f, Flux=%f, Centroid=(%f,%f)}",
		g.Size, g.E1, g.E2, g.Flux, g.CentroidX, g.CentroidY)
}

// Validate checks the profile is defined and can be rendered on grid.
func (g Gaussian) Validate(grid Grid) error {
	if !(g.Size > 0) {
		return fmt.Errorf("%w: size must be positive, got %f", ErrInvalidProfile, g.Size)
	}
	if e := math.Hypot(g.E1, g.E2); !(e < 1) {
		return fmt.Errorf("%w: ellipticity magnitude must be below 1, got %f", ErrInvalidProfile, e)
	}
	if math.IsNaN(g.Flux) || math.IsInf(g.Flux, 0) {
		return fmt.Errorf("%w: flux must be finite, got %f", ErrInvalidProfile, g.Flux)
	}
	if g.CentroidX < grid.X(0) || g.CentroidX > grid.X(grid.Cols-1) {
		return fmt.Errorf("%w: x=%f not in [%f, %f]", ErrCentroidOutOfRange, g.CentroidX, grid.X(0), grid.X(grid.Cols-1))
	}
	if g.CentroidY < grid.Y(0) || g.CentroidY > grid.Y(grid.Rows-1) {
		return fmt.Errorf("%w: y=%f not in [%f, %f]", ErrCentroidOutOfRange, g.CentroidY, grid.Y(0), grid.Y(grid.Rows-1))
	}
	return nil
}

// Render evaluates the profile at every pixel centre of grid. Values are
// surface brightness times pixel area, so a well-sampled stamp sums to Flux.
func (g Gaussian) Render(grid Grid) (*mat.Dense, error) {
	if err := g.Validate(grid); err != nil {
		return nil, err
	}
	c := g.coefficients(grid.PixelScale)
	out := mat.NewDense(grid.Rows, grid.Cols, nil)
	for i := 0; i < grid.Rows; i++ {
		dy := (grid.Y(i) - g.CentroidY) * grid.PixelScale
		for j := 0; j < grid.Cols; j++ {
			dx := (grid.X(j) - g.CentroidX) * grid.PixelScale
			out.Set(i, j, c.value(dx, dy))
		}
	}
	return out, nil
}

// Derivatives returns the first derivative of Render with respect to each
// param, in the order given.
func (g Gaussian) Derivatives(grid Grid, params []Param) ([]*mat.Dense, error) {
	if err := g.Validate(grid); err != nil {
		return nil, err
	}
	for _, p := range params {
		switch p {
		case Size, E1, E2, Flux:
		default:
			return nil, fmt.Errorf("%w: %q", ErrNoDerivative, p)
		}
	}

	c := g.coefficients(grid.PixelScale)
	out := make([]*mat.Dense, len(params))
	for k := range out {
		out[k] = mat.NewDense(grid.Rows, grid.Cols, nil)
	}
	grad := make([]float64, 4)
	for i := 0; i < grid.Rows; i++ {
		dy := (grid.Y(i) - g.CentroidY) * grid.PixelScale
		for j := 0; j < grid.Cols; j++ {
			dx := (grid.X(j) - g.CentroidX) * grid.PixelScale
			c.gradient(dx, dy, grad)
			for k, p := range params {
				out[k].Set(i, j, grad[paramIndex(p)])
			}
		}
	}
	return out, nil
}

func paramIndex(p Param) int {
	switch p {
	case Size:
		return 0
	case E1:
		return 1
	case E2:
		return 2
	default:
		return 3
	}
}

// gaussianCoefficients caches the per-profile terms shared by every pixel.
type gaussianCoefficients struct {
	size, e1, e2, flux float64
	s2                 float64 // size²
	d                  float64 // 1 - e²
	unit               float64 // pixel area / (2π s² √d)
}

func (g Gaussian) coefficients(pixelScale float64) gaussianCoefficients {
	s2 := g.Size * g.Size
	d := 1 - g.E1*g.E1 - g.E2*g.E2
	return gaussianCoefficients{
		size: g.Size,
		e1:   g.E1,
		e2:   g.E2,
		flux: g.Flux,
		s2:   s2,
		d:    d,
		unit: pixelScale * pixelScale / (2 * math.Pi * s2 * math.Sqrt(d)),
	}
}

// q is the Mahalanobis distance² of the offset (dx, dy).
func (c gaussianCoefficients) q(dx, dy float64) float64 {
	p := (1-c.e1)*dx*dx + (1+c.e1)*dy*dy - 2*c.e2*dx*dy
	return p / (c.s2 * c.d)
}

func (c gaussianCoefficients) value(dx, dy float64) float64 {
	return c.flux * c.unit * math.Exp(-0.5*c.q(dx, dy))
}

// gradient fills grad with d/d(size, e1, e2, flux) of value(dx, dy).
func (c gaussianCoefficients) gradient(dx, dy float64, grad []float64) {
	Q := c.q(dx, dy)
	shape := c.unit * math.Exp(-0.5*Q)
	I := c.flux * shape
	sd := c.s2 * c.d

	grad[0] = I * (Q - 2) / c.size
	grad[1] = I * (c.e1/c.d - (dy*dy-dx*dx)/(2*sd) - c.e1*Q/c.d)
	grad[2] = I * (c.e2/c.d + dx*dy/sd - c.e2*Q/c.d)
	grad[3] = shape
}
