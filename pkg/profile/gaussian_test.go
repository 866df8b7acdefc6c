package profile

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testGrid(t *testing.T, rows, cols int) Grid {
	t.Helper()
	grid, err := NewGrid(rows, cols, 1.0)
	require.NoError(t, err)
	return grid
}

func TestGaussianRender_FluxNormalised(t *testing.T) {
	grid := testGrid(t, 41, 41)
	g := Gaussian{Size: 2.0, E1: 0.2, E2: -0.1, Flux: 3.5, CentroidX: 20.5, CentroidY: 20.5}

	img, err := g.Render(grid)
	require.NoError(t, err)

	rows, cols := img.Dims()
	assert.Equal(t, 41, rows)
	assert.Equal(t, 41, cols)
	assert.InDelta(t, 3.5, mat.Sum(img), 1e-6)
}

func TestGaussianRender_PeakAtCentroid(t *testing.T) {
	grid := testGrid(t, 21, 21)
	g := Gaussian{Size: 1.5, Flux: 1.0, CentroidX: 10.5, CentroidY: 10.5}

	img, err := g.Render(grid)
	require.NoError(t, err)

	peak := img.At(10, 10)
	assert.InDelta(t, 1.0/(2*math.Pi*1.5*1.5), peak, 1e-12)
	assert.Equal(t, img.At(10, 9), img.At(10, 11))
	assert.Equal(t, img.At(9, 10), img.At(11, 10))
	assert.InDelta(t, img.At(9, 10), img.At(10, 9), 1e-15)
}

func TestGaussianRender_EllipticityElongatesAlongX(t *testing.T) {
	grid := testGrid(t, 21, 21)
	g := Gaussian{Size: 2.0, E1: 0.3, Flux: 1.0, CentroidX: 10.5, CentroidY: 10.5}

	img, err := g.Render(grid)
	require.NoError(t, err)

	assert.Greater(t, img.At(10, 13), img.At(13, 10))
}

func TestGaussianRender_PixelScale(t *testing.T) {
	grid, err := NewGrid(61, 61, 0.5)
	require.NoError(t, err)
	g := Gaussian{Size: 2.0, Flux: 1.0, CentroidX: 30.5, CentroidY: 30.5}

	img, err := g.Render(grid)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, mat.Sum(img), 1e-6)
}

func TestGaussianRender_CentroidOutOfRange(t *testing.T) {
	grid := testGrid(t, 10, 10)

	_, err := Gaussian{Size: 1, Flux: 1, CentroidX: 10.0, CentroidY: 5}.Render(grid)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCentroidOutOfRange))

	_, err = Gaussian{Size: 1, Flux: 1, CentroidX: 5, CentroidY: 0.1}.Render(grid)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCentroidOutOfRange))
}

func TestGaussianRender_InvalidParameters(t *testing.T) {
	grid := testGrid(t, 10, 10)

	cases := map[string]Gaussian{
		"zero size":        {Size: 0, Flux: 1, CentroidX: 5, CentroidY: 5},
		"negative size":    {Size: -1, Flux: 1, CentroidX: 5, CentroidY: 5},
		"unit ellipticity": {Size: 1, E1: 0.8, E2: 0.8, Flux: 1, CentroidX: 5, CentroidY: 5},
		"nan flux":         {Size: 1, Flux: math.NaN(), CentroidX: 5, CentroidY: 5},
	}
	for name, g := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := g.Render(grid)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidProfile))
		})
	}
}

func TestGaussianDerivatives_MatchFiniteDifferences(t *testing.T) {
	grid := testGrid(t, 15, 17)
	base := Gaussian{Size: 1.8, E1: 0.15, E2: -0.2, Flux: 2.0, CentroidX: 8.2, CentroidY: 7.1}
	params := []Param{Size, E1, E2, Flux}

	derivs, err := base.Derivatives(grid, params)
	require.NoError(t, err)
	require.Len(t, derivs, len(params))

	const h = 1e-6
	shift := func(g Gaussian, p Param, delta float64) Gaussian {
		switch p {
		case Size:
			g.Size += delta
		case E1:
			g.E1 += delta
		case E2:
			g.E2 += delta
		case Flux:
			g.Flux += delta
		}
		return g
	}

	for k, p := range params {
		up, err := shift(base, p, h).Render(grid)
		require.NoError(t, err)
		down, err := shift(base, p, -h).Render(grid)
		require.NoError(t, err)

		for i := 0; i < grid.Rows; i++ {
			for j := 0; j < grid.Cols; j++ {
				fd := (up.At(i, j) - down.At(i, j)) / (2 * h)
				assert.InDelta(t, fd, derivs[k].At(i, j), 1e-7, "param %s pixel (%d,%d)", p, i, j)
			}
		}
	}
}

func TestGaussianDerivatives_PreservesRequestOrder(t *testing.T) {
	grid := testGrid(t, 9, 9)
	g := Gaussian{Size: 1.2, E1: 0.1, E2: 0.05, Flux: 1.0, CentroidX: 4.5, CentroidY: 4.5}

	forward, err := g.Derivatives(grid, []Param{E1, Size})
	require.NoError(t, err)
	reverse, err := g.Derivatives(grid, []Param{Size, E1})
	require.NoError(t, err)

	assert.True(t, mat.Equal(forward[0], reverse[1]))
	assert.True(t, mat.Equal(forward[1], reverse[0]))
}

func TestGaussianDerivatives_UnknownParam(t *testing.T) {
	grid := testGrid(t, 9, 9)
	g := Gaussian{Size: 1, Flux: 1, CentroidX: 4.5, CentroidY: 4.5}

	_, err := g.Derivatives(grid, []Param{Size, Param("pixel_scale")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoDerivative))
}

func TestNewGrid_RejectsEmptyShape(t *testing.T) {
	_, err := NewGrid(0, 5, 1)
	assert.Error(t, err)
	_, err = NewGrid(5, 5, 0)
	assert.Error(t, err)
}
