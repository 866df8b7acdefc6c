package mlestimator

import (
	"bytes"
	"context"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestRenderResiduals_Layout(t *testing.T) {
	observed, _ := synthetic(t, 16, 32, 2.0, 0.1, 0.0, 1.0)
	model, _ := synthetic(t, 16, 32, 2.2, 0.1, 0.0, 1.0)

	img, err := RenderResiduals(observed, model, nil)
	require.NoError(t, err)

	zoom := panelTarget / 32
	b := img.Bounds()
	assert.Equal(t, 3*32*zoom+4*panelGap, b.Dx())
	assert.Equal(t, headerH+16*zoom+footerH, b.Dy())

	// brightest data pixel is white, corner pixel of the data panel is black
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, img.RGBAAt(panelGap+16*zoom, headerH+8*zoom))
	assert.Equal(t, color.RGBA{0, 0, 0, 255}, img.RGBAAt(panelGap, headerH))
}

func TestRenderResiduals_ZeroResidualIsWhite(t *testing.T) {
	observed, _ := synthetic(t, 8, 8, 1.5, 0.0, 0.0, 1.0)

	img, err := RenderResiduals(observed, observed, nil)
	require.NoError(t, err)

	zoom := panelTarget / 8
	x := panelGap + 2*(8*zoom+panelGap) + zoom
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, img.RGBAAt(x, headerH+zoom))
}

func TestRenderResiduals_ShapeMismatch(t *testing.T) {
	_, err := RenderResiduals(mat.NewDense(4, 4, nil), mat.NewDense(4, 5, nil), nil)
	assert.ErrorIs(t, err, ErrModelContract)

	_, err = RenderResiduals(nil, mat.NewDense(4, 5, nil), nil)
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestWriteResidualsJPEG(t *testing.T) {
	observed, _ := synthetic(t, 21, 21, 2.0, 0.1, -0.05, 1.0)
	est, err := FindMLEstimate(context.Background(), observed, GaussianModel{}, Options{
		FitParams:     []string{KeySize},
		Overrides:     map[string]any{KeyNoise: 1e-3},
		MaxIterations: 50,
	})
	require.NoError(t, err)

	model, err := ModelImage(est, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "residuals.jpg")
	require.NoError(t, WriteResidualsJPEG(path, observed, model, est))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	decoded, err := jpeg.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 3*21*(panelTarget/21)+4*panelGap, decoded.Bounds().Dx())
}

func TestDivergingColor(t *testing.T) {
	assert.Equal(t, color.RGBA{255, 0, 0, 255}, divergingColor(2, 2))
	assert.Equal(t, color.RGBA{0, 0, 255, 255}, divergingColor(-5, 2))
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, divergingColor(0, 2))
	assert.Equal(t, color.RGBA{255, 255, 255, 255}, divergingColor(1, 0))
}
