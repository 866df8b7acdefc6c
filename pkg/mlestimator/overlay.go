package mlestimator

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"gonum.org/v1/gonum/mat"
)

const (
	panelTarget = 256
	panelGap    = 10
	headerH     = 40
	footerH     = 24
)

// ModelImage renders the best-fit model of est.
func ModelImage(est *Estimate, model Model) (*mat.Dense, error) {
	if est == nil {
		return nil, fmt.Errorf("no estimate")
	}
	if model == nil {
		model = GaussianModel{}
	}
	return model.Image(est.Config)
}

// RenderResiduals draws the observed image, the model and their difference
// side by side. Data and model share one grey stretch; the residual uses a
// blue-white-red scale symmetric about zero. est may be nil.
func RenderResiduals(observed, model mat.Matrix, est *Estimate) (*image.RGBA, error) {
	if observed == nil || model == nil {
		return nil, ErrInvalidImage
	}
	rows, cols := observed.Dims()
	if r, c := model.Dims(); r != rows || c != cols {
		return nil, fmt.Errorf("%w: model image is %dx%d, observed image is %dx%d", ErrModelContract, r, c, rows, cols)
	}
	if rows == 0 || cols == 0 {
		return nil, ErrInvalidImage
	}

	residual := mat.NewDense(rows, cols, nil)
	residual.Sub(observed, model)

	zoom := panelTarget / max(rows, cols)
	if zoom < 1 {
		zoom = 1
	}
	pw, ph := cols*zoom, rows*zoom
	width := 3*pw + 4*panelGap
	height := headerH + ph + footerH

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fillRect(img, img.Bounds(), color.RGBA{20, 20, 20, 255})

	lo, hi := mat.Min(observed), mat.Max(observed)
	grey := func(v float64) color.RGBA { return greyColor(v, lo, hi) }
	limit := math.Max(math.Abs(mat.Min(residual)), math.Abs(mat.Max(residual)))
	diverging := func(v float64) color.RGBA { return divergingColor(v, limit) }

	face := basicfont.Face7x13
	white := color.RGBA{255, 255, 255, 255}
	panels := []struct {
		title string
		m     mat.Matrix
		color func(float64) color.RGBA
	}{
		{"data", observed, grey},
		{"model", model, grey},
		{fmt.Sprintf("residual (max |r| %.3g)", limit), residual, diverging},
	}
	for k, p := range panels {
		x0 := panelGap + k*(pw+panelGap)
		drawPanel(img, p.m, x0, headerH, zoom, p.color)
		drawCenteredText(img, face, p.title, x0+pw/2, headerH-8, white)
	}

	if est != nil {
		drawText(img, face, est.String(), panelGap, height-8, white)
	}
	return img, nil
}

// EncodeResidualsJPEG renders the residual panels as JPEG bytes.
func EncodeResidualsJPEG(observed, model mat.Matrix, est *Estimate) ([]byte, error) {
	img, err := RenderResiduals(observed, model, est)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("encoding JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteResidualsJPEG renders the residual panels to a JPEG file.
func WriteResidualsJPEG(path string, observed, model mat.Matrix, est *Estimate) error {
	data, err := EncodeResidualsJPEG(observed, model, est)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func drawPanel(img *image.RGBA, m mat.Matrix, x0, y0, zoom int, colorOf func(float64) color.RGBA) {
	rows, cols := m.Dims()
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			r := image.Rect(x0+j*zoom, y0+i*zoom, x0+(j+1)*zoom, y0+(i+1)*zoom)
			fillRect(img, r, colorOf(m.At(i, j)))
		}
	}
}

func fillRect(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	r = r.Intersect(img.Bounds())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, y, c)
		}
	}
}

func greyColor(v, lo, hi float64) color.RGBA {
	t := 0.0
	if hi > lo {
		t = (v - lo) / (hi - lo)
	}
	g := uint8(255 * clamp01(t))
	return color.RGBA{g, g, g, 255}
}

// divergingColor maps -limit..0..limit to blue..white..red.
func divergingColor(v, limit float64) color.RGBA {
	if !(limit > 0) {
		return color.RGBA{255, 255, 255, 255}
	}
	t := clamp01(math.Abs(v) / limit)
	fade := uint8(255 * (1 - t))
	if v < 0 {
		return color.RGBA{fade, fade, 255, 255}
	}
	return color.RGBA{255, fade, fade, 255}
}

func clamp01(t float64) float64 {
	switch {
	case math.IsNaN(t) || t < 0:
		return 0
	case t > 1:
		return 1
	}
	return t
}

func drawText(img *image.RGBA, face font.Face, s string, x, y int, c color.RGBA) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(s)
}

func drawCenteredText(img *image.RGBA, face font.Face, s string, cx, cy int, c color.RGBA) {
	advance := font.MeasureString(face, s)
	drawText(img, face, s, cx-advance.Round()/2, cy, c)
}
