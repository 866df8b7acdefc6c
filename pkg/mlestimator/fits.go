package mlestimator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
	"gonum.org/v1/gonum/mat"
)

// FitsHeader gives typed access to the primary header of a FITS file.
type FitsHeader struct {
	cards map[string]any
}

func newFitsHeader(h *fitsio.Header) FitsHeader {
	cards := make(map[string]any)
	for _, k := range h.Keys() {
		if c := h.Get(k); c != nil {
			cards[strings.ToUpper(k)] = c.Value
		}
	}
	return FitsHeader{cards: cards}
}

func (h FitsHeader) String(key string) (string, bool) {
	v, ok := h.cards[strings.ToUpper(key)]
	if !ok {
		return "", false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s), true
	}
	return fmt.Sprint(v), true
}

func (h FitsHeader) Float(key string) (float64, bool) {
	v, ok := h.cards[strings.ToUpper(key)]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// PixelScale returns the pixel scale in arcsec from PIXSCALE, or from CDELT1
// given in degrees.
func (h FitsHeader) PixelScale() (float64, bool) {
	if v, ok := h.Float("PIXSCALE"); ok && v > 0 {
		return v, true
	}
	if v, ok := h.Float("CDELT1"); ok && v != 0 {
		return math.Abs(v) * 3600, true
	}
	return 0, false
}

// Noise returns the per-pixel noise sigma recorded by NOISE or SKYSIG.
func (h FitsHeader) Noise() (float64, bool) {
	if v, ok := h.Float("NOISE"); ok && v > 0 {
		return v, true
	}
	if v, ok := h.Float("SKYSIG"); ok && v > 0 {
		return v, true
	}
	return 0, false
}

// Keywords returns the header values that name configuration keys, ready to
// be passed as keyword overrides.
func (h FitsHeader) Keywords() map[string]any {
	kw := make(map[string]any)
	if v, ok := h.PixelScale(); ok {
		kw[KeyPixelScale] = v
	}
	if v, ok := h.Noise(); ok {
		kw[KeyNoise] = v
	}
	return kw
}

// FitsImage is the primary image of a FITS file in physical units
// (BSCALE and BZERO applied). Pixels row i holds FITS row i.
type FitsImage struct {
	Pixels *mat.Dense
	Bitpix int
	Header FitsHeader
}

// ReadFITS reads the primary image of the FITS file at path.
func ReadFITS(path string) (*FitsImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening FITS file: %w", err)
	}
	defer f.Close()
	return ReadFITSFrom(f)
}

// ReadFITSBytes reads the primary image from an in-memory FITS file.
func ReadFITSBytes(data []byte) (*FitsImage, error) {
	return ReadFITSFrom(bytes.NewReader(data))
}

// ReadFITSFrom reads the primary image from r. Only the first plane of a
// cube is used.
func ReadFITSFrom(r io.Reader) (*FitsImage, error) {
	f, err := fitsio.Open(r)
	if err != nil {
		return nil, fmt.Errorf("reading FITS: %w", err)
	}
	defer f.Close()

	if len(f.HDUs()) == 0 {
		return nil, fmt.Errorf("FITS file has no HDU")
	}
	img, ok := f.HDU(0).(fitsio.Image)
	if !ok {
		return nil, fmt.Errorf("primary HDU is not an image")
	}
	hdr := img.Header()
	axes := hdr.Axes()
	if len(axes) < 2 || axes[0] == 0 || axes[1] == 0 {
		return nil, fmt.Errorf("invalid FITS image: NAXIS=%d, axes=%v", len(axes), axes)
	}
	cols, rows := axes[0], axes[1]
	header := newFitsHeader(hdr)

	bzero, ok := header.Float("BZERO")
	if !ok {
		bzero = 0
	}
	bscale, ok := header.Float("BSCALE")
	if !ok {
		bscale = 1
	}

	data, err := decodePixels(img.Raw(), hdr.Bitpix(), rows*cols)
	if err != nil {
		return nil, err
	}
	for i, v := range data {
		data[i] = v*bscale + bzero
	}
	return &FitsImage{
		Pixels: mat.NewDense(rows, cols, data),
		Bitpix: hdr.Bitpix(),
		Header: header,
	}, nil
}

func decodePixels(raw []byte, bitpix, n int) ([]float64, error) {
	width := bitpix / 8
	if width < 0 {
		width = -width
	}
	if width == 0 {
		return nil, fmt.Errorf("unsupported BITPIX: %d", bitpix)
	}
	if len(raw) < n*width {
		return nil, fmt.Errorf("FITS data truncated: %d bytes for %d pixels of BITPIX %d", len(raw), n, bitpix)
	}

	out := make([]float64, n)
	be := binary.BigEndian
	switch bitpix {
	case 8:
		for i := range out {
			out[i] = float64(raw[i])
		}
	case 16:
		for i := range out {
			out[i] = float64(int16(be.Uint16(raw[i*2:])))
		}
	case 32:
		for i := range out {
			out[i] = float64(int32(be.Uint32(raw[i*4:])))
		}
	case 64:
		for i := range out {
			out[i] = float64(int64(be.Uint64(raw[i*8:])))
		}
	case -32:
		for i := range out {
			out[i] = float64(math.Float32frombits(be.Uint32(raw[i*4:])))
		}
	case -64:
		for i := range out {
			out[i] = math.Float64frombits(be.Uint64(raw[i*8:]))
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX: %d", bitpix)
	}
	return out, nil
}

// WriteFITS writes m as a BITPIX -64 primary image.
func WriteFITS(w io.Writer, m mat.Matrix) error {
	rows, cols := m.Dims()
	data := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			data = append(data, m.At(i, j))
		}
	}

	f, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("creating FITS: %w", err)
	}
	img := fitsio.NewImage(-64, []int{cols, rows})
	if err := img.Write(&data); err != nil {
		img.Close()
		f.Close()
		return fmt.Errorf("writing FITS image: %w", err)
	}
	if err := f.Write(img); err != nil {
		img.Close()
		f.Close()
		return fmt.Errorf("writing FITS HDU: %w", err)
	}
	if err := img.Close(); err != nil {
		f.Close()
		return fmt.Errorf("closing FITS image: %w", err)
	}
	return f.Close()
}

// WriteFITSFile writes m to a new file at path.
func WriteFITSFile(path string, m mat.Matrix) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := WriteFITS(f, m); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
