package mlestimator

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// synthetic renders a noise-free Gaussian on a rows×cols stamp centred on
// the image, returning the image and the configuration that produced it.
func synthetic(t *testing.T, rows, cols int, size, e1, e2, flux float64) (*mat.Dense, Config) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Size, cfg.E1, cfg.E2, cfg.Flux = size, e1, e2, flux
	cfg.StampSize = [2]int{rows, cols}
	cfg.Centroid = [2]float64{float64(cols) / 2, float64(rows) / 2}
	img, err := GaussianModel{}.Image(cfg)
	require.NoError(t, err)
	return img, cfg
}

// countingModel wraps a model and counts image requests.
type countingModel struct {
	Model
	calls atomic.Int64
}

func (m *countingModel) Image(cfg Config) (*mat.Dense, error) {
	m.calls.Add(1)
	return m.Model.Image(cfg)
}

// fixedModel always returns the same image, whatever the configuration.
type fixedModel struct {
	img *mat.Dense
}

func (m fixedModel) Image(Config) (*mat.Dense, error) { return m.img, nil }

// memorySink collects appended rows.
type memorySink struct {
	rows [][]float64
}

func (s *memorySink) Append(values []float64) error {
	s.rows = append(s.rows, append([]float64(nil), values...))
	return nil
}
