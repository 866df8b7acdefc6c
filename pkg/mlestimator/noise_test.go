package mlestimator

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestEstimateNoise_GaussianBackground(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	img := mat.NewDense(120, 120, nil)
	for i := 0; i < 120; i++ {
		for j := 0; j < 120; j++ {
			img.Set(i, j, 10+0.5*rng.NormFloat64())
		}
	}
	star, cfg := synthetic(t, 120, 120, 3.0, 0.0, 0.0, 5000)
	require.Equal(t, ModelGaussian, cfg.ModelType)
	img.Add(img, star)

	est, err := EstimateNoise(img, 3, 1e-6, 20)
	require.NoError(t, err)

	assert.InDelta(t, 0.5, est.Sigma, 0.025)
	assert.InDelta(t, 10, est.BackgroundMean, 0.02)
	assert.Greater(t, est.NumIterations, 1)
	assert.LessOrEqual(t, est.NumIterations, 20)
}

func TestEstimateNoise_SingleIteration(t *testing.T) {
	img := mat.NewDense(2, 2, []float64{1, 3, 1, 3})

	est, err := EstimateNoise(img, 3, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, est.NumIterations)
	assert.Equal(t, 2.0, est.BackgroundMean)
	assert.InDelta(t, 1.1547005383792515, est.Sigma, 1e-12)
}

func TestEstimateNoise_Rejects(t *testing.T) {
	_, err := EstimateNoise(nil, 3, 0, 5)
	assert.ErrorIs(t, err, ErrInvalidImage)

	_, err = EstimateNoise(mat.NewDense(4, 4, nil), 3, 0, 5)
	assert.Error(t, err)

	_, err = EstimateNoise(mat.NewDense(4, 4, []float64{1, 2, 3, 4, 1, 2, 3, 4, 1, 2, 3, 4, 1, 2, 3, 4}), 0, 0, 5)
	assert.Error(t, err)
}
