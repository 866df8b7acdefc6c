/*
Kappa-sigma background estimate after the HocusFocus plugin by George Hilios.
Original Copyright © 2021 George Hilios <ghilios+NINA@googlemail.com>
Licensed under Mozilla Public License 2.0.
Ported to Go.
*/

package mlestimator

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// NoiseEstimate holds the result of EstimateNoise.
type NoiseEstimate struct {
	Sigma          float64
	BackgroundMean float64
	NumIterations  int
}

func (n NoiseEstimate) String() string {
	return fmt.Sprintf("{Sigma=%g, BackgroundMean=%g, NumIterations=%d}", n.Sigma, n.BackgroundMean, n.NumIterations)
}

// EstimateNoise estimates the background level and per-pixel noise of img by
// iterative kappa-sigma clipping. Each round drops pixels brighter than
// mean + clip·sigma of the previous round; it stops once sigma changes by at
// most allowedError or after maxIterations rounds.
func EstimateNoise(img mat.Matrix, clip, allowedError float64, maxIterations int) (NoiseEstimate, error) {
	if img == nil {
		return NoiseEstimate{}, ErrInvalidImage
	}
	rows, cols := img.Dims()
	if rows == 0 || cols == 0 {
		return NoiseEstimate{}, ErrInvalidImage
	}
	if !(clip > 0) {
		return NoiseEstimate{}, fmt.Errorf("clipping multiplier must be positive, got %g", clip)
	}
	if maxIterations < 1 {
		maxIterations = 1
	}

	values := make([]float64, 0, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			values = append(values, img.At(i, j))
		}
	}
	mask := make([]float64, len(values))

	threshold := math.Inf(1)
	var res NoiseEstimate
	for res.NumIterations < maxIterations {
		kept := 0
		for i, v := range values {
			if v <= threshold {
				mask[i] = 1
				kept++
			} else {
				mask[i] = 0
			}
		}
		if kept < 2 {
			break
		}
		mean, sigma := stat.MeanStdDev(values, mask)

		res.NumIterations++
		if res.NumIterations > 1 && math.Abs(sigma-res.Sigma) <= allowedError {
			res.Sigma = sigma
			break
		}
		threshold = mean + clip*sigma
		res.Sigma = sigma
		res.BackgroundMean = mean
	}

	if !(res.Sigma > 0) {
		return res, fmt.Errorf("image background is flat, cannot estimate noise")
	}
	return res, nil
}
