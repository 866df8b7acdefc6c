//go:build !purego && !js

package main

import (
	"fmt"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// loadNonFitsImage reads a greyscale image at its native bit depth.
func loadNonFitsImage(path string) (*mat.Dense, error) {
	src := gocv.IMRead(path, gocv.IMReadAnyDepth)
	if src.Empty() {
		return nil, fmt.Errorf("could not load image: %s", path)
	}
	defer src.Close()

	floatMat := gocv.NewMat()
	defer floatMat.Close()
	src.ConvertTo(&floatMat, gocv.MatTypeCV64F)

	data, err := floatMat.DataPtrFloat64()
	if err != nil {
		return nil, fmt.Errorf("reading pixels of %s: %w", path, err)
	}
	rows, cols := floatMat.Rows(), floatMat.Cols()
	pixels := make([]float64, rows*cols)
	copy(pixels, data)
	return mat.NewDense(rows, cols, pixels), nil
}
